package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSpeechSend)
	if Reason(err) != ReasonSpeechSend {
		t.Fatalf("expected reason %s, got %s", ReasonSpeechSend, Reason(err))
	}
	if !HasReason(err, ReasonSpeechSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonTelephonySend)
	second := Wrap(first, ReasonSpeechSend)
	if Reason(second) != ReasonTelephonySend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
