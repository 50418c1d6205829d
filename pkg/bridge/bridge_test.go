package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/realtime"
)

type fakeDownstream struct {
	mu     sync.Mutex
	media  []string
	clears int
	closed bool
}

func (f *fakeDownstream) WriteMedia(payloadB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payloadB64)
	return nil
}

func (f *fakeDownstream) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeDownstream) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeDownstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDownstream) mediaSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.media...)
}

func (f *fakeDownstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeUpstream struct {
	mu     sync.Mutex
	open   bool
	events []string
	closed bool
}

func (f *fakeUpstream) Connect(_ context.Context) error {
	f.setOpen(true)
	return nil
}

func (f *fakeUpstream) SendSessionUpdate(cfg realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "session.update")
	return nil
}

func (f *fakeUpstream) AppendAudio(payloadB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return realtime.ErrNotOpen
	}
	f.events = append(f.events, "append:"+payloadB64)
	return nil
}

func (f *fakeUpstream) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	return nil
}

func (f *fakeUpstream) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeUpstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeUpstream) setOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = open
}

func newTestBridge(down *fakeDownstream, up *fakeUpstream, cfg Config) *Bridge {
	return New(down, up, cfg, nil)
}

func TestNoAudioForwardedBeforeUpstreamOpen(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{})

	b.OnStart("SID123", "CA1")
	b.OnMedia("AAA=")

	if got := up.sent(); len(got) != 0 {
		t.Fatalf("expected no upstream events before open, got %v", got)
	}
}

func TestStartupSequenceConfigThenAudioInOrder(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	b.OnStart("SID123", "CA1")
	up.setOpen(true)
	b.upstreamOpened()
	b.UpstreamReady()
	b.OnMedia("AAA=")
	b.OnMedia("BBB=")

	want := []string{"session.update", "append:AAA=", "append:BBB="}
	got := up.sent()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if b.State() != StateActive {
		t.Fatalf("expected active state, got %s", b.State())
	}
}

func TestReadyAckBeforeOpenPushesConfigOnOpen(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	// The readiness ack lands while the connect goroutine has not yet
	// recorded the open; it must not be lost.
	b.UpstreamReady()
	if got := up.sent(); len(got) != 0 {
		t.Fatalf("expected no config push before open, got %v", got)
	}

	up.setOpen(true)
	b.upstreamOpened()

	if got := up.sent(); len(got) != 1 || got[0] != "session.update" {
		t.Fatalf("expected immediate config push on open, got %v", got)
	}
	if b.State() != StateActive {
		t.Fatalf("expected active state, got %s", b.State())
	}
}

func TestSessionUpdateSentExactlyOnce(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	up.setOpen(true)
	b.upstreamOpened()
	b.UpstreamReady()
	b.UpstreamReady()
	b.pushSessionUpdate()

	count := 0
	for _, evt := range up.sent() {
		if evt == "session.update" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one session.update, got %d", count)
	}
}

func TestSessionUpdateDelayFallback(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: 5 * time.Millisecond})

	up.setOpen(true)
	b.upstreamOpened()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.State() == StateActive {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if b.State() != StateActive {
		t.Fatalf("expected delayed config push to fire, state %s", b.State())
	}
	if got := up.sent(); len(got) != 1 || got[0] != "session.update" {
		t.Fatalf("expected single session.update, got %v", got)
	}
}

func TestNoSessionUpdateAfterClose(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	up.setOpen(true)
	b.upstreamOpened()
	b.OnStop("completed")
	b.pushSessionUpdate()

	if got := up.sent(); len(got) != 0 {
		t.Fatalf("expected no session.update after close, got %v", got)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", b.State())
	}
}

func TestEarlySynthesizedAudioBufferedUntilStart(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{})

	b.UpstreamAudio("ZZZ=")
	if got := down.mediaSent(); len(got) != 0 {
		t.Fatalf("expected no media before stream identifier known, got %v", got)
	}

	b.OnStart("SID123", "CA1")
	got := down.mediaSent()
	if len(got) != 1 || got[0] != "ZZZ=" {
		t.Fatalf("expected buffered chunk flushed on start, got %v", got)
	}

	b.UpstreamAudio("YYY=")
	got = down.mediaSent()
	if len(got) != 2 || got[1] != "YYY=" {
		t.Fatalf("expected direct forwarding after start, got %v", got)
	}
}

func TestPendingAudioLimitDropsOverflow(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{PendingAudioLimit: 2})

	b.UpstreamAudio("A=")
	b.UpstreamAudio("B=")
	b.UpstreamAudio("C=")
	b.OnStart("SID123", "CA1")

	got := down.mediaSent()
	if len(got) != 2 || got[0] != "A=" || got[1] != "B=" {
		t.Fatalf("expected first two chunks kept in order, got %v", got)
	}
}

func TestCallerBargeInClearsPlayback(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{})

	b.OnStart("SID123", "CA1")
	b.UpstreamAudio("AAA=")
	b.UpstreamSpeechStarted()

	if got := down.clearCount(); got != 1 {
		t.Fatalf("expected one clear on barge-in, got %d", got)
	}
}

func TestBargeInDropsBufferedEarlyAudio(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{})

	b.UpstreamAudio("ZZZ=")
	b.UpstreamSpeechStarted()
	b.OnStart("SID123", "CA1")

	if got := down.mediaSent(); len(got) != 0 {
		t.Fatalf("expected buffered audio discarded on barge-in, got %v", got)
	}
}

func TestDownstreamCloseTearsDownUpstream(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	up.setOpen(true)
	b.upstreamOpened()
	b.OnStop("completed")

	if !up.isClosed() {
		t.Fatalf("expected upstream closed after downstream stop")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", b.State())
	}

	// Teardown is idempotent.
	b.OnClosed()
	if b.State() != StateClosed {
		t.Fatalf("expected state to stay closed, got %s", b.State())
	}
}

func TestUpstreamCloseTearsDownDownstream(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	up.setOpen(true)
	b.upstreamOpened()
	b.UpstreamClosed(1000, "normal closure")

	if !down.isClosed() {
		t.Fatalf("expected downstream closed after upstream close")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", b.State())
	}
}

func TestAudioForwardedBeforeConfigLands(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{}
	b := newTestBridge(down, up, Config{SessionUpdateDelay: time.Hour})

	b.OnStart("SID123", "CA1")
	up.setOpen(true)
	b.upstreamOpened()
	b.OnMedia("AAA=")

	got := up.sent()
	if len(got) != 1 || got[0] != "append:AAA=" {
		t.Fatalf("expected append while awaiting config, got %v", got)
	}
	if b.State() != StateAwaitingConfig {
		t.Fatalf("expected awaiting_config state, got %s", b.State())
	}
}
