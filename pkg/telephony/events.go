package telephony

// Inbound media-stream event shapes. Only start, media and stop drive the
// call lifecycle; every other kind is a diagnostic signal.
type Event struct {
	Event string `json:"event"`
	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	DTMF  *DTMF  `json:"dtmf,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
}

type Start struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
	From      string `json:"from"`
}

type Media struct {
	Payload string `json:"payload"`
}

type DTMF struct {
	Digit string `json:"digit"`
}

type Stop struct {
	Reason string `json:"reason"`
}

// mediaEnvelope is the single outbound event shape.
type mediaEnvelope struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type clearEnvelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
