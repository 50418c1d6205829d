package realtime

// Event type tags used on the Realtime wire protocol.
const (
	EventSessionCreated     = "session.created"
	EventSessionUpdated     = "session.updated"
	EventSessionUpdate      = "session.update"
	EventInputAudioAppend   = "input_audio_buffer.append"
	EventResponseAudioDelta = "response.audio.delta"
	EventRateLimitsUpdated  = "rate_limits.updated"
	EventSpeechStarted      = "input_audio_buffer.speech_started"
	EventError              = "error"
)

// watchedEvents is the fixed set of additional inbound event kinds that are
// logged when seen. Everything else outside the dispatched kinds is ignored.
var watchedEvents = map[string]struct{}{
	"input_audio_buffer.speech_stopped":                     {},
	"input_audio_buffer.committed":                          {},
	"conversation.item.input_audio_transcription.completed": {},
	"response.audio.done":                                   {},
	"response.done":                                         {},
}

// envelope is used for initial JSON parsing to determine the event type
// before unmarshaling into the specific event struct.
type envelope struct {
	Type string `json:"type"`
}

// TurnDetection holds the server-side VAD configuration.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is the one-time session configuration pushed after connect.
// It is built once per call and never resent.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type audioDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type sessionCreatedEvent struct {
	Type    string `json:"type"`
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
}

type rateLimitsEvent struct {
	Type       string `json:"type"`
	RateLimits []struct {
		Name      string `json:"name"`
		Limit     int    `json:"limit"`
		Remaining int    `json:"remaining"`
	} `json:"rate_limits"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}
