package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSpeechConnect ReasonCode = "speech_connect"
	ReasonSpeechSend    ReasonCode = "speech_send"
	ReasonSpeechClosed  ReasonCode = "speech_closed"

	ReasonTelephonySend   ReasonCode = "telephony_send"
	ReasonTelephonyClosed ReasonCode = "telephony_closed"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)
