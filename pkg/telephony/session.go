package telephony

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/errorsx"
)

// ErrClosed is returned when a send is attempted on a closed session.
var ErrClosed = errors.New("telephony: session closed")

// ErrNoStream is returned when outbound audio is sent before the stream
// identifier is known. Frames addressed to an unknown stream are a protocol
// defect, so the caller must hold audio until start has been observed.
var ErrNoStream = errors.New("telephony: stream identifier not set")

// Session is one inbound duplex media stream from the telephony client. It
// presents a simple audio-out surface: wrap a payload with the stored stream
// identifier and push it on the outbound connection. Writes are
// fire-and-forget through a buffered channel drained by a single writer
// goroutine; a full buffer drops the frame rather than delaying live audio.
type Session struct {
	conn   *websocket.Conn
	log    *slog.Logger
	sendCh chan []byte
	closed atomic.Bool

	mu        sync.Mutex
	streamSID string
	callSID   string
	traceID   string
	handler   Handler
}

func newSession(conn *websocket.Conn, log *slog.Logger) *Session {
	s := &Session{
		conn:   conn,
		log:    log,
		sendCh: make(chan []byte, 256),
	}
	go s.loop()
	return s
}

func (s *Session) start(streamSID, callSID, traceID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	s.callSID = callSID
	s.traceID = traceID
	s.mu.Unlock()
}

// StreamSID returns the stream identifier assigned on start, or "" before it.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

func (s *Session) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

// WriteMedia wraps a base64 payload with the stored stream identifier and
// enqueues it for the caller. Fails fast when the connection is closed or
// the identifier is not yet known; nothing is queued or retried.
func (s *Session) WriteMedia(payloadB64 string) error {
	if s.closed.Load() {
		s.log.Warn("telephony_media_dropped",
			"reason_code", string(errorsx.ReasonTelephonySend))
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTelephonySend)
	}
	streamSID := s.StreamSID()
	if streamSID == "" {
		return errorsx.Wrap(ErrNoStream, errorsx.ReasonTelephonySend)
	}
	return s.enqueue(mediaEnvelope{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: payloadB64},
	})
}

// Clear asks the telephony client to discard any buffered outbound audio.
func (s *Session) Clear() error {
	if s.closed.Load() {
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTelephonySend)
	}
	streamSID := s.StreamSID()
	if streamSID == "" {
		return nil
	}
	return s.enqueue(clearEnvelope{Event: "clear", StreamSID: streamSID})
}

// Close tears the connection down. Safe to call more than once, and safe
// against sends racing in from the other connection's read goroutine: the
// channel is only closed under the mutex that every enqueue holds.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	close(s.sendCh)
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return errorsx.Wrap(s.conn.Close(), errorsx.ReasonTelephonyClosed)
}

func (s *Session) enqueue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTelephonySend)
	}
	select {
	case s.sendCh <- b:
	default:
		s.log.Warn("telephony_send_buffer_full",
			"reason_code", string(errorsx.ReasonTelephonySend))
	}
	return nil
}

func (s *Session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}
