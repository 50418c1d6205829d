// Package bridge coordinates one telephony media stream and one realtime
// speech session per call: it wires each side's audio sink to the other's
// source, sequences the one-time session configuration push, and guarantees
// that closing either side tears down the other.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/realtime"
)

// DefaultSessionUpdateDelay guards against the remote service still running
// its own asynchronous setup right after the connection opens. The explicit
// readiness event short-circuits it when observed first.
const DefaultSessionUpdateDelay = 250 * time.Millisecond

// DefaultPendingAudioLimit caps synthesized audio buffered while the stream
// identifier is still unknown.
const DefaultPendingAudioLimit = 32

// Downstream is the audio-out surface of the telephony session.
type Downstream interface {
	WriteMedia(payloadB64 string) error
	Clear() error
	Close() error
}

// Upstream is the realtime speech session owned by this call.
type Upstream interface {
	Connect(ctx context.Context) error
	SendSessionUpdate(cfg realtime.SessionConfig) error
	AppendAudio(payloadB64 string) error
	IsOpen() bool
	Close() error
}

type Config struct {
	Session            realtime.SessionConfig
	SessionUpdateDelay time.Duration
	PendingAudioLimit  int
}

func (c Config) withDefaults() Config {
	if c.SessionUpdateDelay <= 0 {
		c.SessionUpdateDelay = DefaultSessionUpdateDelay
	}
	if c.PendingAudioLimit <= 0 {
		c.PendingAudioLimit = DefaultPendingAudioLimit
	}
	return c
}

// Bridge is the per-call session record. It is owned by exactly one call;
// its mutable state is only touched by that call's two connection read
// loops and the configuration timer.
type Bridge struct {
	cfg  Config
	log  *slog.Logger
	down Downstream
	up   Upstream

	mu          sync.Mutex
	state       State
	streamSID   string
	callSID     string
	configSent  bool
	configTimer *time.Timer
	// Readiness ack observed before the connect goroutine recorded the
	// open; replayed by upstreamOpened.
	readyEarly bool
	// Synthesized audio that arrived before the stream identifier was
	// known; flushed in order on start, bounded by PendingAudioLimit.
	pendingOut []string
}

func New(down Downstream, up Upstream, cfg Config, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:   cfg.withDefaults(),
		log:   log,
		down:  down,
		up:    up,
		state: StateConnecting,
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start opens the paired upstream session. The connect is asynchronous; the
// bridge stays in the connecting state until the upstream reports open.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		if err := b.up.Connect(ctx); err != nil {
			b.log.Error("bridge_upstream_connect_failed", "error", err.Error())
			b.teardown("upstream")
			return
		}
		b.upstreamOpened()
	}()
}

func (b *Bridge) upstreamOpened() {
	b.mu.Lock()
	if b.state != StateConnecting {
		b.mu.Unlock()
		return
	}
	b.transitionLocked(StateAwaitingConfig)
	ready := b.readyEarly
	if !ready {
		b.configTimer = time.AfterFunc(b.cfg.SessionUpdateDelay, b.pushSessionUpdate)
	}
	b.mu.Unlock()
	b.log.Info("bridge_upstream_open")
	if ready {
		b.pushSessionUpdate()
	}
}

// UpstreamReady handles the upstream readiness acknowledgment and pushes the
// session configuration without waiting out the full delay. The ack can beat
// the connect goroutine to the state change; it is latched so the push still
// happens immediately once the open is recorded.
func (b *Bridge) UpstreamReady() {
	b.mu.Lock()
	if b.state == StateConnecting {
		b.readyEarly = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.pushSessionUpdate()
}

// pushSessionUpdate transmits the session configuration exactly once per
// call, never before the upstream is open and never after it closed.
func (b *Bridge) pushSessionUpdate() {
	b.mu.Lock()
	if b.configSent || b.state != StateAwaitingConfig {
		b.mu.Unlock()
		return
	}
	b.configSent = true
	if b.configTimer != nil {
		b.configTimer.Stop()
	}
	cfg := b.cfg.Session
	b.mu.Unlock()

	if err := b.up.SendSessionUpdate(cfg); err != nil {
		b.log.Error("bridge_session_update_failed", "error", err.Error())
		b.teardown("upstream")
		return
	}
	b.mu.Lock()
	if b.state == StateAwaitingConfig {
		b.transitionLocked(StateActive)
	}
	b.mu.Unlock()
	b.log.Info("bridge_session_update_sent")
}

// OnStart stores the stream identifier and flushes any synthesized audio
// buffered before it was known.
func (b *Bridge) OnStart(streamSID, callSID string) {
	b.mu.Lock()
	b.streamSID = streamSID
	b.callSID = callSID
	pending := b.pendingOut
	b.pendingOut = nil
	b.mu.Unlock()

	b.log.Info("bridge_call_start", "stream_sid", streamSID, "call_sid", callSID)
	for _, payload := range pending {
		if err := b.down.WriteMedia(payload); err != nil {
			b.log.Warn("bridge_media_write_failed", "error", err.Error())
		}
	}
}

// OnMedia forwards one caller audio chunk upstream, unmodified and in
// arrival order. Chunks arriving before the upstream is open are dropped;
// chunks arriving after open but before the configuration push are
// forwarded, since appending audio ahead of the configuration is legal on
// the upstream protocol.
func (b *Bridge) OnMedia(payloadB64 string) {
	if !b.up.IsOpen() {
		b.log.Warn("bridge_media_dropped", "cause", "upstream_not_open")
		return
	}
	if err := b.up.AppendAudio(payloadB64); err != nil {
		b.log.Warn("bridge_append_failed", "error", err.Error())
	}
}

// OnDTMF is a diagnostic signal only; digits are not forwarded.
func (b *Bridge) OnDTMF(digit string) {
	b.log.Debug("bridge_dtmf", "digit", digit)
}

func (b *Bridge) OnStop(reason string) {
	b.log.Info("bridge_call_end", "reason", reason)
	b.teardown("downstream")
}

func (b *Bridge) OnClosed() {
	b.log.Info("bridge_call_end", "reason", "transport_closed")
	b.teardown("downstream")
}

// UpstreamAudio forwards one synthesized audio chunk to the caller,
// re-associated with the stored stream identifier. Chunks arriving before
// the identifier is known are buffered and flushed on start.
func (b *Bridge) UpstreamAudio(deltaB64 string) {
	b.mu.Lock()
	if b.streamSID == "" {
		if len(b.pendingOut) < b.cfg.PendingAudioLimit {
			b.pendingOut = append(b.pendingOut, deltaB64)
		} else {
			b.log.Warn("bridge_audio_dropped", "cause", "no_stream_sid")
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.down.WriteMedia(deltaB64); err != nil {
		b.log.Warn("bridge_media_write_failed", "error", err.Error())
	}
}

// UpstreamSpeechStarted handles the caller barging in over playback: any
// synthesized audio still buffered on the telephony side is discarded so the
// caller does not hear the stale response finish. Audio buffered here before
// the stream identifier is known is dropped for the same reason.
func (b *Bridge) UpstreamSpeechStarted() {
	b.mu.Lock()
	b.pendingOut = nil
	b.mu.Unlock()

	b.log.Debug("bridge_barge_in")
	if err := b.down.Clear(); err != nil {
		b.log.Warn("bridge_clear_failed", "error", err.Error())
	}
}

// UpstreamClosed records the closure and tears down the telephony side. A
// call is a single non-resumable session; there is no reconnect.
func (b *Bridge) UpstreamClosed(code int, reason string) {
	b.log.Info("bridge_upstream_closed", "code", code, "reason", reason)
	b.teardown("upstream")
}

// UpstreamError logs a transport error; it is a precursor to close, not
// independently recovered.
func (b *Bridge) UpstreamError(err error) {
	b.log.Error("bridge_upstream_error", "error", err.Error())
}

// teardown closes whichever side is still open. Nothing is retried: a
// closed connection ends the call.
func (b *Bridge) teardown(from string) {
	b.mu.Lock()
	if b.state == StateClosing || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.transitionLocked(StateClosing)
	if b.configTimer != nil {
		b.configTimer.Stop()
	}
	b.mu.Unlock()

	if from != "upstream" {
		_ = b.up.Close()
	}
	if from != "downstream" {
		_ = b.down.Close()
	}

	b.mu.Lock()
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.log.Info("bridge_closed", "initiator", from)
}

func (b *Bridge) transitionLocked(to State) {
	if !transitionValid(b.state, to) {
		b.log.Error("bridge_invalid_transition",
			"error", (&InvalidTransitionError{From: b.state, To: to}).Error())
		return
	}
	b.log.Debug("bridge_state", "from", b.state.String(), "to", to.String())
	b.state = to
}
