// Package realtime owns the WebSocket connection to the hosted realtime
// speech service, performing the one-time session configuration push and
// surfacing synthesized audio back to the bridge.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/errorsx"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// ErrNotOpen is returned when a send is attempted on a connection that is
// not currently open. The payload is dropped, never queued.
var ErrNotOpen = errors.New("realtime: connection not open")

type Config struct {
	APIKey           string        `mapstructure:"api_key"`
	URL              string        `mapstructure:"url"`
	Model            string        `mapstructure:"model"`
	HandshakeTimeout time.Duration `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Client manages one connection to the realtime speech service. A call is a
// single non-resumable session: once the connection ends, its conversation
// state is gone, so the client never reconnects.
type Client struct {
	cfg Config
	log *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex
	open    atomic.Bool
	closed  atomic.Bool

	// Exactly one handler per event kind; set before Connect.
	OnReady         func()
	OnAudioDelta    func(deltaB64 string)
	OnSpeechStarted func()
	OnClose         func(code int, reason string)
	OnError         func(err error)
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg.withDefaults(), log: log}
}

// Connect opens the duplex connection. Audio may not be sent before Connect
// returns; the session configuration push is scheduled by the caller once
// the connection reports open.
func (c *Client) Connect(ctx context.Context) error {
	url := c.cfg.URL + "?model=" + c.cfg.Model

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	c.ws = ws
	c.ws.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	c.open.Store(true)

	go c.readLoop()
	go c.keepAlive()
	return nil
}

// IsOpen reports whether the connection currently accepts sends.
func (c *Client) IsOpen() bool {
	return c.open.Load() && !c.closed.Load()
}

// SendSessionUpdate transmits the one-time session configuration.
func (c *Client) SendSessionUpdate(cfg SessionConfig) error {
	if !c.IsOpen() {
		return errorsx.Wrap(ErrNotOpen, errorsx.ReasonSpeechSend)
	}
	return c.sendJSON(sessionUpdateEvent{Type: EventSessionUpdate, Session: cfg})
}

// AppendAudio wraps a base64 payload in the append-audio event shape and
// transmits it. If the connection is not open the chunk is dropped with a
// warning; stale audio has no value to a live caller.
func (c *Client) AppendAudio(payloadB64 string) error {
	if !c.IsOpen() {
		c.log.Warn("realtime_append_dropped",
			"reason_code", string(errorsx.ReasonSpeechSend))
		return errorsx.Wrap(ErrNotOpen, errorsx.ReasonSpeechSend)
	}
	return c.sendJSON(appendAudioEvent{Type: EventInputAudioAppend, Audio: payloadB64})
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.open.Store(false)
	if c.ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return errorsx.Wrap(c.ws.Close(), errorsx.ReasonSpeechClosed)
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.open.Store(false)
			code, reason := closeDetails(err)
			if !c.closed.Load() {
				c.log.Info("realtime_closed", "code", code, "reason", reason)
				if c.OnClose != nil {
					c.OnClose(code, reason)
				}
			}
			return
		}
		c.dispatch(msg)
	}
}

// dispatch routes one inbound protocol event by tag. Malformed payloads are
// logged with the raw bytes and dropped; the connection stays open.
func (c *Client) dispatch(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.log.Warn("realtime_malformed_event", "error", err.Error(), "payload", string(msg))
		return
	}
	switch env.Type {
	case EventSessionCreated:
		var evt sessionCreatedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.log.Warn("realtime_malformed_event", "error", err.Error(), "payload", string(msg))
			return
		}
		c.log.Info("realtime_session_created", "session_id", evt.Session.ID, "model", evt.Session.Model)
		if c.OnReady != nil {
			c.OnReady()
		}
	case EventSessionUpdated:
		c.log.Info("realtime_session_updated")
	case EventResponseAudioDelta:
		var evt audioDeltaEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.log.Warn("realtime_malformed_event", "error", err.Error(), "payload", string(msg))
			return
		}
		if c.OnAudioDelta != nil {
			c.OnAudioDelta(evt.Delta)
		}
	case EventSpeechStarted:
		c.log.Debug("realtime_speech_started")
		if c.OnSpeechStarted != nil {
			c.OnSpeechStarted()
		}
	case EventRateLimitsUpdated:
		var evt rateLimitsEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.log.Warn("realtime_malformed_event", "error", err.Error(), "payload", string(msg))
			return
		}
		for _, rl := range evt.RateLimits {
			c.log.Info("realtime_rate_limits", "name", rl.Name, "limit", rl.Limit, "remaining", rl.Remaining)
		}
	case EventError:
		var evt errorEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.log.Warn("realtime_malformed_event", "error", err.Error(), "payload", string(msg))
			return
		}
		c.log.Error("realtime_error_event", "error_type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
		if c.OnError != nil {
			c.OnError(errors.New(evt.Error.Message))
		}
	default:
		if _, ok := watchedEvents[env.Type]; ok {
			c.log.Debug("realtime_event", "type", env.Type)
		}
	}
}

func (c *Client) sendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errorsx.Wrap(ErrNotOpen, errorsx.ReasonSpeechSend)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSpeechSend)
	}
	return nil
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
