// Package telephony terminates inbound media streams from the telephony
// provider and serves the HTTP surface that routes calls to them.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/errorsx"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Handler receives the inbound events of one media stream, in arrival order.
// Exactly one handler is registered per connection.
type Handler interface {
	OnStart(streamSID, callSID string)
	OnMedia(payloadB64 string)
	OnDTMF(digit string)
	OnStop(reason string)
	OnClosed()
}

// HandlerFactory builds the per-call handler when a media stream connects.
type HandlerFactory func(sess *Session) Handler

// Server terminates media-stream WebSocket connections and the voice
// webhook. Each accepted connection gets its own Session and Handler; no
// state is shared across calls beyond the registry used to address
// status callbacks.
type Server struct {
	cfg        Config
	log        *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
	newHandler HandlerFactory

	mu          sync.Mutex
	sessions    map[string]*Session
	callStreams map[string]string

	draining atomic.Bool
}

func NewServer(cfg Config, factory HandlerFactory, log *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		newHandler:  factory,
		sessions:    make(map[string]*Session),
		callStreams: make(map[string]string),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("telephony_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Drain refuses new connections and closes every active call.
func (s *Server) Drain() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessions = make(map[string]*Session)
	s.callStreams = make(map[string]string)
	s.mu.Unlock()
	return nil
}

// ServeHTTP upgrades a media-stream connection and runs its read loop.
// Messages are processed strictly in arrival order; a malformed frame is
// logged and dropped without closing the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(conn, s.log)
	handler := s.newHandler(sess)
	sess.mu.Lock()
	sess.handler = handler
	sess.mu.Unlock()
	defer sess.Close()

	var streamSID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.log.Warn("telephony_malformed_event", "error", err.Error(), "payload", string(msg))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamSID = evt.Start.StreamSID
			traceID := uuid.NewString()
			sess.start(streamSID, evt.Start.CallSID, traceID)
			s.attach(sess)
			handler.OnStart(streamSID, evt.Start.CallSID)
		case "media":
			if evt.Media == nil {
				continue
			}
			handler.OnMedia(evt.Media.Payload)
		case "dtmf":
			if evt.DTMF == nil {
				continue
			}
			handler.OnDTMF(evt.DTMF.Digit)
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			handler.OnStop(reason)
			s.detach(streamSID)
			return
		default:
			s.log.Debug("telephony_event_ignored", "event", evt.Event)
		}
	}
	handler.OnClosed()
	s.detach(streamSID)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateRequest(r) {
		s.log.Warn("telephony_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := s.websocketURL(r)
	greeting := strings.TrimSpace(s.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateRequest(r) {
		s.log.Warn("telephony_status_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	sess := s.sessionForCall(callSID)
	if sess == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	sess.mu.Lock()
	handler := sess.handler
	streamSID := sess.streamSID
	sess.mu.Unlock()
	if handler != nil {
		handler.OnStop(reason)
	}
	s.detach(streamSID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) attach(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.StreamSID()] = sess
	if callSID := sess.CallSID(); callSID != "" {
		s.callStreams[callSID] = sess.StreamSID()
	}
}

func (s *Server) detach(streamSID string) {
	if streamSID == "" {
		return
	}
	s.mu.Lock()
	sess := s.sessions[streamSID]
	delete(s.sessions, streamSID)
	if sess != nil {
		if callSID := sess.CallSID(); callSID != "" && s.callStreams[callSID] == streamSID {
			delete(s.callStreams, callSID)
		}
	}
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (s *Server) sessionForCall(callSID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	streamSID := s.callStreams[callSID]
	if streamSID == "" {
		return nil
	}
	return s.sessions[streamSID]
}

func (s *Server) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Server) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	// Form posts are signed over the URL plus the sorted form params; JSON
	// posts carry a bodySHA256 URL param instead.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return false
		}
		params := make(map[string]string, len(values))
		for k := range values {
			params[k] = values.Get(k)
		}
		return validator.Validate(s.requestURL(r), params, signature)
	}
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
