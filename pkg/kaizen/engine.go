// Package kaizen assembles the telephony server, realtime speech client and
// per-call bridge from process configuration.
package kaizen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/bridge"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/configutil"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/errorsx"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/logging"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/realtime"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/telephony"
)

// DefaultInstructions is the agent behavior prompt used when the config
// does not supply one.
const DefaultInstructions = "You are a helpful, witty and friendly AI assistant on a phone call. " +
	"Keep answers short and conversational; the caller hears you, they do not read you."

// SpeechSettings is the typed form of the speech provider settings map.
type SpeechSettings struct {
	APIKey                  string   `mapstructure:"api_key"`
	URL                     string   `mapstructure:"url"`
	Model                   string   `mapstructure:"model"`
	Voice                   string   `mapstructure:"voice"`
	Instructions            string   `mapstructure:"instructions"`
	Temperature             *float64 `mapstructure:"temperature"`
	MaxResponseOutputTokens *int     `mapstructure:"max_response_output_tokens"`
	InputAudioFormat        string   `mapstructure:"input_audio_format"`
	OutputAudioFormat       string   `mapstructure:"output_audio_format"`
	VADThreshold            *float64 `mapstructure:"vad_threshold"`
	VADPrefixPaddingMS      *int     `mapstructure:"vad_prefix_padding_ms"`
	VADSilenceDurationMS    *int     `mapstructure:"vad_silence_duration_ms"`
	SessionUpdateDelayMS    *int     `mapstructure:"session_update_delay_ms"`
	PendingAudioLimit       *int     `mapstructure:"pending_audio_limit"`
}

var speechSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"url", "model", "voice", "instructions", "temperature",
		"max_response_output_tokens", "input_audio_format", "output_audio_format",
		"vad_threshold", "vad_prefix_padding_ms", "vad_silence_duration_ms",
		"session_update_delay_ms", "pending_audio_limit",
	},
}

var telephonySchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid",
		"voice_path", "ws_path", "status_callback_path", "voice_greeting",
		"allow_any_origin", "allowed_origins",
	},
}

// Engine owns the telephony server and builds one bridge per call.
type Engine struct {
	log       *slog.Logger
	server    *telephony.Server
	rtCfg     realtime.Config
	bridgeCfg bridge.Config
}

func NewEngine(cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Telephony.Provider != "twilio" {
		return nil, errorsx.Wrap(fmt.Errorf("unsupported telephony provider %q", cfg.Telephony.Provider),
			errorsx.ReasonConfigInvalid)
	}
	if cfg.Speech.Provider != "openai_realtime" {
		return nil, errorsx.Wrap(fmt.Errorf("unsupported speech provider %q", cfg.Speech.Provider),
			errorsx.ReasonConfigInvalid)
	}

	if err := configutil.ValidateSettings(cfg.Telephony.Settings, telephonySchema); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("telephony.settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	var tCfg telephony.Config
	if err := configutil.DecodeSettings(cfg.Telephony.Settings, &tCfg); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("telephony.settings: %w", err), errorsx.ReasonConfigInvalid)
	}

	if err := configutil.ValidateSettings(cfg.Speech.Settings, speechSchema); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("speech.settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	var sCfg SpeechSettings
	if err := configutil.DecodeSettings(cfg.Speech.Settings, &sCfg); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("speech.settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	if err := configutil.RequireString(sCfg.APIKey, "speech.settings.api_key"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	e := &Engine{
		log: log,
		rtCfg: realtime.Config{
			APIKey: sCfg.APIKey,
			URL:    sCfg.URL,
			Model:  sCfg.Model,
		},
		bridgeCfg: bridgeConfig(sCfg),
	}
	e.server = telephony.NewServer(tCfg, e.newHandler, logging.NewComponentLogger(log, "telephony"))
	return e, nil
}

// newHandler wires one new call: a fresh realtime client paired to the
// accepted media stream, with exactly one handler per upstream event kind.
func (e *Engine) newHandler(sess *telephony.Session) telephony.Handler {
	rt := realtime.NewClient(e.rtCfg, logging.NewComponentLogger(e.log, "realtime"))
	b := bridge.New(sess, rt, e.bridgeCfg, logging.NewComponentLogger(e.log, "bridge"))
	rt.OnReady = b.UpstreamReady
	rt.OnAudioDelta = b.UpstreamAudio
	rt.OnSpeechStarted = b.UpstreamSpeechStarted
	rt.OnClose = b.UpstreamClosed
	rt.OnError = b.UpstreamError
	b.Start(context.Background())
	return b
}

func (e *Engine) Start(ctx context.Context) error {
	return e.server.Start(ctx)
}

// Drain implements runner.Drainer: stop accepting calls, close active ones.
func (e *Engine) Drain() error {
	return e.server.Drain()
}

func bridgeConfig(s SpeechSettings) bridge.Config {
	voice := s.Voice
	if voice == "" {
		voice = "alloy"
	}
	instructions := s.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	inFormat := s.InputAudioFormat
	if inFormat == "" {
		inFormat = "g711_ulaw"
	}
	outFormat := s.OutputAudioFormat
	if outFormat == "" {
		outFormat = "g711_ulaw"
	}
	return bridge.Config{
		Session: realtime.SessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      instructions,
			Voice:             voice,
			InputAudioFormat:  inFormat,
			OutputAudioFormat: outFormat,
			TurnDetection: &realtime.TurnDetection{
				Type:              "server_vad",
				Threshold:         configutil.FloatValue(s.VADThreshold, 0.5),
				PrefixPaddingMS:   configutil.IntValue(s.VADPrefixPaddingMS, 300),
				SilenceDurationMS: configutil.IntValue(s.VADSilenceDurationMS, 500),
			},
			Temperature:             configutil.FloatValue(s.Temperature, 0.8),
			MaxResponseOutputTokens: configutil.IntValue(s.MaxResponseOutputTokens, 0),
		},
		SessionUpdateDelay: time.Duration(configutil.IntValue(s.SessionUpdateDelayMS, 250)) * time.Millisecond,
		PendingAudioLimit:  configutil.IntValue(s.PendingAudioLimit, 0),
	}
}
