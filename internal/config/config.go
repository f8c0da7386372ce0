// Package config provides the configuration schema and loader for the
// voicebridge relay and its client harness.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/murmurapp/voicebridge/pkg/realtime"
	"github.com/murmurapp/voicebridge/pkg/voice"
	"github.com/murmurapp/voicebridge/pkg/voice/tools"
	"github.com/murmurapp/voicebridge/pkg/voice/turn"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] with YAML support for values like "2s" or
// "500ms".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Tools     ToolsConfig     `yaml:"tools"`
	Client    ClientConfig    `yaml:"client"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the relay binary.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain
	// HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig describes the speech-model service behind the relay.
type UpstreamConfig struct {
	// URL is the upstream realtime WebSocket endpoint, including the model
	// query parameter where the provider requires one.
	URL string `yaml:"url"`

	// APIKey is the server-held credential for the upstream leg. It is
	// never exposed to clients.
	APIKey string `yaml:"api_key"`

	// DialTimeout bounds upstream connection establishment.
	DialTimeout Duration `yaml:"dial_timeout"`
}

// AuthConfig configures the short-lived client token issuer.
type AuthConfig struct {
	// SigningKey is the HMAC secret for client tokens.
	SigningKey string `yaml:"signing_key"`

	// TokenTTL is how long minted tokens stay valid. Default 60s.
	TokenTTL Duration `yaml:"token_ttl"`

	// Issuer is the iss claim on minted tokens. Default "voicebridge".
	Issuer string `yaml:"issuer"`
}

// SessionConfig holds the session defaults injected after session.created.
type SessionConfig struct {
	Voice              string   `yaml:"voice"`
	Instructions       string   `yaml:"instructions"`
	InputAudioFormat   string   `yaml:"input_audio_format"`
	OutputAudioFormat  string   `yaml:"output_audio_format"`
	TranscriptionModel string   `yaml:"transcription_model"`
	Modalities         []string `yaml:"modalities"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig tunes the upstream voice-activity detector. Zero
// values fall back to the shipped defaults.
type TurnDetectionConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
}

// ArbiterConfig tunes the client-side phantom-response guard.
type ArbiterConfig struct {
	// GraceWindow is how long to wait for transcript confirmation before
	// cancelling an unconfirmed response. Default 2s.
	GraceWindow Duration `yaml:"grace_window"`
}

// ReconnectConfig bounds automatic reconnection on the client leg.
type ReconnectConfig struct {
	// MaxAttempts is the consecutive reconnect budget. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Delay is the fixed wait before each reconnect attempt. Default 2s.
	Delay Duration `yaml:"delay"`
}

// ToolsConfig tunes the tool call dispatcher.
type ToolsConfig struct {
	// StaleAfter is the in-flight staleness window. Default 60s.
	StaleAfter Duration `yaml:"stale_after"`
}

// ClientConfig configures the session client harness.
type ClientConfig struct {
	// RelayURL is the relay's WebSocket endpoint.
	RelayURL string `yaml:"relay_url"`

	// TokenURL is the relay's token-mint endpoint.
	TokenURL string `yaml:"token_url"`

	// UserID identifies the user the harness connects as.
	UserID string `yaml:"user_id"`
}

// ProvidersConfig declares the external collaborators behind the tool
// surface.
type ProvidersConfig struct {
	Image      ProviderEntry `yaml:"image"`
	Search     ProviderEntry `yaml:"search"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	History    HistoryConfig `yaml:"history"`
}

// ProviderEntry is the common configuration block shared by provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "serper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty
	// to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// HistoryConfig configures the past-conversation store.
type HistoryConfig struct {
	// PostgresDSN is the connection string for the history database. Empty
	// disables past-chat search.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the pgvector column width used when no
	// embeddings provider is configured. Default 1536. With an embeddings
	// provider the model's own dimensionality is used instead.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// RealtimeSession assembles the [realtime.SessionConfig] the relay injects,
// applying shipped defaults for unset fields.
func (c *Config) RealtimeSession() realtime.SessionConfig {
	s := c.Session

	td := realtime.DefaultTurnDetection()
	if s.TurnDetection.Threshold > 0 {
		td.Threshold = s.TurnDetection.Threshold
	}
	if s.TurnDetection.PrefixPaddingMS > 0 {
		td.PrefixPaddingMS = s.TurnDetection.PrefixPaddingMS
	}
	if s.TurnDetection.SilenceDurationMS > 0 {
		td.SilenceDurationMS = s.TurnDetection.SilenceDurationMS
	}

	modalities := s.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	inFormat := s.InputAudioFormat
	if inFormat == "" {
		inFormat = "pcm16"
	}
	outFormat := s.OutputAudioFormat
	if outFormat == "" {
		outFormat = "pcm16"
	}
	model := s.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}

	return realtime.SessionConfig{
		Modalities:              modalities,
		Voice:                   s.Voice,
		Instructions:            s.Instructions,
		InputAudioFormat:        inFormat,
		OutputAudioFormat:       outFormat,
		InputAudioTranscription: &realtime.InputTranscription{Model: model},
		TurnDetection:           td,
		Tools:                   tools.Definitions(),
	}
}

// VoiceManagerConfig assembles the lifecycle manager configuration for the
// client harness.
func (c *Config) VoiceManagerConfig() voice.Config {
	return voice.Config{
		URL:            c.Client.RelayURL,
		Session:        c.RealtimeSession(),
		DialTimeout:    c.Upstream.DialTimeout.Std(),
		MaxReconnects:  c.Reconnect.MaxAttempts,
		ReconnectDelay: c.Reconnect.Delay.Std(),
	}
}

// ArbiterOptions returns the turn-arbiter options derived from config.
func (c *Config) ArbiterOptions() []turn.Option {
	var opts []turn.Option
	if c.Arbiter.GraceWindow > 0 {
		opts = append(opts, turn.WithGraceWindow(c.Arbiter.GraceWindow.Std()))
	}
	return opts
}

// ToolOptions returns the dispatcher options derived from config.
func (c *Config) ToolOptions() []tools.Option {
	var opts []tools.Option
	if c.Tools.StaleAfter > 0 {
		opts = append(opts, tools.WithStaleAfter(c.Tools.StaleAfter.Std()))
	}
	return opts
}
