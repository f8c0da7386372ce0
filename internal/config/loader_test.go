package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
upstream:
  url: "wss://upstream.example/v1/realtime?model=gpt-realtime"
  api_key: "sk-test"
  dial_timeout: 12s
auth:
  signing_key: "super-secret"
  token_ttl: 60s
session:
  voice: cedar
  instructions: "You are a helpful voice assistant."
  turn_detection:
    threshold: 0.85
    prefix_padding_ms: 300
    silence_duration_ms: 500
arbiter:
  grace_window: 2s
reconnect:
  max_attempts: 3
  delay: 2s
tools:
  stale_after: 60s
providers:
  image:
    name: openai
    api_key: "sk-img"
  search:
    name: serper
    api_key: "serper-key"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Upstream.DialTimeout.Std() != 12*time.Second {
		t.Errorf("dial_timeout = %v, want 12s", cfg.Upstream.DialTimeout.Std())
	}
	if cfg.Arbiter.GraceWindow.Std() != 2*time.Second {
		t.Errorf("grace_window = %v, want 2s", cfg.Arbiter.GraceWindow.Std())
	}
	if cfg.Session.TurnDetection.Threshold != 0.85 {
		t.Errorf("threshold = %v, want 0.85", cfg.Session.TurnDetection.Threshold)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := validYAML + "\nbogus_section:\n  key: value\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown top-level field was accepted")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	yaml := strings.Replace(validYAML, "dial_timeout: 12s", "dial_timeout: soon", 1)
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("invalid duration was accepted")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Session.TurnDetection.Threshold = 1.5
	cfg.Reconnect.MaxAttempts = -1
	cfg.Providers.History.EmbeddingDimensions = -8

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}

	msg := err.Error()
	for _, want := range []string{
		"server.log_level",
		"upstream.url is required",
		"auth.signing_key is required",
		"turn_detection.threshold",
		"reconnect.max_attempts",
		"embedding_dimensions",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}

	if err := Validate(cfg); err == nil {
		t.Fatal("TLS config without key_file was accepted")
	}
}

func TestRealtimeSession_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Session.InputAudioFormat = ""
	cfg.Session.Modalities = nil

	s := cfg.RealtimeSession()
	if s.InputAudioFormat != "pcm16" {
		t.Errorf("input format = %q, want pcm16", s.InputAudioFormat)
	}
	if len(s.Modalities) != 2 {
		t.Errorf("modalities = %v, want [text audio]", s.Modalities)
	}
	if s.TurnDetection == nil || s.TurnDetection.Threshold != 0.85 {
		t.Errorf("turn detection = %+v", s.TurnDetection)
	}
	if len(s.Tools) != 4 {
		t.Errorf("tool definitions = %d, want 4", len(s.Tools))
	}
	if s.Voice != "cedar" {
		t.Errorf("voice = %q, want cedar", s.Voice)
	}
}

func TestRealtimeSession_OverridesTuning(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Session.TurnDetection.Threshold = 0.5
	cfg.Session.TurnDetection.SilenceDurationMS = 900

	s := cfg.RealtimeSession()
	if s.TurnDetection.Threshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", s.TurnDetection.Threshold)
	}
	if s.TurnDetection.SilenceDurationMS != 900 {
		t.Errorf("silence = %d, want 900", s.TurnDetection.SilenceDurationMS)
	}
	// Unset fields keep their defaults.
	if s.TurnDetection.PrefixPaddingMS != 300 {
		t.Errorf("padding = %d, want 300", s.TurnDetection.PrefixPaddingMS)
	}
}
