package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"image":      {"openai"},
	"search":     {"serper"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft misconfiguration
// is logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; the relay will refuse every connection until one is provided")
	}
	if cfg.Upstream.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.dial_timeout %v must be non-negative", cfg.Upstream.DialTimeout.Std()))
	}

	if cfg.Auth.SigningKey == "" {
		errs = append(errs, errors.New("auth.signing_key is required"))
	}
	if cfg.Auth.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl %v must be non-negative", cfg.Auth.TokenTTL.Std()))
	}

	td := cfg.Session.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMS < 0 {
		errs = append(errs, fmt.Errorf("session.turn_detection.prefix_padding_ms %d must be non-negative", td.PrefixPaddingMS))
	}
	if td.SilenceDurationMS < 0 {
		errs = append(errs, fmt.Errorf("session.turn_detection.silence_duration_ms %d must be non-negative", td.SilenceDurationMS))
	}

	if cfg.Arbiter.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("arbiter.grace_window %v must be non-negative", cfg.Arbiter.GraceWindow.Std()))
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must be non-negative", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Tools.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("tools.stale_after %v must be non-negative", cfg.Tools.StaleAfter.Std()))
	}

	validateProviderName("image", cfg.Providers.Image.Name)
	validateProviderName("search", cfg.Providers.Search.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Image.Name == "" {
		slog.Warn("providers.image is not configured; generate_image will report unavailability")
	}
	if cfg.Providers.Search.Name == "" {
		slog.Warn("providers.search is not configured; web_search will report unavailability")
	}
	if cfg.Providers.History.PostgresDSN == "" {
		slog.Warn("providers.history.postgres_dsn is empty; search_past_chats will report unavailability")
	}
	if cfg.Providers.History.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("providers.history.embedding_dimensions %d must be non-negative", cfg.Providers.History.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
