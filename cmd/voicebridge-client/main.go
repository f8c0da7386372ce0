// Command voicebridge-client is a headless session harness: it mints a
// token, connects to the relay, and runs a full voice session with the turn
// arbiter, tool dispatcher, and audio scheduler wired in. Useful for
// exercising the relay end to end without the mobile app.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/murmurapp/voicebridge/internal/config"
	"github.com/murmurapp/voicebridge/internal/observe"
	"github.com/murmurapp/voicebridge/internal/resilience"
	"github.com/murmurapp/voicebridge/pkg/audio/schedule"
	embedopenai "github.com/murmurapp/voicebridge/pkg/provider/embeddings/openai"
	"github.com/murmurapp/voicebridge/pkg/provider/history"
	historypg "github.com/murmurapp/voicebridge/pkg/provider/history/postgres"
	imgopenai "github.com/murmurapp/voicebridge/pkg/provider/image/openai"
	"github.com/murmurapp/voicebridge/pkg/provider/search/serper"
	"github.com/murmurapp/voicebridge/pkg/voice"
	"github.com/murmurapp/voicebridge/pkg/voice/tools"
	"github.com/murmurapp/voicebridge/pkg/voice/turn"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge-client: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if cfg.Client.RelayURL == "" || cfg.Client.TokenURL == "" || cfg.Client.UserID == "" {
		fmt.Fprintln(os.Stderr, "voicebridge-client: client.relay_url, client.token_url and client.user_id are required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collab, cleanup, err := buildCollaborators(ctx, cfg)
	if err != nil {
		slog.Error("failed to build tool collaborators", "err", err)
		return 1
	}
	defer cleanup()

	tokens := &httpTokenSource{
		url:    cfg.Client.TokenURL,
		userID: cfg.Client.UserID,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	scheduler := schedule.New(newWallClock(), discardSink{})

	metrics := observe.DefaultMetrics()
	arbiterOpts := append(cfg.ArbiterOptions(), turn.WithPhantomCancelHook(func() {
		metrics.PhantomCancels.Add(context.Background(), 1)
	}))

	mgrCfg := cfg.VoiceManagerConfig()
	manager := voice.NewManager(mgrCfg, tokens, collab,
		voice.WithScheduler(scheduler),
		voice.WithArbiterOptions(arbiterOpts...),
		voice.WithDispatcherOptions(cfg.ToolOptions()...),
		voice.WithOnError(func(err error) {
			slog.Error("session error", "err", err)
			stop()
		}),
	)

	if err := manager.Connect(ctx); err != nil {
		slog.Error("connect failed", "err", err)
		return 1
	}
	slog.Info("session connected", "relay", cfg.Client.RelayURL, "user", cfg.Client.UserID)

	<-ctx.Done()
	manager.Disconnect()
	slog.Info("session closed")
	return 0
}

// buildCollaborators instantiates the configured tool providers, each behind
// its own circuit breaker so a failing backend degrades into spoken error
// narration instead of hammering the service.
func buildCollaborators(ctx context.Context, cfg *config.Config) (tools.Collaborators, func(), error) {
	collab := tools.Collaborators{
		DismissImage: func() {
			slog.Info("image dismissed")
		},
		ShowImage: func(url string) {
			slog.Info("image displayed", "url", url)
		},
	}
	cleanup := func() {}

	if p := cfg.Providers.Image; p.Name == "openai" && p.APIKey != "" {
		var opts []imgopenai.Option
		if p.BaseURL != "" {
			opts = append(opts, imgopenai.WithBaseURL(p.BaseURL))
		}
		gen, err := imgopenai.New(p.APIKey, p.Model, opts...)
		if err != nil {
			return collab, cleanup, fmt.Errorf("create image provider: %w", err)
		}
		collab.Images = &guardedImages{
			inner: gen,
			cb:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "image"}),
		}
	}

	if p := cfg.Providers.Search; p.Name == "serper" && p.APIKey != "" {
		var opts []serper.Option
		if p.BaseURL != "" {
			opts = append(opts, serper.WithBaseURL(p.BaseURL))
		}
		searcher, err := serper.New(p.APIKey, opts...)
		if err != nil {
			return collab, cleanup, fmt.Errorf("create search provider: %w", err)
		}
		collab.Search = &guardedSearch{
			inner: searcher,
			cb:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "search"}),
		}
	}

	if dsn := cfg.Providers.History.PostgresDSN; dsn != "" {
		var embedder *embedopenai.Provider
		if p := cfg.Providers.Embeddings; p.Name == "openai" && p.APIKey != "" {
			var opts []embedopenai.Option
			if p.BaseURL != "" {
				opts = append(opts, embedopenai.WithBaseURL(p.BaseURL))
			}
			var err error
			embedder, err = embedopenai.New(p.APIKey, p.Model, opts...)
			if err != nil {
				return collab, cleanup, fmt.Errorf("create embeddings provider: %w", err)
			}
		}

		var storeOpts []historypg.Option
		if dims := cfg.Providers.History.EmbeddingDimensions; dims > 0 {
			storeOpts = append(storeOpts, historypg.WithDimensions(dims))
		}

		var store *historypg.Store
		var err error
		if embedder != nil {
			store, err = historypg.NewStore(ctx, dsn, embedder, storeOpts...)
		} else {
			store, err = historypg.NewStore(ctx, dsn, nil, storeOpts...)
		}
		if err != nil {
			return collab, cleanup, fmt.Errorf("create history store: %w", err)
		}
		cleanup = store.Close

		collab.History = &guardedHistory{
			inner: history.NewSearcher(store, cfg.Client.UserID, 0),
			cb:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "history"}),
		}
	}

	return collab, cleanup, nil
}

// ── Circuit-breaker wrappers ─────────────────────────────────────────────────

type guardedImages struct {
	inner tools.ImageGenerator
	cb    *resilience.CircuitBreaker
}

func (g *guardedImages) Generate(ctx context.Context, prompt, aspectRatio string) (string, error) {
	var url string
	err := g.cb.Execute(func() error {
		var err error
		url, err = g.inner.Generate(ctx, prompt, aspectRatio)
		return err
	})
	return url, err
}

type guardedSearch struct {
	inner tools.WebSearcher
	cb    *resilience.CircuitBreaker
}

func (g *guardedSearch) Search(ctx context.Context, query string) (string, error) {
	var result string
	err := g.cb.Execute(func() error {
		var err error
		result, err = g.inner.Search(ctx, query)
		return err
	})
	return result, err
}

type guardedHistory struct {
	inner tools.HistorySearcher
	cb    *resilience.CircuitBreaker
}

func (g *guardedHistory) SearchPastChats(ctx context.Context, query string) (string, error) {
	var result string
	err := g.cb.Execute(func() error {
		var err error
		result, err = g.inner.SearchPastChats(ctx, query)
		return err
	})
	return result, err
}

// ── Token source ─────────────────────────────────────────────────────────────

// httpTokenSource mints session tokens from the relay's token endpoint.
type httpTokenSource struct {
	url    string
	userID string
	client *http.Client
}

func (s *httpTokenSource) Token(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"user_id": s.userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("mint token: status %d: %s", resp.StatusCode, payload)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("mint token: decode response: %w", err)
	}
	if parsed.Token == "" {
		return "", errors.New("mint token: empty token in response")
	}
	return parsed.Token, nil
}

// ── Audio plumbing ───────────────────────────────────────────────────────────

// wallClock maps the playback clock onto wall time since process start.
type wallClock struct {
	start time.Time
}

func newWallClock() *wallClock {
	return &wallClock{start: time.Now()}
}

func (c *wallClock) Now() time.Duration { return time.Since(c.start) }

// discardSink drops scheduled audio. The harness has no speaker; scheduling
// still exercises cursor bookkeeping and drain detection.
type discardSink struct{}

func (discardSink) PlayAt(pcm []byte, at time.Duration) {
	slog.Debug("audio chunk scheduled", "bytes", len(pcm), "at", at)
}
