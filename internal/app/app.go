// Package app wires the voicebridge relay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murmurapp/voicebridge/internal/config"
	"github.com/murmurapp/voicebridge/internal/health"
	"github.com/murmurapp/voicebridge/internal/observe"
	"github.com/murmurapp/voicebridge/internal/relay"
)

// App owns all subsystem lifetimes for the relay server.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	issuer  *relay.TokenIssuer
	bridge  *relay.Relay
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics bundle and skips global OTel provider
// initialisation. Intended for tests, which need an isolated registry.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: telemetry, the token
// issuer, the relay, health endpoints, and the HTTP server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: "voicebridge",
		})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdownOtel)
		a.metrics = observe.DefaultMetrics()
	}

	a.issuer = relay.NewTokenIssuer(
		[]byte(cfg.Auth.SigningKey),
		cfg.Auth.TokenTTL.Std(),
		cfg.Auth.Issuer,
	)

	bridge, err := relay.New(relay.Config{
		UpstreamURL: cfg.Upstream.URL,
		APIKey:      cfg.Upstream.APIKey,
		Session:     cfg.RealtimeSession(),
		Verifier:    a.issuer,
		DialTimeout: cfg.Upstream.DialTimeout.Std(),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create relay: %w", err)
	}
	a.bridge = bridge

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// buildHandler assembles the route table. The WebSocket route is mounted
// outside the observability middleware: the middleware's response wrapper
// does not support hijacking, which the upgrade needs.
func (a *App) buildHandler() http.Handler {
	instrumented := http.NewServeMux()
	instrumented.Handle("POST /v1/voice/token", a.issuer.HandleMint(a.metrics))
	instrumented.Handle("GET /metrics", promhttp.Handler())

	checks := health.New(health.Checker{
		Name: "upstream_credential",
		Check: func(context.Context) error {
			if a.cfg.Upstream.APIKey == "" {
				return errors.New("upstream api key not configured")
			}
			return nil
		},
	})
	checks.Register(instrumented)

	root := http.NewServeMux()
	root.Handle("GET /v1/voice", a.bridge)
	root.Handle("/", observe.Middleware(a.metrics)(instrumented))
	return root
}

// Handler exposes the assembled route table, mainly for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run serves HTTP until ctx is cancelled, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP server and tears down all subsystems in order. It
// respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		for _, closer := range a.closers {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
