// Package relay implements the per-connection duplex bridge between a voice
// client and the upstream speech-model service, plus the token issuer that
// authenticates the client leg.
//
// The relay is stateless across connections: every accepted client gets its
// own upstream connection, its own injected session configuration, and no
// shared mutable state. Frames are forwarded byte for byte in both
// directions; the single exception is the one-shot session.update the relay
// synthesizes after the upstream's session.created.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/murmurapp/voicebridge/internal/observe"
	"github.com/murmurapp/voicebridge/pkg/realtime"
)

// DefaultUpstreamDialTimeout bounds the upstream connection attempt.
const DefaultUpstreamDialTimeout = 12 * time.Second

// TokenVerifier authenticates the client leg's bearer subprotocol token.
// *TokenIssuer satisfies it.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Config configures a [Relay].
type Config struct {
	// UpstreamURL is the speech-model service's WebSocket endpoint.
	UpstreamURL string

	// APIKey is the server-held upstream credential. When empty, every
	// client connection is refused with a diagnostic close.
	APIKey string

	// Session is the configuration injected after session.created.
	Session realtime.SessionConfig

	// Verifier authenticates client tokens. Required.
	Verifier TokenVerifier

	// DialTimeout bounds the upstream dial. Default 12s.
	DialTimeout time.Duration

	// Metrics receives relay instrumentation. Nil disables it.
	Metrics *observe.Metrics
}

// Relay accepts client WebSocket connections and bridges each to its own
// upstream connection.
type Relay struct {
	cfg Config
}

// New creates a Relay. The session config is validated once here rather
// than per connection.
func New(cfg Config) (*Relay, error) {
	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("relay: upstream URL is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("relay: token verifier is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultUpstreamDialTimeout
	}
	if err := realtime.ValidateSessionConfig(cfg.Session); err != nil {
		return nil, fmt.Errorf("relay: session config: %w", err)
	}
	return &Relay{cfg: cfg}, nil
}

// ServeHTTP upgrades GET /v1/voice requests and runs the bridge until
// either leg terminates.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	token, ok := bearerSubprotocol(r)
	if !ok {
		http.Error(w, "missing bearer subprotocol", http.StatusUnauthorized)
		return
	}
	userID, err := rl.cfg.Verifier.Verify(token)
	if err != nil {
		log.Warn("relay: rejected client token", "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	log = log.With("user_id", userID)

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{realtime.Subprotocol},
	})
	if err != nil {
		log.Warn("relay: websocket accept failed", "err", err)
		return
	}

	if rl.cfg.APIKey == "" {
		log.Error("relay: refusing connection, upstream credential missing")
		_ = client.Close(websocket.StatusInternalError, "upstream credential not configured")
		return
	}

	upstream, err := rl.dialUpstream(ctx)
	if err != nil {
		log.Error("relay: upstream dial failed", "err", err)
		_ = client.Close(websocket.StatusTryAgainLater, "upstream unavailable")
		return
	}

	if m := rl.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
		start := time.Now()
		defer func() {
			m.ActiveSessions.Add(ctx, -1)
			m.SessionDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	log.Info("relay: session established")
	rl.bridge(ctx, client, upstream, log)
	log.Info("relay: session closed")
}

// dialUpstream opens the upstream leg, authenticated with the server-held
// API key.
func (rl *Relay) dialUpstream(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rl.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+rl.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, rl.cfg.UpstreamURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if m := rl.cfg.Metrics; m != nil {
		m.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			m.UpstreamDialFailures.Add(ctx, 1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rl.cfg.UpstreamURL, err)
	}
	return conn, nil
}

// bridge pumps frames in both directions until either leg fails, then
// closes the other leg with an equivalent status.
func (rl *Relay) bridge(ctx context.Context, client, upstream *websocket.Conn, log *slog.Logger) {
	// Oversized frames would otherwise trip the default read limit once
	// audio starts flowing.
	client.SetReadLimit(1 << 22)
	upstream.SetReadLimit(1 << 22)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := rl.pumpClientToUpstream(gctx, client, upstream)
		closeAs(upstream, err)
		return err
	})
	g.Go(func() error {
		err := rl.pumpUpstreamToClient(gctx, upstream, client)
		closeAs(client, err)
		return err
	})

	if err := g.Wait(); err != nil {
		if code := websocket.CloseStatus(err); code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
			log.Debug("relay: leg closed", "code", int(code))
		} else {
			log.Warn("relay: leg terminated", "err", err)
		}
	}
}

// pumpClientToUpstream forwards client frames verbatim.
func (rl *Relay) pumpClientToUpstream(ctx context.Context, client, upstream *websocket.Conn) error {
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		if err := upstream.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("upstream write: %w", err)
		}
		if m := rl.cfg.Metrics; m != nil {
			m.RecordFrame(ctx, "client_to_upstream")
		}
	}
}

// pumpUpstreamToClient forwards upstream frames verbatim and performs the
// one-shot configuration injection when session.created is observed. The
// injection happens at most once per upstream session, even if the event is
// erroneously delivered twice.
func (rl *Relay) pumpUpstreamToClient(ctx context.Context, upstream, client *websocket.Conn) error {
	injected := false
	for {
		typ, data, err := upstream.Read(ctx)
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}
		if err := client.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("client write: %w", err)
		}
		if m := rl.cfg.Metrics; m != nil {
			m.RecordFrame(ctx, "upstream_to_client")
		}

		if !injected && typ == websocket.MessageText && isSessionCreated(data) {
			if err := rl.injectSession(ctx, upstream); err != nil {
				return fmt.Errorf("inject session config: %w", err)
			}
			injected = true
		}
	}
}

// injectSession sends the synthesized session.update upstream.
func (rl *Relay) injectSession(ctx context.Context, upstream *websocket.Conn) error {
	frame, err := json.Marshal(map[string]any{
		"type":    "session.update",
		"session": rl.cfg.Session,
	})
	if err != nil {
		return err
	}
	if err := upstream.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	if m := rl.cfg.Metrics; m != nil {
		m.ConfigInjections.Add(ctx, 1)
	}
	return nil
}

// isSessionCreated parses just the frame's type field.
func isSessionCreated(data []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Type == realtime.TypeSessionCreated
}

// closeAs closes conn mirroring the status carried by err. Frame-less
// failures become an internal-error close.
func closeAs(conn *websocket.Conn, err error) {
	code := websocket.CloseStatus(err)
	if code < 0 {
		_ = conn.Close(websocket.StatusInternalError, "peer connection lost")
		return
	}
	_ = conn.Close(code, "peer closed")
}

// bearerSubprotocol extracts the token carried as a "bearer.<jwt>"
// WebSocket subprotocol on the handshake request.
func bearerSubprotocol(r *http.Request) (string, bool) {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if token, ok := strings.CutPrefix(proto, realtime.BearerSubprotocolPrefix); ok && token != "" {
				return token, true
			}
		}
	}
	return "", false
}
