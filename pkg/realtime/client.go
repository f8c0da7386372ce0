package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Subprotocol is the primary WebSocket subprotocol spoken on the client leg.
const Subprotocol = "realtime"

// BearerSubprotocolPrefix carries the client credential during the WebSocket
// handshake, where browsers cannot set an Authorization header.
const BearerSubprotocolPrefix = "bearer."

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// ErrClosed is returned when sending on a client whose connection has
// terminated.
var ErrClosed = errors.New("realtime: connection is closed")

// Config configures [Dial].
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Token is the short-lived bearer credential for the relay leg. When
	// set, it is transmitted as a "bearer.<token>" subprotocol.
	Token string

	// HTTPHeader adds custom headers to the handshake request.
	HTTPHeader http.Header

	// DialTimeout bounds connection establishment. Zero means no timeout.
	DialTimeout time.Duration
}

// CloseInfo describes why the connection terminated.
type CloseInfo struct {
	// Code is the WebSocket close status code, or -1 when the connection
	// failed without a close frame.
	Code int

	// Reason is the close reason text, if any.
	Reason string
}

// Client is one leg of the duplex voice stream. It reads frames on a
// background goroutine and dispatches them to registered callbacks; writes
// are serialized through an internal mutex, so Client is safe for concurrent
// use.
type Client struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	readCancel context.CancelFunc
	closedCh   chan struct{}
	closeOnce  sync.Once

	handlerMu                sync.RWMutex
	onSessionCreated         func(SessionCreated)
	onSessionUpdated         func(SessionUpdated)
	onSpeechStarted          func(SpeechStarted)
	onSpeechStopped          func(SpeechStopped)
	onTranscriptionCompleted func(TranscriptionCompleted)
	onAudioDelta             func(AudioDelta)
	onAudioTranscriptDelta   func(AudioTranscriptDelta)
	onAudioTranscriptDone    func(AudioTranscriptDone)
	onResponseCreated        func(ResponseCreated)
	onResponseDone           func(ResponseDone)
	onOutputItemDone         func(OutputItemDone)
	onServerError            func(ServerError)
	onClose                  func(CloseInfo)
}

// Dial connects to the given endpoint and starts the read loop. The caller
// should register callbacks immediately after Dial returns; events arriving
// before registration are dropped.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: dial: URL is required")
	}

	opts := &websocket.DialOptions{
		HTTPHeader:   cfg.HTTPHeader,
		Subprotocols: []string{Subprotocol},
	}
	if cfg.Token != "" {
		opts.Subprotocols = append(opts.Subprotocols, BearerSubprotocolPrefix+cfg.Token)
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", cfg.URL, err)
	}

	c := &Client{conn: conn, closedCh: make(chan struct{})}

	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	go c.readLoop(readCtx, conn)

	return c, nil
}

// Close terminates the connection. Safe to call multiple times; the OnClose
// callback still fires once the read loop observes the closure.
func (c *Client) Close() error {
	if c.readCancel != nil {
		c.readCancel()
	}
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
		c.conn = nil
	}
	c.writeMu.Unlock()
	return nil
}

// Done is closed when the read loop has exited and no further events will
// be delivered.
func (c *Client) Done() <-chan struct{} { return c.closedCh }

// ── Callback registration ─────────────────────────────────────────────────────

// OnSessionCreated registers a callback for session.created events.
func (c *Client) OnSessionCreated(fn func(SessionCreated)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSessionCreated = fn
}

// OnSessionUpdated registers a callback for session.updated events.
func (c *Client) OnSessionUpdated(fn func(SessionUpdated)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSessionUpdated = fn
}

// OnSpeechStarted registers a callback for voice-activity start events.
func (c *Client) OnSpeechStarted(fn func(SpeechStarted)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSpeechStarted = fn
}

// OnSpeechStopped registers a callback for voice-activity end events.
func (c *Client) OnSpeechStopped(fn func(SpeechStopped)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSpeechStopped = fn
}

// OnTranscriptionCompleted registers a callback for completed user-audio
// transcriptions.
func (c *Client) OnTranscriptionCompleted(fn func(TranscriptionCompleted)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onTranscriptionCompleted = fn
}

// OnAudioDelta registers a callback for response audio chunks.
func (c *Client) OnAudioDelta(fn func(AudioDelta)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onAudioDelta = fn
}

// OnAudioTranscriptDelta registers a callback for incremental response
// transcripts.
func (c *Client) OnAudioTranscriptDelta(fn func(AudioTranscriptDelta)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onAudioTranscriptDelta = fn
}

// OnAudioTranscriptDone registers a callback for final response transcripts.
func (c *Client) OnAudioTranscriptDone(fn func(AudioTranscriptDone)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onAudioTranscriptDone = fn
}

// OnResponseCreated registers a callback for response start events.
func (c *Client) OnResponseCreated(fn func(ResponseCreated)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onResponseCreated = fn
}

// OnResponseDone registers a callback for response completion events.
func (c *Client) OnResponseDone(fn func(ResponseDone)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onResponseDone = fn
}

// OnOutputItemDone registers a callback for completed output items,
// including function calls.
func (c *Client) OnOutputItemDone(fn func(OutputItemDone)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onOutputItemDone = fn
}

// OnServerError registers a callback for upstream error events.
func (c *Client) OnServerError(fn func(ServerError)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onServerError = fn
}

// OnClose registers a callback invoked exactly once when the connection
// terminates, intentionally or not.
func (c *Client) OnClose(fn func(CloseInfo)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onClose = fn
}

// ── Outgoing operations ───────────────────────────────────────────────────────

// SessionUpdate sends a session.update frame after validating cfg.
func (c *Client) SessionUpdate(ctx context.Context, cfg SessionConfig) error {
	if err := ValidateSessionConfig(cfg); err != nil {
		return fmt.Errorf("realtime: session.update: %w", err)
	}
	return c.send(ctx, map[string]any{"type": "session.update", "session": cfg})
}

// AppendAudio sends one chunk of PCM16 input audio. Empty chunks are a
// no-op; odd-length chunks are rejected since PCM16 samples are two bytes.
func (c *Client) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return errors.New("realtime: input_audio_buffer.append: PCM16 data must have an even number of bytes")
	}
	return c.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitInput finalizes the input audio buffer for processing.
func (c *Client) CommitInput(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": "input_audio_buffer.commit"})
}

// ClearInput discards all buffered input audio.
func (c *Client) ClearInput(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the model to generate a response.
func (c *Client) CreateResponse(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": "response.create"})
}

// CancelResponse aborts the in-progress response. The upstream answers with
// a harmless error when nothing is active; callers swallow that.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": "response.cancel"})
}

// SendFunctionCallOutput returns a tool result to the model as a
// function_call_output conversation item.
func (c *Client) SendFunctionCallOutput(ctx context.Context, callID, output string) error {
	return c.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CreateUserImageItem attaches an image to the conversation as a user
// message with input_image content.
func (c *Client) CreateUserImageItem(ctx context.Context, imageURL string) error {
	return c.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_image", "image_url": imageURL},
			},
		},
	})
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (c *Client) send(ctx context.Context, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("realtime: write frame: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection fails or is closed, then fires
// OnClose exactly once. It holds its own reference to the connection: Close
// nils the shared field for senders, so the loop must never read it.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	var closeInfo CloseInfo
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			closeInfo = closeInfoFromError(err)
			break
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("realtime: dropping malformed frame", "err", err)
			continue
		}
		c.dispatch(env.Type, data)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "reader exit")
	c.writeMu.Lock()
	c.conn = nil
	c.writeMu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.handlerMu.RLock()
		fn := c.onClose
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(closeInfo)
		}
	})
}

// closeInfoFromError extracts the close status from a read error.
func closeInfoFromError(err error) CloseInfo {
	info := CloseInfo{Code: int(websocket.CloseStatus(err))}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		info.Reason = ce.Reason
	}
	return info
}

func (c *Client) dispatch(eventType string, raw []byte) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()

	switch eventType {
	case TypeSessionCreated:
		if c.onSessionCreated != nil {
			var e SessionCreated
			_ = json.Unmarshal(raw, &e)
			c.onSessionCreated(e)
		}
	case TypeSessionUpdated:
		if c.onSessionUpdated != nil {
			var e SessionUpdated
			_ = json.Unmarshal(raw, &e)
			c.onSessionUpdated(e)
		}
	case TypeSpeechStarted:
		if c.onSpeechStarted != nil {
			var e SpeechStarted
			_ = json.Unmarshal(raw, &e)
			c.onSpeechStarted(e)
		}
	case TypeSpeechStopped:
		if c.onSpeechStopped != nil {
			var e SpeechStopped
			_ = json.Unmarshal(raw, &e)
			c.onSpeechStopped(e)
		}
	case TypeTranscriptionCompleted:
		if c.onTranscriptionCompleted != nil {
			var e TranscriptionCompleted
			_ = json.Unmarshal(raw, &e)
			c.onTranscriptionCompleted(e)
		}
	case TypeAudioDelta:
		if c.onAudioDelta != nil {
			var e AudioDelta
			_ = json.Unmarshal(raw, &e)
			c.onAudioDelta(e)
		}
	case TypeAudioTranscriptDelta:
		if c.onAudioTranscriptDelta != nil {
			var e AudioTranscriptDelta
			_ = json.Unmarshal(raw, &e)
			c.onAudioTranscriptDelta(e)
		}
	case TypeAudioTranscriptDone:
		if c.onAudioTranscriptDone != nil {
			var e AudioTranscriptDone
			_ = json.Unmarshal(raw, &e)
			c.onAudioTranscriptDone(e)
		}
	case TypeResponseCreated:
		if c.onResponseCreated != nil {
			var e ResponseCreated
			_ = json.Unmarshal(raw, &e)
			c.onResponseCreated(e)
		}
	case TypeResponseDone:
		if c.onResponseDone != nil {
			var e ResponseDone
			_ = json.Unmarshal(raw, &e)
			c.onResponseDone(e)
		}
	case TypeOutputItemDone:
		if c.onOutputItemDone != nil {
			var e OutputItemDone
			_ = json.Unmarshal(raw, &e)
			c.onOutputItemDone(e)
		}
	case TypeError:
		if c.onServerError != nil {
			var e ServerError
			_ = json.Unmarshal(raw, &e)
			c.onServerError(e)
		}
	default:
		slog.Debug("realtime: unhandled event", "type", eventType)
	}
}
