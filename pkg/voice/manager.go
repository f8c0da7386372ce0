// Package voice owns the client leg of a voice session: connecting,
// bounded reconnection, intentional disconnect, and the wiring between the
// stream, the turn arbiter, the tool dispatcher, and the audio scheduler.
package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/murmurapp/voicebridge/pkg/audio/schedule"
	"github.com/murmurapp/voicebridge/pkg/realtime"
	"github.com/murmurapp/voicebridge/pkg/voice/tools"
	"github.com/murmurapp/voicebridge/pkg/voice/turn"
)

// Compile-time checks that the realtime client satisfies [Conn] and that
// *Manager serves the arbiter and dispatcher.
var (
	_ Conn         = (*realtime.Client)(nil)
	_ turn.Actions = (*Manager)(nil)
	_ tools.Sender = (*Manager)(nil)
)

// Lifecycle defaults. All configurable; these match the shipped tuning.
const (
	DefaultDialTimeout    = 12 * time.Second
	DefaultMaxReconnects  = 3
	DefaultReconnectDelay = 2 * time.Second
	DefaultResetDelay     = time.Second
)

// ConnState is the manager's connection state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
)

// String implements [fmt.Stringer] for log output.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is the duplex stream the manager owns. *realtime.Client satisfies it;
// tests substitute a fake.
type Conn interface {
	SessionUpdate(ctx context.Context, cfg realtime.SessionConfig) error
	AppendAudio(ctx context.Context, pcm []byte) error
	CommitInput(ctx context.Context) error
	ClearInput(ctx context.Context) error
	CreateResponse(ctx context.Context) error
	CancelResponse(ctx context.Context) error
	SendFunctionCallOutput(ctx context.Context, callID, output string) error
	CreateUserImageItem(ctx context.Context, imageURL string) error

	OnSpeechStarted(func(realtime.SpeechStarted))
	OnSpeechStopped(func(realtime.SpeechStopped))
	OnTranscriptionCompleted(func(realtime.TranscriptionCompleted))
	OnAudioDelta(func(realtime.AudioDelta))
	OnResponseCreated(func(realtime.ResponseCreated))
	OnResponseDone(func(realtime.ResponseDone))
	OnOutputItemDone(func(realtime.OutputItemDone))
	OnServerError(func(realtime.ServerError))
	OnClose(func(realtime.CloseInfo))

	Close() error
}

// TokenSource mints the short-lived bearer credential for the relay leg.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// DialFunc opens the duplex stream. The default wraps [realtime.Dial].
type DialFunc func(ctx context.Context, cfg realtime.Config) (Conn, error)

func defaultDial(ctx context.Context, cfg realtime.Config) (Conn, error) {
	return realtime.Dial(ctx, cfg)
}

// Config configures a [Manager].
type Config struct {
	// URL is the relay's WebSocket endpoint.
	URL string

	// Session is the session configuration sent after every (re)connect.
	// Its Instructions field is replayed on reconnect.
	Session realtime.SessionConfig

	// DialTimeout bounds connection establishment. Default 12s.
	DialTimeout time.Duration

	// MaxReconnects bounds automatic reconnection after unexpected
	// closes. Default 3.
	MaxReconnects int

	// ReconnectDelay is the fixed wait before each reconnect attempt.
	// Default 2s.
	ReconnectDelay time.Duration

	// ResetDelay is how long after an intentional disconnect the reconnect
	// counter is restored to zero, unblocking a later manual reconnect.
	// Default 1s.
	ResetDelay time.Duration
}

func (c *Config) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = DefaultResetDelay
	}
}

// Option configures a [Manager] during construction.
type Option func(*managerInit)

// managerInit collects construction-time settings applied before the
// arbiter and dispatcher are built.
type managerInit struct {
	m             *Manager
	arbiterOpts   []turn.Option
	dispatchOpts  []tools.Option
	withScheduler *schedule.Scheduler
}

// WithDialFunc substitutes the stream dialer. Tests use a fake.
func WithDialFunc(dial DialFunc) Option {
	return func(in *managerInit) {
		if dial != nil {
			in.m.dial = dial
		}
	}
}

// WithClock injects the timer source for reconnect and reset delays.
func WithClock(c turn.Clock) Option {
	return func(in *managerInit) {
		if c != nil {
			in.m.clock = c
		}
	}
}

// WithOnError registers the single user-visible error callback. Fatal
// upstream errors and reconnect exhaustion land here; transient noise does
// not.
func WithOnError(fn func(error)) Option {
	return func(in *managerInit) { in.m.onError = fn }
}

// WithOnAudio registers a callback receiving decoded response PCM after it
// has been scheduled. Used by UIs that render a waveform.
func WithOnAudio(fn func(pcm []byte)) Option {
	return func(in *managerInit) { in.m.onAudio = fn }
}

// WithScheduler attaches an audio scheduler rendering response audio.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(in *managerInit) { in.withScheduler = s }
}

// WithArbiterOptions forwards options to the embedded turn arbiter.
func WithArbiterOptions(opts ...turn.Option) Option {
	return func(in *managerInit) { in.arbiterOpts = append(in.arbiterOpts, opts...) }
}

// WithDispatcherOptions forwards options to the embedded tool dispatcher.
func WithDispatcherOptions(opts ...tools.Option) Option {
	return func(in *managerInit) { in.dispatchOpts = append(in.dispatchOpts, opts...) }
}

// Manager owns at most one live connection at a time. A second concurrent
// connect attempt is rejected with [ErrBusy]; the guard is the manager's own
// state, checked before every dial.
type Manager struct {
	cfg       Config
	tokens    TokenSource
	dial      DialFunc
	clock     turn.Clock
	arbiter   *turn.Arbiter
	dispatch  *tools.Dispatcher
	scheduler *schedule.Scheduler

	onError func(error)
	onAudio func(pcm []byte)

	mu           sync.Mutex
	state        ConnState
	conn         Conn
	active       bool // session is supposed to be up
	attempts     int  // consecutive unexpected-close reconnects
	terminalSent bool
	instructions string // last-used system prompt, replayed on reconnect
	reconnTimer  turn.Timer
	resetTimer   turn.Timer
}

// NewManager creates a Manager, building its turn arbiter and tool
// dispatcher around itself: the manager is the arbiter's cancel/clear
// surface and the dispatcher's result sender.
func NewManager(cfg Config, tokens TokenSource, collab tools.Collaborators, opts ...Option) *Manager {
	cfg.fillDefaults()
	m := &Manager{
		cfg:          cfg,
		tokens:       tokens,
		dial:         defaultDial,
		clock:        realClock{},
		instructions: cfg.Session.Instructions,
	}

	in := &managerInit{m: m}
	for _, opt := range opts {
		opt(in)
	}

	m.scheduler = in.withScheduler
	m.arbiter = turn.NewArbiter(m, in.arbiterOpts...)
	m.dispatch = tools.NewDispatcher(m, m.arbiter, collab, in.dispatchOpts...)
	return m
}

// realClock mirrors the turn package's production clock.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) turn.Timer {
	return time.AfterFunc(d, f)
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Arbiter exposes the embedded turn arbiter.
func (m *Manager) Arbiter() *turn.Arbiter { return m.arbiter }

// Dispatcher exposes the embedded tool dispatcher.
func (m *Manager) Dispatcher() *tools.Dispatcher { return m.dispatch }

// Connect opens the voice session. It refuses to run concurrently with
// another attempt or an open connection, fetches a token before touching the
// network, and applies the configured dial timeout.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateConnecting
	m.active = true
	m.terminalSent = false
	m.mu.Unlock()

	if err := m.open(ctx); err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.active = false
		m.mu.Unlock()
		return err
	}
	return nil
}

// open performs one dial + session setup. Callers manage the state guard.
func (m *Manager) open(ctx context.Context) error {
	if m.tokens == nil {
		return ErrNoToken
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("voice: fetch token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}

	conn, err := m.dial(ctx, realtime.Config{
		URL:         m.cfg.URL,
		Token:       token,
		DialTimeout: m.cfg.DialTimeout,
	})
	if err != nil {
		m.mu.Lock()
		stillActive := m.active
		m.mu.Unlock()
		if !stillActive {
			// Disconnected while dialing; the failure is moot.
			return nil
		}
		return fmt.Errorf("voice: connect: %w", err)
	}

	m.wire(conn)

	session := m.cfg.Session
	m.mu.Lock()
	session.Instructions = m.instructions
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	if err := conn.SessionUpdate(ctx, session); err != nil {
		slog.Warn("voice: initial session.update", "err", err)
	}

	m.arbiter.Start()
	slog.Info("voice: connected", "url", m.cfg.URL)
	return nil
}

// wire registers the stream callbacks routing events into the arbiter,
// dispatcher, and scheduler. Callbacks run on the read loop, so anything
// blocking (tool calls) moves to its own goroutine.
func (m *Manager) wire(conn Conn) {
	conn.OnSpeechStarted(func(realtime.SpeechStarted) {
		m.arbiter.SpeechStarted()
	})
	conn.OnSpeechStopped(func(realtime.SpeechStopped) {
		m.arbiter.SpeechStopped()
	})
	conn.OnTranscriptionCompleted(func(e realtime.TranscriptionCompleted) {
		m.arbiter.TranscriptionCompleted(e.Transcript)
	})
	conn.OnResponseCreated(func(realtime.ResponseCreated) {
		m.arbiter.ResponseStarted(context.Background())
	})
	conn.OnResponseDone(func(e realtime.ResponseDone) {
		completed := e.Response.Status == realtime.StatusCompleted
		m.arbiter.ResponseDone(context.Background(), completed)
		if m.scheduler != nil && m.scheduler.Drained() {
			m.arbiter.PlaybackFinished()
		}
	})
	conn.OnAudioDelta(func(e realtime.AudioDelta) {
		m.handleAudio(e)
	})
	conn.OnOutputItemDone(func(e realtime.OutputItemDone) {
		if e.Item.Type != "function_call" {
			return
		}
		call := realtime.FunctionCall{
			Name:      e.Item.Name,
			CallID:    e.Item.CallID,
			Arguments: e.Item.Arguments,
		}
		go func() {
			if err := m.dispatch.Dispatch(context.Background(), call); err != nil {
				slog.Warn("voice: tool dispatch", "name", call.Name, "err", err)
			}
		}()
	})
	conn.OnServerError(func(e realtime.ServerError) {
		if IsTransientUpstream(e.Error) {
			slog.Debug("voice: transient upstream error", "code", e.Error.Code, "message", e.Error.Message)
			return
		}
		slog.Error("voice: fatal upstream error", "code", e.Error.Code, "message", e.Error.Message)
		m.emitError(fmt.Errorf("voice: upstream error %s: %s", e.Error.Code, e.Error.Message))
	})
	conn.OnClose(func(info realtime.CloseInfo) {
		m.handleClose(info)
	})
}

func (m *Manager) handleAudio(e realtime.AudioDelta) {
	pcm, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		slog.Debug("voice: dropping undecodable audio delta", "err", err)
		return
	}
	if m.scheduler != nil {
		if _, err := m.scheduler.Schedule(pcm); err != nil {
			slog.Debug("voice: dropping audio chunk", "err", err)
			return
		}
		m.arbiter.NotePlayback()
	}
	if m.onAudio != nil {
		m.onAudio(pcm)
	}
}

// handleClose runs once per connection when the stream terminates. An
// unexpected close under the retry budget schedules a reconnect with the
// last instructions; exhaustion emits one terminal error. The budget does
// not reset in the exhaustion path; only an intentional disconnect or a
// successful open clears it.
func (m *Manager) handleClose(info realtime.CloseInfo) {
	m.mu.Lock()
	m.conn = nil
	m.state = StateIdle
	m.clearSessionStateLocked()

	if !m.active {
		m.mu.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnects {
		m.active = false
		alreadySent := m.terminalSent
		m.terminalSent = true
		m.mu.Unlock()
		if !alreadySent {
			m.emitError(fmt.Errorf("%w after %d attempts (close code %d, reason %q)",
				ErrReconnectExhausted, m.cfg.MaxReconnects, info.Code, info.Reason))
		}
		return
	}

	m.attempts++
	attempt := m.attempts
	m.state = StateConnecting
	m.reconnTimer = m.clock.AfterFunc(m.cfg.ReconnectDelay, m.reconnect)
	m.mu.Unlock()

	slog.Warn("voice: connection lost, reconnecting",
		"attempt", attempt, "max", m.cfg.MaxReconnects, "code", info.Code, "reason", info.Reason)
}

// reconnect fires after the reconnect delay.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.open(context.Background()); err != nil {
		// Feed the failure back through the close path so the attempt
		// budget keeps counting.
		slog.Warn("voice: reconnect attempt failed", "err", err)
		m.handleClose(realtime.CloseInfo{Code: -1, Reason: "reconnect dial failed"})
	}
}

// Disconnect intentionally tears the session down. The reconnect counter is
// pinned to its maximum first so the closing socket's close handler cannot
// trigger a reconnect, then restored to zero on a short delay so a later
// manual reconnect is not blocked.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.active = false
	m.attempts = m.cfg.MaxReconnects
	if m.reconnTimer != nil {
		m.reconnTimer.Stop()
		m.reconnTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateIdle
	m.clearSessionStateLocked()
	m.resetTimer = m.clock.AfterFunc(m.cfg.ResetDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.active {
			m.attempts = 0
		}
	})
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	slog.Info("voice: disconnected")
}

// clearSessionStateLocked resets per-session state across the arbiter,
// dispatcher, and scheduler. Must be called with m.mu held.
func (m *Manager) clearSessionStateLocked() {
	m.arbiter.Reset()
	m.dispatch.Clear()
	if m.scheduler != nil {
		m.scheduler.Reset()
	}
}

// SetInstructions updates the system prompt and pushes it to the live
// session. The value is retained for reconnect replay.
func (m *Manager) SetInstructions(ctx context.Context, instructions string) error {
	m.mu.Lock()
	m.instructions = instructions
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	session := m.cfg.Session
	session.Instructions = instructions
	return conn.SessionUpdate(ctx, session)
}

// SendAudio forwards one chunk of microphone PCM.
func (m *Manager) SendAudio(ctx context.Context, pcm []byte) error {
	conn := m.liveConn()
	if conn == nil {
		return realtime.ErrClosed
	}
	return conn.AppendAudio(ctx, pcm)
}

// CommitAndRespond explicitly commits buffered input and requests a
// response. The arbiter is told first so the resulting response start is
// not mistaken for a phantom.
func (m *Manager) CommitAndRespond(ctx context.Context) error {
	conn := m.liveConn()
	if conn == nil {
		return realtime.ErrClosed
	}
	m.arbiter.NoteManualCommit()
	if err := conn.CommitInput(ctx); err != nil {
		return err
	}
	return conn.CreateResponse(ctx)
}

// SendImage attaches an image to the conversation as user content.
func (m *Manager) SendImage(ctx context.Context, imageURL string) error {
	conn := m.liveConn()
	if conn == nil {
		return realtime.ErrClosed
	}
	return conn.CreateUserImageItem(ctx, imageURL)
}

// PlaybackFinished is called by the audio consumer once scheduled playback
// drains, releasing the speaking state.
func (m *Manager) PlaybackFinished() {
	m.arbiter.PlaybackFinished()
}

// CancelResponse implements [turn.Actions]. Audio already queued for the
// cancelled response is abandoned, so the playback cursor is dropped too;
// otherwise the next response would be scheduled after silence the length
// of the unplayed tail.
func (m *Manager) CancelResponse(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Reset()
	}
	conn := m.liveConn()
	if conn == nil {
		return nil
	}
	return conn.CancelResponse(ctx)
}

// ClearInput implements [turn.Actions].
func (m *Manager) ClearInput(ctx context.Context) error {
	conn := m.liveConn()
	if conn == nil {
		return nil
	}
	return conn.ClearInput(ctx)
}

// SendFunctionCallOutput implements [tools.Sender].
func (m *Manager) SendFunctionCallOutput(ctx context.Context, callID, output string) error {
	conn := m.liveConn()
	if conn == nil {
		return realtime.ErrClosed
	}
	return conn.SendFunctionCallOutput(ctx, callID, output)
}

// CreateResponse implements [tools.Sender].
func (m *Manager) CreateResponse(ctx context.Context) error {
	conn := m.liveConn()
	if conn == nil {
		return realtime.ErrClosed
	}
	return conn.CreateResponse(ctx)
}

func (m *Manager) liveConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) emitError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
