package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/murmurapp/voicebridge/pkg/audio/schedule"
	"github.com/murmurapp/voicebridge/pkg/realtime"
	"github.com/murmurapp/voicebridge/pkg/voice/tools"
	"github.com/murmurapp/voicebridge/pkg/voice/turn"
)

// fakeClock is a manually advanced timer source.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Duration
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) turn.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.deadline <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// fakeConn records sends and exposes its registered close handler.
type fakeConn struct {
	mu       sync.Mutex
	sessions []realtime.SessionConfig
	commits  int
	creates  int
	closed   bool

	onClose func(realtime.CloseInfo)
}

func (f *fakeConn) SessionUpdate(_ context.Context, cfg realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, cfg)
	return nil
}

func (f *fakeConn) AppendAudio(context.Context, []byte) error { return nil }

func (f *fakeConn) CommitInput(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeConn) ClearInput(context.Context) error { return nil }

func (f *fakeConn) CreateResponse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return nil
}

func (f *fakeConn) CancelResponse(context.Context) error                       { return nil }
func (f *fakeConn) SendFunctionCallOutput(context.Context, string, string) error { return nil }
func (f *fakeConn) CreateUserImageItem(context.Context, string) error          { return nil }

func (f *fakeConn) OnSpeechStarted(func(realtime.SpeechStarted))                   {}
func (f *fakeConn) OnSpeechStopped(func(realtime.SpeechStopped))                   {}
func (f *fakeConn) OnTranscriptionCompleted(func(realtime.TranscriptionCompleted)) {}
func (f *fakeConn) OnAudioDelta(func(realtime.AudioDelta))                         {}
func (f *fakeConn) OnResponseCreated(func(realtime.ResponseCreated))               {}
func (f *fakeConn) OnResponseDone(func(realtime.ResponseDone))                     {}
func (f *fakeConn) OnOutputItemDone(func(realtime.OutputItemDone))                 {}
func (f *fakeConn) OnServerError(func(realtime.ServerError))                       {}

func (f *fakeConn) OnClose(fn func(realtime.CloseInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// dropConnection simulates an unexpected remote close.
func (f *fakeConn) dropConnection(code int, reason string) {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(realtime.CloseInfo{Code: code, Reason: reason})
	}
}

func (f *fakeConn) sessionUpdates() []realtime.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.SessionConfig(nil), f.sessions...)
}

// fakeDialer hands out fake connections, optionally failing after a budget
// of successes.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failAfter int // fail every dial once this many succeeded; -1 never fails
}

func (d *fakeDialer) dial(context.Context, realtime.Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAfter >= 0 && len(d.conns) >= d.failAfter {
		return nil, fmt.Errorf("dial refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", fmt.Errorf("token endpoint unavailable")
}

func newTestManager(t *testing.T, dialer *fakeDialer, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	cfg := Config{
		URL: "ws://relay.test/v1/voice",
		Session: realtime.SessionConfig{
			Voice:        "cedar",
			Instructions: "be brief",
		},
	}
	opts = append([]Option{WithDialFunc(dialer.dial), WithClock(clock)}, opts...)
	return NewManager(cfg, staticToken("tok"), tools.Collaborators{}, opts...)
}

func TestConnectRejectsConcurrentAttempt(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	m := newTestManager(t, dialer, &fakeClock{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Connect = %v, want ErrBusy", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestTokenFailureAbortsBeforeDial(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	cfg := Config{URL: "ws://relay.test/v1/voice"}
	m := NewManager(cfg, failingToken{}, tools.Collaborators{},
		WithDialFunc(dialer.dial), WithClock(&fakeClock{}))

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded without a token")
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0 (no socket before auth)", got)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("state = %v, want %v", got, StateIdle)
	}
}

func TestReconnectBoundEmitsSingleTerminalError(t *testing.T) {
	t.Parallel()

	// One successful dial, then every reconnect attempt fails.
	dialer := &fakeDialer{failAfter: 1}
	clock := &fakeClock{}

	var (
		errMu sync.Mutex
		errs  []error
	)
	m := newTestManager(t, dialer, clock, WithOnError(func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		errs = append(errs, err)
	}))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dialer.latest().dropConnection(1006, "network gone")

	// Each advance fires one pending reconnect; its dial fails and arms
	// the next, until the budget is spent.
	for i := 0; i < DefaultMaxReconnects+2; i++ {
		clock.Advance(DefaultReconnectDelay)
	}

	errMu.Lock()
	defer errMu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("terminal errors = %d, want exactly 1: %v", len(errs), errs)
	}
	if !errors.Is(errs[0], ErrReconnectExhausted) {
		t.Errorf("terminal error = %v, want ErrReconnectExhausted", errs[0])
	}
	// 1 initial + MaxReconnects failed retries.
	if got := dialer.dialCount(); got != 1+DefaultMaxReconnects {
		t.Errorf("dial count = %d, want %d", got, 1+DefaultMaxReconnects)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("state = %v, want %v", got, StateIdle)
	}
}

func TestIntentionalDisconnectSuppressesReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	clock := &fakeClock{}
	m := newTestManager(t, dialer, clock)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.latest()

	m.Disconnect()
	if !conn.closed {
		t.Error("Disconnect did not close the socket")
	}

	// The closing socket's close handler fires afterwards; it must not
	// schedule a reconnect.
	conn.dropConnection(1000, "going away")
	clock.Advance(10 * DefaultReconnectDelay)

	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1 (no reconnects after intentional disconnect)", got)
	}

	// After the reset delay a manual reconnect works again.
	clock.Advance(DefaultResetDelay)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after disconnect: %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestReconnectReplaysLastInstructions(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	clock := &fakeClock{}
	m := newTestManager(t, dialer, clock)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.SetInstructions(context.Background(), "speak like a pirate"); err != nil {
		t.Fatalf("SetInstructions: %v", err)
	}

	dialer.latest().dropConnection(1006, "network blip")
	clock.Advance(DefaultReconnectDelay)

	conn := dialer.latest()
	updates := conn.sessionUpdates()
	if len(updates) == 0 {
		t.Fatal("reconnected session received no session.update")
	}
	if got := updates[0].Instructions; got != "speak like a pirate" {
		t.Errorf("replayed instructions = %q, want %q", got, "speak like a pirate")
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestCommitAndRespondSetsManualCommit(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	m := newTestManager(t, dialer, &fakeClock{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.CommitAndRespond(context.Background()); err != nil {
		t.Fatalf("CommitAndRespond: %v", err)
	}

	conn := dialer.latest()
	conn.mu.Lock()
	commits, creates := conn.commits, conn.creates
	conn.mu.Unlock()
	if commits != 1 || creates != 1 {
		t.Errorf("commits = %d, creates = %d, want 1 and 1", commits, creates)
	}

	// The explicit path bypasses VAD gating: the arbiter must allow the
	// next response start without any speech event.
	m.Arbiter().ResponseStarted(context.Background())
	if got := m.Arbiter().State(); got != turn.StateSpeaking {
		t.Errorf("arbiter state = %v, want %v", got, turn.StateSpeaking)
	}
}

// stalledPlayback is a playback clock pinned at zero, so scheduled chunks
// only ever advance the cursor.
type stalledPlayback struct{}

func (stalledPlayback) Now() time.Duration           { return 0 }
func (stalledPlayback) PlayAt([]byte, time.Duration) {}

func TestCancelResponseDropsQueuedAudio(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAfter: -1}
	sched := schedule.New(stalledPlayback{}, stalledPlayback{})
	m := newTestManager(t, dialer, &fakeClock{}, WithScheduler(sched))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pcm := base64.StdEncoding.EncodeToString(make([]byte, 4800))
	m.handleAudio(realtime.AudioDelta{Delta: pcm})
	if sched.Cursor() == 0 {
		t.Fatal("scheduled audio did not advance the cursor")
	}

	if err := m.CancelResponse(context.Background()); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if got := sched.Cursor(); got != 0 {
		t.Errorf("cursor after cancel = %v, want 0 (queued audio abandoned)", got)
	}
}

func TestTransientUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		detail realtime.ErrorDetail
		want   bool
	}{
		{"cancel nothing", realtime.ErrorDetail{Code: "response_cancel_not_active"}, true},
		{"cancel message", realtime.ErrorDetail{Message: "Cancellation failed: no active response"}, true},
		{"rate limit", realtime.ErrorDetail{Message: "Rate limit reached for requests"}, true},
		{"timeout", realtime.ErrorDetail{Message: "request timed out"}, true},
		{"bad voice", realtime.ErrorDetail{Message: "unsupported voice: kazoo"}, true},
		{"auth failure", realtime.ErrorDetail{Code: "invalid_api_key", Message: "Incorrect API key"}, false},
		{"unknown", realtime.ErrorDetail{Code: "server_error", Message: "internal"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransientUpstream(tt.detail); got != tt.want {
				t.Errorf("IsTransientUpstream(%+v) = %v, want %v", tt.detail, got, tt.want)
			}
		})
	}
}
