package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultGraceWindow is how long the Arbiter waits for a transcript to
// confirm observed speech before cancelling an unconfirmed response. Tuned
// in production; configurable via [WithGraceWindow].
const DefaultGraceWindow = 2 * time.Second

// State is the Arbiter's coarse conversational state.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota

	// StateListening means the session is up and waiting for user speech.
	StateListening

	// StateAwaitingConfirmation means a response started while the
	// transcript for the observed speech is still pending; the grace timer
	// is running.
	StateAwaitingConfirmation

	// StateSpeaking means a confirmed response is playing.
	StateSpeaking

	// StateThinking means a tool call is executing on the model's behalf.
	StateThinking
)

// String implements [fmt.Stringer] for log output.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateSpeaking:
		return "speaking"
	case StateThinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// Actions is what the Arbiter does to the connection when it rules a
// response phantom or a turn complete. Implemented by the session manager on
// top of the realtime client.
type Actions interface {
	// CancelResponse aborts the in-progress model response.
	CancelResponse(ctx context.Context) error

	// ClearInput discards the upstream's buffered input audio.
	ClearInput(ctx context.Context) error
}

// Option configures an [Arbiter] during construction.
type Option func(*Arbiter)

// WithGraceWindow overrides [DefaultGraceWindow].
func WithGraceWindow(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.graceWindow = d
		}
	}
}

// WithClock injects the timer source. Tests use a fake; the default is the
// time package.
func WithClock(c Clock) Option {
	return func(a *Arbiter) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithTranscriptSink registers a callback receiving every confirmed,
// non-garbled user transcript, in arrival order. Used to append to the
// conversation log.
func WithTranscriptSink(fn func(transcript string)) Option {
	return func(a *Arbiter) { a.onTranscript = fn }
}

// WithPhantomCancelHook registers a callback invoked after each
// phantom-guard cancellation. Used for metrics.
func WithPhantomCancelHook(fn func()) Option {
	return func(a *Arbiter) { a.onPhantomCancel = fn }
}

// Arbiter is the turn-taking state machine. One Arbiter serves one voice
// session; its state is reset on disconnect via [Arbiter.Reset].
type Arbiter struct {
	actions         Actions
	clock           Clock
	graceWindow     time.Duration
	onTranscript    func(string)
	onPhantomCancel func()

	mu    sync.Mutex
	state State

	// Turn flags. Reset only when a response completes normally; a
	// cancelled response preserves them so a still-pending genuine
	// utterance is not lost.
	speechObserved         bool
	transcriptionConfirmed bool
	toolTriggered          bool
	manualCommit           bool
	hasPendingSpeech       bool

	// Grace timer bookkeeping. timerGen ties a firing timer back to the
	// turn that armed it; a stale generation is ignored.
	graceTimer Timer
	timerGen   uint64

	// Response/playback interlock: the state leaves speaking only once
	// both the response is done and playback has drained.
	responseEnded   bool
	playbackActive  bool
}

// NewArbiter creates an Arbiter acting through the given connection actions.
func NewArbiter(actions Actions, opts ...Option) *Arbiter {
	a := &Arbiter{
		actions:     actions,
		clock:       realClock{},
		graceWindow: DefaultGraceWindow,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current conversational state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start moves the Arbiter from idle to listening. Called once the session
// is established.
func (a *Arbiter) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateIdle {
		a.state = StateListening
	}
}

// Reset stops any running grace timer and returns the Arbiter to idle with
// all turn flags cleared. Called on disconnect.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopGraceTimerLocked()
	a.state = StateIdle
	a.speechObserved = false
	a.transcriptionConfirmed = false
	a.toolTriggered = false
	a.manualCommit = false
	a.hasPendingSpeech = false
	a.responseEnded = false
	a.playbackActive = false
}

// SpeechStarted records the voice-activity hint. It is a hint only: VADs
// false-trigger on noise, so this alone never lets a response through.
func (a *Arbiter) SpeechStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speechObserved = true
	a.hasPendingSpeech = true
}

// SpeechStopped records the end of detected speech. The turn flags are
// untouched; only a transcript or the grace timer resolves the turn.
func (a *Arbiter) SpeechStopped() {}

// NoteManualCommit records that the client explicitly committed its input
// buffer and requested a response. The explicit path carries its own intent,
// so the next response start is allowed without VAD confirmation.
func (a *Arbiter) NoteManualCommit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manualCommit = true
	a.hasPendingSpeech = false
}

// TranscriptionCompleted handles a completed user-audio transcript. Garbled
// text is discarded with no state change. Genuine text confirms the turn,
// cancels a running grace timer, and feeds the transcript sink.
func (a *Arbiter) TranscriptionCompleted(transcript string) {
	if Garbled(transcript) {
		return
	}

	a.mu.Lock()
	a.transcriptionConfirmed = true
	a.stopGraceTimerLocked()
	if a.state == StateAwaitingConfirmation {
		a.state = StateSpeaking
	}
	sink := a.onTranscript
	a.mu.Unlock()

	if sink != nil {
		sink(transcript)
	}
}

// NoteToolCall marks a tool invocation in progress.
func (a *Arbiter) NoteToolCall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		a.state = StateThinking
	}
}

// NoteToolResponse marks that the next response start is a programmatic
// continuation of a tool result and must bypass the phantom guard. Called by
// the dispatcher immediately before it re-arms response generation.
func (a *Arbiter) NoteToolResponse() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolTriggered = true
}

// ResponseStarted gates an upstream response start. Decision order:
//
//  1. Tool-triggered: clear the flag and allow unconditionally.
//  2. Manual commit: allow.
//  3. Transcription already confirmed: allow.
//  4. No speech observed at all: cancel immediately, same tick.
//  5. Speech observed, transcript pending: arm the grace timer; if it
//     fires before confirmation, cancel.
func (a *Arbiter) ResponseStarted(ctx context.Context) {
	a.mu.Lock()

	switch {
	case a.toolTriggered:
		a.toolTriggered = false
		a.state = StateSpeaking
		a.mu.Unlock()

	case a.manualCommit:
		a.manualCommit = false
		a.state = StateSpeaking
		a.mu.Unlock()

	case a.transcriptionConfirmed:
		a.state = StateSpeaking
		a.mu.Unlock()

	case !a.speechObserved:
		a.mu.Unlock()
		a.cancelPhantom(ctx, "no speech observed")

	default:
		a.state = StateAwaitingConfirmation
		a.stopGraceTimerLocked()
		a.timerGen++
		gen := a.timerGen
		a.graceTimer = a.clock.AfterFunc(a.graceWindow, func() {
			a.graceExpired(gen)
		})
		a.mu.Unlock()
	}
}

// graceExpired fires when the grace window elapses without a transcript.
func (a *Arbiter) graceExpired(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen || a.transcriptionConfirmed {
		a.mu.Unlock()
		return
	}
	a.graceTimer = nil
	if a.state == StateAwaitingConfirmation {
		a.state = StateListening
	}
	a.mu.Unlock()

	a.cancelPhantom(context.Background(), "grace window expired")
}

// cancelPhantom sends the advisory cancel. The upstream may answer with a
// harmless "nothing to cancel" error; the session manager swallows it.
func (a *Arbiter) cancelPhantom(ctx context.Context, reason string) {
	slog.Debug("turn: cancelling phantom response", "reason", reason)
	if err := a.actions.CancelResponse(ctx); err != nil {
		slog.Warn("turn: cancel phantom response", "err", err)
	}
	if a.onPhantomCancel != nil {
		a.onPhantomCancel()
	}
}

// ResponseDone handles a response ending with the given status. A completed
// response consumes the turn: flags reset and the upstream's pending input
// buffer is cleared. A cancelled response preserves the flags so a genuine
// pending utterance still gets its answer.
func (a *Arbiter) ResponseDone(ctx context.Context, completed bool) {
	a.mu.Lock()
	a.stopGraceTimerLocked()

	clearInput := false
	if completed {
		a.speechObserved = false
		a.transcriptionConfirmed = false
		a.manualCommit = false
		a.hasPendingSpeech = false
		clearInput = true
	}

	if a.playbackActive {
		// Stay in speaking until the scheduler drains.
		a.responseEnded = true
	} else if a.state != StateIdle {
		a.state = StateListening
		a.responseEnded = false
	}
	a.mu.Unlock()

	if clearInput {
		if err := a.actions.ClearInput(ctx); err != nil {
			slog.Warn("turn: clear input buffer", "err", err)
		}
	}
}

// NotePlayback records that response audio is being scheduled; the state
// will not leave speaking until [Arbiter.PlaybackFinished].
func (a *Arbiter) NotePlayback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playbackActive = true
}

// PlaybackFinished records that scheduled audio has drained. If the
// response already ended, the Arbiter returns to listening.
func (a *Arbiter) PlaybackFinished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playbackActive = false
	if a.responseEnded && a.state != StateIdle {
		a.state = StateListening
		a.responseEnded = false
	}
}

// HasPendingSpeech reports whether speech was detected since the last
// commit. The explicit-commit send path consults this.
func (a *Arbiter) HasPendingSpeech() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasPendingSpeech
}

// stopGraceTimerLocked stops and detaches the grace timer. Must be called
// with a.mu held. Bumping the generation invalidates a timer that already
// fired but has not yet taken the lock.
func (a *Arbiter) stopGraceTimerLocked() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
		a.graceTimer = nil
	}
	a.timerGen++
}
