// Package schedule sequences decoded audio chunks on a shared playback
// clock. Chunks are scheduled back to back against a single cursor instead
// of being chained through end-of-chunk callbacks, which removes the
// per-chunk scheduling jitter that callback chaining produces.
package schedule

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSampleRate is the PCM16 sample rate of the voice stream.
const DefaultSampleRate = 24000

// Clock reports the current position on the playback timeline.
type Clock interface {
	Now() time.Duration
}

// Sink renders a chunk starting at an absolute position on the same
// timeline the [Clock] reports.
type Sink interface {
	PlayAt(pcm []byte, at time.Duration)
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithSampleRate overrides [DefaultSampleRate] for chunk-duration math.
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// Scheduler owns the "next start time" cursor. Safe for concurrent use,
// though chunks normally arrive in order from one stream.
type Scheduler struct {
	clock      Clock
	sink       Sink
	sampleRate int

	mu     sync.Mutex
	cursor time.Duration
}

// New creates a Scheduler playing through sink against clock.
func New(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:      clock,
		sink:       sink,
		sampleRate: DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues one PCM16 chunk. If the cursor has fallen behind the
// clock (a gap already happened, such as after a pause), it snaps forward
// to now; otherwise the chunk starts exactly at the cursor. The cursor then
// advances by the chunk's duration. Returns the scheduled start position.
func (s *Scheduler) Schedule(pcm []byte) (time.Duration, error) {
	if len(pcm) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cursor, nil
	}
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("schedule: PCM16 chunk must have an even number of bytes, got %d", len(pcm))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.clock.Now(); s.cursor < now {
		s.cursor = now
	}

	start := s.cursor
	s.sink.PlayAt(pcm, start)
	s.cursor += s.chunkDuration(len(pcm))
	return start, nil
}

// Cursor returns the position at which the next chunk would start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Drained reports whether all scheduled audio has finished playing.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now() >= s.cursor
}

// Reset drops the cursor so the next chunk starts immediately. Called when
// a cancelled response abandons its queued audio, and on disconnect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}

// chunkDuration converts a PCM16 byte count to wall duration.
func (s *Scheduler) chunkDuration(byteLen int) time.Duration {
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(s.sampleRate)
}
