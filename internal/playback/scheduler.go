// Package playback schedules decoded audio chunks for gapless playback
// and derives a "currently speaking" state from scheduled buffer end times.
package playback

import (
	"sync"
	"time"
)

// Clock abstracts the real-time clock so scheduling is testable.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the stoppable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Sink receives a chunk of samples together with the absolute time at
// which it must begin playing.
type Sink interface {
	PlayAt(samples []float32, start time.Time)
}

// Scheduler plays received audio chunks back-to-back with no gaps or
// overlaps. Each chunk starts at max(now, end of previously scheduled
// audio), so chunks arriving faster than real time queue up and a genuine
// silence gap resets the schedule to "now" instead of a stale past.
type Scheduler struct {
	clock      Clock
	sink       Sink
	sampleRate int
	onSpeaking func(bool)

	mu       sync.Mutex
	next     time.Time
	speaking bool
	timer    Timer
}

// NewScheduler creates a scheduler that plays chunks at sampleRate through
// sink. onSpeaking, if non-nil, is invoked on every speaking-state change.
func NewScheduler(clock Clock, sink Sink, sampleRate int, onSpeaking func(bool)) *Scheduler {
	return &Scheduler{
		clock:      clock,
		sink:       sink,
		sampleRate: sampleRate,
		onSpeaking: onSpeaking,
	}
}

// Schedule queues one chunk for playback and returns its start time.
// Empty chunks are ignored.
func (s *Scheduler) Schedule(samples []float32) time.Time {
	if len(samples) == 0 {
		return time.Time{}
	}
	duration := time.Duration(len(samples)) * time.Second / time.Duration(s.sampleRate)

	s.mu.Lock()
	now := s.clock.Now()
	start := s.next
	if start.Before(now) {
		start = now
	}
	s.next = start.Add(duration)
	s.sink.PlayAt(samples, start)

	started := !s.speaking
	s.speaking = true

	// The speaking flag clears via a timer sized to the remaining
	// scheduled audio, recomputed on every chunk.
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.next.Sub(now), s.finish)
	s.mu.Unlock()

	if started {
		s.notify(true)
	}
	return start
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	// A chunk scheduled after this timer fired already rearmed a new one.
	if s.clock.Now().Before(s.next) {
		s.mu.Unlock()
		return
	}
	stopped := s.speaking
	s.speaking = false
	s.mu.Unlock()

	if stopped {
		s.notify(false)
	}
}

// Speaking reports whether scheduled audio is still playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset clears all scheduling state. Safe to call repeatedly and from any
// state; must be invoked on every teardown path so a reconnect never
// inherits a stale clock.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
	stopped := s.speaking
	s.speaking = false
	s.mu.Unlock()

	if stopped {
		s.notify(false)
	}
}

func (s *Scheduler) notify(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}
