// Package playback schedules decoded audio chunks for gap-free rendering and
// supports immediate barge-in.
//
// Chunks are normalized float32 mono samples at the session sample rate. A
// monotonic cursor tracks where the end of scheduled audio lies: each chunk
// starts at max(now, cursor) and advances the cursor by its own duration, so
// back-to-back chunks abut exactly and a chunk arriving after a silence gap
// starts immediately.
package playback

import (
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sink renders one chunk of audio. Play must return promptly: done is closed
// when the chunk has finished rendering and stop aborts rendering early (and
// also closes done). The scheduler plays at most one chunk at a time.
type Sink interface {
	Play(samples []float32) (done <-chan struct{}, stop func(), err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock. Used in tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSpeakingFunc registers a callback fired when playback transitions
// between speaking and silent. Transitions are delivered one at a time in the
// order they occurred; the callback must not call back into the Scheduler.
func WithSpeakingFunc(fn func(speaking bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// Scheduler queues chunks and renders them through a Sink without gaps.
// Interrupt discards everything synchronously. Safe for concurrent use.
type Scheduler struct {
	sink       Sink
	clock      Clock
	rate       int
	onSpeaking func(bool)

	mu           sync.Mutex
	queue        [][]float32
	cursor       time.Time // end of currently scheduled audio
	gen          int       // bumped by Interrupt to invalidate in-flight work
	inflightStop func()
	speaking     bool
	closed       bool

	// Speaking transitions are queued under mu and drained under cbMu so
	// they reach the callback in the order they occurred.
	cbMu    sync.Mutex
	cbQueue []bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewScheduler creates and starts a scheduler rendering at sampleRate.
func NewScheduler(sink Sink, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:  sink,
		clock: realClock{},
		rate:  sampleRate,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = s.clock.Now()
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue appends a chunk to the playback queue. A zero-length chunk is a
// no-op and does not move the cursor. Enqueue after Close is ignored.
func (s *Scheduler) Enqueue(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, samples)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Interrupt discards all queued audio, aborts the chunk being rendered, and
// resets the cursor to now. By the time it returns, no stale audio will start
// and a subsequently enqueued chunk plays immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.queue = nil
	s.gen++
	s.cursor = s.clock.Now()
	stop := s.inflightStop
	s.inflightStop = nil
	if s.speaking {
		s.speaking = false
		s.queueSpeakingLocked(false)
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.notifySpeaking()
}

// Lead reports how far the scheduled-audio cursor sits ahead of now, which is
// how long a chunk enqueued at this instant would wait before rendering.
// Returns zero when the cursor has been overtaken.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.cursor.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Pending returns the number of queued, not yet rendered chunks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops the scheduler, aborting any in-flight chunk. Idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		stop := s.inflightStop
		s.inflightStop = nil
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		chunk, gen, start, ok := s.next()
		s.notifySpeaking()
		if !ok {
			return
		}
		if chunk == nil {
			// Queue drained; wait for work.
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		if wait := start.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-s.clock.After(wait):
			case <-s.done:
				return
			}
		}
		s.render(chunk, gen)
	}
}

// next pops the head chunk and advances the cursor under the lock. Returns
// ok=false when closed, or a nil chunk when the queue is empty.
func (s *Scheduler) next() (chunk []float32, gen int, start time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, time.Time{}, false
	}
	if len(s.queue) == 0 {
		if s.speaking {
			s.speaking = false
			s.queueSpeakingLocked(false)
		}
		return nil, 0, time.Time{}, true
	}

	chunk = s.queue[0]
	s.queue = s.queue[1:]
	now := s.clock.Now()
	start = s.cursor
	if now.After(start) {
		start = now
	}
	dur := time.Duration(len(chunk)) * time.Second / time.Duration(s.rate)
	s.cursor = start.Add(dur)
	if !s.speaking {
		s.speaking = true
		s.queueSpeakingLocked(true)
	}
	return chunk, s.gen, start, true
}

// queueSpeakingLocked records a speaking transition for ordered delivery.
// Caller holds s.mu.
func (s *Scheduler) queueSpeakingLocked(speaking bool) {
	if s.onSpeaking != nil {
		s.cbQueue = append(s.cbQueue, speaking)
	}
}

// notifySpeaking drains queued transitions through the callback. The drain
// lock serialises delivery across goroutines without holding s.mu during the
// callback.
func (s *Scheduler) notifySpeaking() {
	if s.onSpeaking == nil {
		return
	}
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.cbQueue) == 0 {
			s.mu.Unlock()
			return
		}
		speaking := s.cbQueue[0]
		s.cbQueue = s.cbQueue[1:]
		s.mu.Unlock()
		s.onSpeaking(speaking)
	}
}

// render plays one chunk unless an interrupt invalidated it meanwhile.
func (s *Scheduler) render(chunk []float32, gen int) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	playDone, stop, err := s.sink.Play(chunk)
	if err != nil {
		slog.Warn("playback: sink error, dropping chunk", "err", err, "samples", len(chunk))
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	s.inflightStop = stop
	s.mu.Unlock()

	select {
	case <-playDone:
	case <-s.done:
		stop()
		return
	}

	s.mu.Lock()
	s.inflightStop = nil
	s.mu.Unlock()
}
