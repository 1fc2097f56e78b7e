// Package session coordinates the live voice session: microphone capture
// feeding the relay, inbound transcript and audio events, gap-free playback
// with barge-in, and the optional avatar media session. Exactly one audio
// sink is authoritative at any time.
package session

import (
	"strings"
	"sync"
	"time"
)

// Transcript statuses as they appear on the wire.
const (
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
)

// Update is one transcript notification surfaced to the embedding
// application. While Status is processing, Text carries only the newly
// stabilised delta; on complete it carries the full turn text.
type Update struct {
	Speaker string
	Status  string
	Text    string
}

// Turn is one completed utterance with its final text.
type Turn struct {
	Speaker string
	AgentID string
	Text    string
	EndedAt time.Time
}

// DeltaOption configures a DeltaBuffer.
type DeltaOption func(*DeltaBuffer)

// WithFlushLength sets the pending-text length at which a flush is forced.
func WithFlushLength(n int) DeltaOption {
	return func(b *DeltaBuffer) { b.flushLen = n }
}

// WithMaxHold sets the longest pending text may be withheld before a flush.
func WithMaxHold(d time.Duration) DeltaOption {
	return func(b *DeltaBuffer) { b.maxHold = d }
}

// WithNowFunc overrides the clock. Used in tests.
func WithNowFunc(now func() time.Time) DeltaOption {
	return func(b *DeltaBuffer) { b.now = now }
}

// DeltaBuffer turns a stream of growing transcript hypotheses into stable
// incremental deltas. Each Observe call receives the full hypothesis so far;
// the buffer derives the new suffix and batches it until a sentence boundary,
// a length threshold, or a hold deadline releases it through the emit
// callback. A hypothesis that is not an extension of the previous one resets
// the pending text, so revised words are never emitted twice.
type DeltaBuffer struct {
	mu       sync.Mutex
	last     string
	pending  strings.Builder
	holdFrom time.Time
	flushLen int
	maxHold  time.Duration
	now      func() time.Time
	emit     func(delta string)
}

// NewDeltaBuffer creates a buffer that delivers stabilised deltas to emit.
func NewDeltaBuffer(emit func(delta string), opts ...DeltaOption) *DeltaBuffer {
	b := &DeltaBuffer{
		flushLen: 24,
		maxHold:  2 * time.Second,
		now:      time.Now,
		emit:     emit,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Observe feeds the next full hypothesis into the buffer.
func (b *DeltaBuffer) Observe(full string) {
	b.mu.Lock()

	delta := full
	if b.last != "" {
		if strings.HasPrefix(full, b.last) {
			delta = full[len(b.last):]
		} else {
			// Revised hypothesis: restart accumulation from scratch.
			b.pending.Reset()
		}
	}
	b.last = full

	if delta == "" {
		b.mu.Unlock()
		return
	}
	if b.pending.Len() == 0 {
		b.holdFrom = b.now()
	}
	b.pending.WriteString(delta)

	var out string
	if b.shouldFlushLocked() {
		out = b.pending.String()
		b.pending.Reset()
	}
	b.mu.Unlock()

	if out != "" {
		b.emit(out)
	}
}

// Complete finalises the turn. Any remaining pending text is flushed, the
// buffer resets for the next turn, and the full turn text is returned. When
// full is empty the last observed hypothesis stands as the turn text.
func (b *DeltaBuffer) Complete(full string) string {
	b.mu.Lock()
	text := full
	if text == "" {
		text = b.last
	}
	var out string
	switch {
	case text == b.last:
	case strings.HasPrefix(text, b.last):
		b.pending.WriteString(text[len(b.last):])
	default:
		// Revised final text: the pending delta was superseded, so the new
		// text goes out whole.
		b.pending.Reset()
		b.pending.WriteString(text)
	}
	if b.pending.Len() > 0 {
		out = b.pending.String()
	}
	b.pending.Reset()
	b.last = ""
	b.mu.Unlock()

	if out != "" {
		b.emit(out)
	}
	return text
}

// Reset discards all buffered state without emitting.
func (b *DeltaBuffer) Reset() {
	b.mu.Lock()
	b.pending.Reset()
	b.last = ""
	b.mu.Unlock()
}

func (b *DeltaBuffer) shouldFlushLocked() bool {
	if b.pending.Len() >= b.flushLen {
		return true
	}
	s := b.pending.String()
	if t := strings.TrimRight(s, " "); t != "" {
		switch t[len(t)-1] {
		case '.', '!', '?':
			return true
		}
	}
	return b.now().Sub(b.holdFrom) >= b.maxHold
}
