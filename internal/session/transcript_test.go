package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/holovox/holovox/internal/session"
)

// collectDeltas returns a buffer plus an accessor over everything it emitted.
func collectDeltas(opts ...session.DeltaOption) (*session.DeltaBuffer, func() []string) {
	var mu sync.Mutex
	var got []string
	b := session.NewDeltaBuffer(func(delta string) {
		mu.Lock()
		got = append(got, delta)
		mu.Unlock()
	}, opts...)
	return b, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func fixedNow() func() time.Time {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestDeltaBuffer_SentenceBoundaryFlush(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("Hello")
	if len(got()) != 0 {
		t.Fatalf("flushed prematurely: %q", got())
	}
	b.Observe("Hello there.")

	want := []string{"Hello there."}
	if g := got(); len(g) != 1 || g[0] != want[0] {
		t.Errorf("deltas = %q, want %q", g, want)
	}
}

func TestDeltaBuffer_GrowingHypothesisConcatenatesExactly(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	for _, hyp := range []string{"Hel", "Hello", "Hello wor", "Hello world"} {
		b.Observe(hyp)
	}
	text := b.Complete("")

	if text != "Hello world" {
		t.Errorf("Complete = %q", text)
	}
	joined := ""
	for _, d := range got() {
		joined += d
	}
	if joined != "Hello world" {
		t.Errorf("concatenated deltas = %q, want %q", joined, "Hello world")
	}
}

func TestDeltaBuffer_RevisedHypothesisNotEmittedTwice(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("I scream")
	b.Observe("Ice cream sounds good.")

	if g := got(); len(g) != 1 || g[0] != "Ice cream sounds good." {
		t.Errorf("deltas = %q, want the revised hypothesis exactly once", g)
	}
}

func TestDeltaBuffer_LengthFlush(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithFlushLength(5), session.WithNowFunc(fixedNow()))
	b.Observe("hello world")

	if g := got(); len(g) != 1 || g[0] != "hello world" {
		t.Errorf("deltas = %q, want length-triggered flush", g)
	}
}

func TestDeltaBuffer_HoldDeadlineFlush(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	b, got := collectDeltas(session.WithMaxHold(2*time.Second), session.WithNowFunc(clock))
	b.Observe("hi")
	if len(got()) != 0 {
		t.Fatalf("flushed before hold deadline: %q", got())
	}
	advance(3 * time.Second)
	b.Observe("hi there")

	if g := got(); len(g) != 1 || g[0] != "hi there" {
		t.Errorf("deltas = %q, want hold-triggered flush", g)
	}
}

func TestDeltaBuffer_CompleteFlushesRemainder(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("The answer")
	text := b.Complete("The answer is 42.")

	if text != "The answer is 42." {
		t.Errorf("Complete = %q", text)
	}
	if g := got(); len(g) != 1 || g[0] != "The answer is 42." {
		t.Errorf("deltas = %q, want remainder flushed once", g)
	}
}

func TestDeltaBuffer_CompleteWithRevisedTextDropsStalePending(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("Hello")
	text := b.Complete("Goodbye")

	if text != "Goodbye" {
		t.Errorf("Complete = %q, want %q", text, "Goodbye")
	}
	if g := got(); len(g) != 1 || g[0] != "Goodbye" {
		t.Errorf("deltas = %q, want only the revised final text", g)
	}
}

func TestDeltaBuffer_CompleteWithoutTextUsesLastHypothesis(t *testing.T) {
	t.Parallel()

	b, _ := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("Sure thing")
	if text := b.Complete(""); text != "Sure thing" {
		t.Errorf("Complete = %q, want last hypothesis", text)
	}
}

func TestDeltaBuffer_ResetDiscardsPending(t *testing.T) {
	t.Parallel()

	b, got := collectDeltas(session.WithNowFunc(fixedNow()))
	b.Observe("half a tho")
	b.Reset()
	if text := b.Complete(""); text != "" {
		t.Errorf("Complete after reset = %q, want empty", text)
	}
	if g := got(); len(g) != 0 {
		t.Errorf("deltas after reset = %q, want none", g)
	}
}
