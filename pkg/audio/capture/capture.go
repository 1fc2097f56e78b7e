// Package capture turns the default microphone into a stream of PCM16 mono
// frames at the session sample rate.
//
// Two device strategies are supported. The preferred one is a portaudio
// callback stream: the device driver invokes the callback on its own
// high-priority thread and frames are handed off through a channel without
// blocking it. When the callback stream cannot be opened, a blocking-read
// stream driven by an internal goroutine is used instead.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/holovox/holovox/pkg/audio"
)

// ErrDeviceUnavailable indicates that no usable input device could be opened.
var ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

// Config holds the capture parameters.
type Config struct {
	// SampleRate in Hz. The device is opened directly at this rate.
	SampleRate int

	// FrameSamples is the number of samples per emitted frame.
	FrameSamples int
}

// Encoder captures microphone audio and emits fixed-size PCM16 mono frames.
// Frames are delivered on [Encoder.Frames]; a mid-capture device failure is
// terminal and is reported once on [Encoder.Errs] before Frames is closed.
type Encoder struct {
	cfg    Config
	frames chan audio.Frame
	errs   chan error

	mu       sync.Mutex
	strategy deviceStream
	started  bool
	emitted  int64 // total samples emitted, drives frame timestamps

	stopOnce sync.Once
	done     chan struct{}
}

// deviceStream abstracts the two portaudio open modes.
type deviceStream interface {
	start() error
	stop() error
	name() string
}

// NewEncoder creates an Encoder. The device is not opened until Start.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{
		cfg:    cfg,
		frames: make(chan audio.Frame, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Start opens the input device and begins emitting frames. The callback
// stream is tried first; if the host API rejects it, the blocking pull stream
// is used. Returns an error wrapping [ErrDeviceUnavailable] when neither can
// be opened. Start may be called once.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("capture: already started")
	}

	cb, cbErr := newCallbackStream(e)
	if cbErr == nil {
		e.strategy = cb
	} else {
		slog.Warn("capture: callback stream unavailable, falling back to blocking reads", "err", cbErr)
		pull, pullErr := newPullStream(e)
		if pullErr != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, errors.Join(cbErr, pullErr))
		}
		e.strategy = pull
	}

	if err := e.strategy.start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, e.strategy.name(), err)
	}
	e.started = true
	slog.Info("capture started",
		"strategy", e.strategy.name(),
		"sample_rate", e.cfg.SampleRate,
		"frame_samples", e.cfg.FrameSamples,
	)
	return nil
}

// Frames returns the channel on which captured frames arrive. It is closed
// after Stop or after a terminal device failure.
func (e *Encoder) Frames() <-chan audio.Frame { return e.frames }

// Errs reports a terminal capture failure. At most one error is sent.
func (e *Encoder) Errs() <-chan error { return e.errs }

// Stop closes the device and the frame channel. Idempotent; pending frames
// already handed off remain readable until the channel drains.
func (e *Encoder) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		s := e.strategy
		e.mu.Unlock()
		if s != nil {
			err = s.stop()
		}
		close(e.frames)
	})
	return err
}

// emit converts already-quantized samples into a frame and hands it off.
// Called from the device thread (callback strategy) or the pull goroutine;
// it never blocks the caller: if the consumer lags, the frame is dropped.
func (e *Encoder) emit(samples []int16) {
	e.mu.Lock()
	ts := time.Duration(e.emitted) * time.Second / time.Duration(e.cfg.SampleRate)
	e.emitted += int64(len(samples))
	e.mu.Unlock()

	frame := audio.Frame{
		PCM:        audio.Int16sToBytes(samples),
		SampleRate: e.cfg.SampleRate,
		Timestamp:  ts,
	}

	select {
	case <-e.done:
	case e.frames <- frame:
	default:
		slog.Debug("capture: consumer lagging, dropping frame", "timestamp", ts)
	}
}

// fail reports a terminal device failure and tears the stream down.
func (e *Encoder) fail(err error) {
	select {
	case e.errs <- fmt.Errorf("capture: device lost: %w", err):
	default:
	}
	go e.Stop() //nolint:errcheck // stop error is secondary to the device failure
}

// ── Callback strategy ─────────────────────────────────────────────────────────

// callbackStream receives float32 buffers on the portaudio thread and
// quantizes them with clip-saturation before handoff.
type callbackStream struct {
	enc    *Encoder
	stream *portaudio.Stream
}

func newCallbackStream(e *Encoder) (*callbackStream, error) {
	cs := &callbackStream{enc: e}
	stream, err := portaudio.OpenDefaultStream(
		1, 0, float64(e.cfg.SampleRate), e.cfg.FrameSamples,
		func(in []float32) {
			cs.enc.emit(audio.Float32ToPCM16(in))
		},
	)
	if err != nil {
		return nil, fmt.Errorf("open callback stream: %w", err)
	}
	cs.stream = stream
	return cs, nil
}

func (cs *callbackStream) start() error { return cs.stream.Start() }
func (cs *callbackStream) name() string { return "callback" }

func (cs *callbackStream) stop() error {
	if err := cs.stream.Stop(); err != nil {
		cs.stream.Close()
		return fmt.Errorf("capture: stop stream: %w", err)
	}
	if err := cs.stream.Close(); err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// ── Pull strategy ─────────────────────────────────────────────────────────────

// pullStream drives a blocking-read int16 stream from its own goroutine.
type pullStream struct {
	enc    *Encoder
	stream *portaudio.Stream
	buf    []int16
	wg     sync.WaitGroup
}

func newPullStream(e *Encoder) (*pullStream, error) {
	ps := &pullStream{
		enc: e,
		buf: make([]int16, e.cfg.FrameSamples),
	}
	stream, err := portaudio.OpenDefaultStream(
		1, 0, float64(e.cfg.SampleRate), len(ps.buf), &ps.buf,
	)
	if err != nil {
		return nil, fmt.Errorf("open pull stream: %w", err)
	}
	ps.stream = stream
	return ps, nil
}

func (ps *pullStream) start() error {
	if err := ps.stream.Start(); err != nil {
		return err
	}
	ps.wg.Add(1)
	go ps.loop()
	return nil
}

func (ps *pullStream) loop() {
	defer ps.wg.Done()
	for {
		select {
		case <-ps.enc.done:
			return
		default:
		}
		if err := ps.stream.Read(); err != nil {
			select {
			case <-ps.enc.done:
			default:
				ps.enc.fail(err)
			}
			return
		}
		samples := make([]int16, len(ps.buf))
		copy(samples, ps.buf)
		ps.enc.emit(samples)
	}
}

func (ps *pullStream) name() string { return "pull" }

func (ps *pullStream) stop() error {
	err := ps.stream.Stop()
	ps.wg.Wait()
	if cerr := ps.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("capture: stop stream: %w", err)
	}
	return nil
}
