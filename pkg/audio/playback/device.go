package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/holovox/holovox/pkg/audio"
)

// DeviceSink renders chunks on the default output device via portaudio.
// Writes happen on a per-chunk goroutine so Play returns promptly; the
// scheduler serializes chunks, so at most one writer runs at a time.
type DeviceSink struct {
	rate int

	mu      sync.Mutex
	stream  *portaudio.Stream
	out     []int16
	started bool
	closed  bool
}

// NewDeviceSink opens the default output device at sampleRate. The stream is
// started lazily on the first Play.
func NewDeviceSink(sampleRate int) (*DeviceSink, error) {
	d := &DeviceSink{
		rate: sampleRate,
		out:  make([]int16, sampleRate/50), // 20 ms device buffer
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(d.out), &d.out)
	if err != nil {
		return nil, fmt.Errorf("playback: open output device: %w", err)
	}
	d.stream = stream
	return d, nil
}

// Play renders the chunk asynchronously. The returned done channel closes
// when all samples were written to the device (or the write was aborted);
// stop aborts at the next device buffer boundary.
func (d *DeviceSink) Play(samples []float32) (<-chan struct{}, func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, nil, fmt.Errorf("playback: sink closed")
	}
	if !d.started {
		if err := d.stream.Start(); err != nil {
			d.mu.Unlock()
			return nil, nil, fmt.Errorf("playback: start output stream: %w", err)
		}
		d.started = true
	}
	d.mu.Unlock()

	done := make(chan struct{})
	var aborted atomic.Bool
	stop := func() { aborted.Store(true) }

	go func() {
		defer close(done)
		d.write(audio.Float32ToPCM16(samples), &aborted)
	}()
	return done, stop, nil
}

// write pushes samples to the device in buffer-sized slices, padding the tail
// with silence. Output underflow is tolerated the way portaudio recommends.
func (d *DeviceSink) write(pcm []int16, aborted *atomic.Bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for off := 0; off < len(pcm); off += len(d.out) {
		if aborted.Load() || d.closed {
			return
		}
		n := copy(d.out, pcm[off:])
		if n < len(d.out) {
			clear(d.out[n:])
		}
		if err := d.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				slog.Debug("playback: output underflowed", "err", err)
				continue
			}
			slog.Warn("playback: device write failed", "err", err)
			return
		}
	}
}

// Close stops and closes the output stream. Idempotent.
func (d *DeviceSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.started {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("playback: close output device: %w", err)
	}
	return nil
}
