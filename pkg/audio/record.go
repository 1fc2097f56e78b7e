package audio

import (
	"fmt"
	"os"
	"sync"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVRecorder writes a mono PCM16 stream to a WAV file. Intended for
// diagnostic dumps of the capture or playback path; Write is cheap enough to
// sit inline in the audio pumps.
type WAVRecorder struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	rate   int
	closed bool
}

// NewWAVRecorder creates (truncating) the WAV file at path.
func NewWAVRecorder(path string, sampleRate int) (*WAVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create recording %q: %w", path, err)
	}
	return &WAVRecorder{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

// Write appends little-endian PCM16 bytes to the recording.
func (r *WAVRecorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("audio: recorder closed")
	}

	samples := BytesToInt16s(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write recording: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file. Idempotent.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fErr := r.f.Close()
	if encErr != nil {
		return fmt.Errorf("audio: finalize recording: %w", encErr)
	}
	if fErr != nil {
		return fmt.Errorf("audio: close recording: %w", fErr)
	}
	return nil
}
