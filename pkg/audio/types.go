// Package audio provides the PCM primitives shared by the capture, playback,
// signaling, and avatar layers: frame types, sample conversion, the base64
// wire codec, and an optional WAV recorder for diagnostics.
//
// The canonical in-flight format is little-endian PCM16 mono at the session
// sample rate. Playback works on normalized float32 samples in [-1, 1].
package audio

import "time"

// Frame is one captured chunk of little-endian PCM16 mono audio.
type Frame struct {
	// PCM holds little-endian int16 samples (2 bytes per sample).
	PCM []byte

	// SampleRate in Hz, fixed per session (16000 or 24000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
