package audio_test

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/holovox/holovox/pkg/audio"
)

func TestEncodeWire_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16sToBytes([]int16{0, 42, -42, 32767, -32768})
	got, err := audio.DecodeWire(audio.EncodeWire(pcm))
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], pcm[i])
		}
	}
}

func TestDecodeWire_InvalidBase64(t *testing.T) {
	t.Parallel()

	_, err := audio.DecodeWire("not*base64!")
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
}

func TestDecodeWire_OddByteCount(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	_, err := audio.DecodeWire(payload)
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
}

func TestDecodeWire_Empty(t *testing.T) {
	t.Parallel()

	got, err := audio.DecodeWire("")
	if err != nil {
		t.Fatalf("empty payload should decode cleanly: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}
