package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode classifies a malformed inbound audio payload: invalid base64 or a
// byte count that does not align to whole int16 samples. Callers should drop
// the offending chunk and continue the stream.
var ErrDecode = errors.New("audio: malformed payload")

// EncodeWire encodes little-endian PCM16 bytes into the base64 transport form.
func EncodeWire(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeWire decodes a base64 transport payload into little-endian PCM16
// bytes. Returns an error wrapping [ErrDecode] when the payload is not valid
// base64 or does not decode to whole samples.
func DecodeWire(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(pcm))
	}
	return pcm, nil
}
