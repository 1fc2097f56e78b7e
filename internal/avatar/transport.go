// Package avatar establishes the WebRTC media session that carries the
// avatar's video and authoritative speech audio.
//
// Two negotiation variants exist behind the [Transport] interface. The
// relay-mediated variant sends the local SDP offer through the signaling
// channel and waits for the relay to forward an answer. The direct variant
// submits the offer to the media service itself, authorized by an ephemeral
// token delivered with the video_connection_ready event. A transport is used
// for exactly one negotiation; tear it down and build a new one to retry.
package avatar

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrNegotiationFailed classifies any failure to bring up the media session:
// credential fetch, offer/answer exchange, or ICE connectivity timeout.
var ErrNegotiationFailed = errors.New("avatar: negotiation failed")

// State is the lifecycle state of a media session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one avatar media session. Negotiate blocks until the session
// is connected or the context ends; cancelling the context abandons the
// attempt. Audio delivers decoded avatar speech as normalized mono samples at
// the session rate. Video delivers the remote video track handle once.
type Transport interface {
	Negotiate(ctx context.Context) error
	Audio() <-chan []float32
	Video() <-chan *webrtc.TrackRemote
	State() State
	Close() error
}

// stateTracker is the mutex-guarded state shared by both transports.
type stateTracker struct {
	mu    sync.Mutex
	state State
}

func (t *stateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stateTracker) setState(s State) {
	t.mu.Lock()
	// Closed is terminal.
	if t.state != StateClosed {
		t.state = s
	}
	t.mu.Unlock()
}

// defaultSTUNServers is the fallback ICE configuration when no relay
// credentials are available.
func defaultSTUNServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
