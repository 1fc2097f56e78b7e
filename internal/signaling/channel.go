// Package signaling implements the WebSocket client for the voice relay.
//
// One connection carries everything: outbound microphone audio and control
// messages, inbound transcripts, synthesized audio, and avatar negotiation
// traffic. A single receive loop preserves server ordering: events are
// delivered on one channel in arrival order.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/holovox/holovox/pkg/audio"
)

// ErrAuthRejected indicates the relay refused the bearer token. The relay
// closes with status 1008 (policy violation) on authentication failure.
var ErrAuthRejected = errors.New("signaling: authentication rejected")

// ErrClosed indicates a send was attempted after the channel closed.
var ErrClosed = errors.New("signaling: channel closed")

// Option is a functional option for configuring Dial.
type Option func(*Channel)

// WithEventBuffer overrides the inbound event channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Channel) { c.events = make(chan Event, n) }
}

// Channel is a live signaling connection. Create one with Dial. Events are
// read from Events until it closes; Err reports why it closed.
type Channel struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL and authenticates with token. The
// token travels both as an Authorization header and as a token query
// parameter, matching what browser clients (which cannot set headers) send.
// Returns an error wrapping [ErrAuthRejected] when the relay rejects the
// token during the handshake.
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: parse url %q: %w", rawURL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling: dial: %w", err)
	}
	// Inbound audio chunks are small but frequent.
	conn.SetReadLimit(1 << 22)

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    chCtx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(c)
	}

	go c.receiveLoop()
	return c, nil
}

// receiveLoop reads events and delivers them in order on the events channel.
// It owns the events channel and closes it on exit.
func (c *Channel) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				err = fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			c.setErr(err)
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("signaling: skipping malformed event", "err", err, "bytes", len(data))
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

// Events returns the inbound event channel. It is closed when the connection
// ends; check Err afterwards for the cause.
func (c *Channel) Events() <-chan Event { return c.events }

// Err returns the error that terminated the connection, or nil after a clean
// local Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// SendAudio transmits one PCM16 frame as a base64 audio message.
func (c *Channel) SendAudio(pcm []byte) error {
	return c.writeJSON(audioMessage{Type: "audio", Data: audio.EncodeWire(pcm)})
}

// SelectAgent asks the relay to switch the active conversational agent.
func (c *Channel) SelectAgent(agentID string) error {
	return c.writeJSON(agentMessage{Type: "agent", AgentID: agentID})
}

// CancelResponse asks the relay to abort the in-progress agent response.
func (c *Channel) CancelResponse() error {
	return c.writeJSON(cancelMessage{Type: "cancel"})
}

// SendAvatarOffer submits a local SDP offer for relay-mediated avatar
// negotiation.
func (c *Channel) SendAvatarOffer(sdp, agentID string, servers []ICEServer) error {
	return c.writeJSON(avatarConnectMessage{
		Type:       "avatar_connect",
		SDP:        sdp,
		AgentID:    agentID,
		ICEServers: servers,
	})
}

// SendICECandidate trickles one local ICE candidate to the relay.
func (c *Channel) SendICECandidate(cand ICECandidate) error {
	return c.writeJSON(iceCandidateMessage{Type: "ice_candidate", Candidate: cand})
}

func (c *Channel) writeJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signaling: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// Close terminates the connection. Idempotent; subsequent sends return
// [ErrClosed].
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}
