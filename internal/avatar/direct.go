package avatar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/holovox/holovox/internal/signaling"
)

// DirectOption configures a DirectTransport.
type DirectOption func(*DirectTransport)

// WithDirectSessionRate sets the sample rate for decoded avatar audio.
func WithDirectSessionRate(rate int) DirectOption {
	return func(t *DirectTransport) { t.sessionRate = rate }
}

// WithDirectGatherTimeout bounds how long to wait for ICE gathering.
func WithDirectGatherTimeout(d time.Duration) DirectOption {
	return func(t *DirectTransport) { t.gatherTimeout = d }
}

// WithDirectHTTPClient overrides the HTTP client. Used in tests.
func WithDirectHTTPClient(hc *http.Client) DirectOption {
	return func(t *DirectTransport) { t.hc = hc }
}

// WithDirectSTUNURLs sets the STUN servers used for gathering.
func WithDirectSTUNURLs(urls []string) DirectOption {
	return func(t *DirectTransport) { t.stunURLs = urls }
}

// WithDirectBootstrap lets the transport mint an ephemeral session token for
// agentID when the video_connection payload omits one.
func WithDirectBootstrap(bc *BootstrapClient, agentID string) DirectOption {
	return func(t *DirectTransport) {
		t.bootstrap = bc
		t.agentID = agentID
	}
}

// DirectTransport negotiates against the media service itself: the local
// offer is submitted to the bootstrap endpoint carried in the
// video_connection_ready payload and the answer comes back in the same HTTP
// exchange, bypassing the relay entirely.
type DirectTransport struct {
	stateTracker

	conn          signaling.VideoConnection
	sessionRate   int
	gatherTimeout time.Duration
	stunURLs      []string
	hc            *http.Client
	bootstrap     *BootstrapClient
	agentID       string

	sess    *mediaSession
	audioCh chan []float32
	videoCh chan *webrtc.TrackRemote
	chOnce  sync.Once
}

var _ Transport = (*DirectTransport)(nil)

// NewDirectTransport creates a transport bound to the ephemeral token and
// endpoint from a video_connection_ready payload.
func NewDirectTransport(conn signaling.VideoConnection, opts ...DirectOption) *DirectTransport {
	t := &DirectTransport{
		conn:          conn,
		sessionRate:   24000,
		gatherTimeout: 5 * time.Second,
		hc:            &http.Client{Timeout: 15 * time.Second},
		audioCh:       make(chan []float32, 32),
		videoCh:       make(chan *webrtc.TrackRemote, 1),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Negotiate runs the token-authorized offer/answer exchange and blocks until
// the media session is connected or ctx ends.
func (t *DirectTransport) Negotiate(ctx context.Context) error {
	t.setState(StateNegotiating)

	if err := t.resolveConnection(ctx); err != nil {
		return t.fail(err)
	}

	sess, err := newMediaSession(defaultSTUNServers(t.stunURLs), t.sessionRate, t.audioCh, t.videoCh)
	if err != nil {
		t.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()

	gatherCtx, cancel := context.WithTimeout(ctx, t.gatherTimeout)
	offer, err := sess.createOffer(gatherCtx)
	cancel()
	if err != nil {
		return t.fail(err)
	}

	answer, err := t.exchange(ctx, offer)
	if err != nil {
		return t.fail(err)
	}
	if err := sess.acceptAnswer(answer); err != nil {
		return t.fail(err)
	}
	if err := sess.waitConnected(ctx); err != nil {
		return t.fail(err)
	}

	t.setState(StateConnected)
	slog.Info("avatar: media session connected", "endpoint", t.conn.Endpoint, "variant", "direct")
	return nil
}

func (t *DirectTransport) fail(err error) error {
	t.setState(StateFailed)
	return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
}

// resolveConnection fills in credential fields the video_connection_ready
// payload left empty by minting an ephemeral token through the bootstrap API.
func (t *DirectTransport) resolveConnection(ctx context.Context) error {
	if t.conn.Token != "" && t.conn.Endpoint != "" {
		return nil
	}
	if t.bootstrap == nil {
		return fmt.Errorf("video_connection missing token or endpoint and no bootstrap client configured")
	}
	st, err := t.bootstrap.SessionToken(ctx, t.agentID, t.conn.Modalities)
	if err != nil {
		return err
	}
	if t.conn.Token == "" {
		t.conn.Token = st.Token
	}
	if t.conn.Endpoint == "" {
		t.conn.Endpoint = st.Endpoint
	}
	slog.Debug("avatar: minted ephemeral session token", "agent_id", t.agentID, "endpoint", t.conn.Endpoint)
	return nil
}

// exchange POSTs the offer SDP to the token endpoint and reads the answer
// SDP from the response body.
func (t *DirectTransport) exchange(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.conn.Endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("build offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+t.conn.Token)

	resp, err := t.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("offer rejected: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body[:min(len(body), 256)])))
	}
	answer := strings.TrimSpace(string(body))
	if answer == "" {
		return "", fmt.Errorf("empty answer from %s", t.conn.Endpoint)
	}
	return answer, nil
}

// Audio returns decoded avatar speech at the session rate.
func (t *DirectTransport) Audio() <-chan []float32 { return t.audioCh }

// Video returns the remote video track handle.
func (t *DirectTransport) Video() <-chan *webrtc.TrackRemote { return t.videoCh }

// Close tears the media session down and closes the Audio and Video channels.
// Idempotent.
func (t *DirectTransport) Close() error {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.state = StateClosed
	t.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.close()
	}
	// The media session has no writers left at this point.
	t.chOnce.Do(func() {
		close(t.audioCh)
		close(t.videoCh)
	})
	return err
}
