package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/holovox/holovox/internal/signaling"
)

// Signaler is the slice of the signaling channel the relay-mediated
// negotiation needs. *signaling.Channel satisfies it.
type Signaler interface {
	SendAvatarOffer(sdp, agentID string, servers []signaling.ICEServer) error
	SendICECandidate(cand signaling.ICECandidate) error
}

// RelayOption configures a RelayTransport.
type RelayOption func(*RelayTransport)

// WithBootstrap supplies a credentials client. When set, fresh ICE relay
// credentials are fetched for the negotiation attempt; otherwise the default
// STUN configuration is used.
func WithBootstrap(bc *BootstrapClient) RelayOption {
	return func(t *RelayTransport) { t.bootstrap = bc }
}

// WithRelaySessionRate sets the sample rate for decoded avatar audio.
func WithRelaySessionRate(rate int) RelayOption {
	return func(t *RelayTransport) { t.sessionRate = rate }
}

// WithGatherTimeout bounds how long to wait for ICE gathering to complete.
func WithGatherTimeout(d time.Duration) RelayOption {
	return func(t *RelayTransport) { t.gatherTimeout = d }
}

// WithRelaySTUNURLs sets the fallback STUN servers.
func WithRelaySTUNURLs(urls []string) RelayOption {
	return func(t *RelayTransport) { t.stunURLs = urls }
}

// RelayTransport negotiates the avatar media session through the signaling
// relay: the offer goes out as an avatar_connect message and the coordinator
// feeds the forwarded answer and remote candidates back in via HandleAnswer
// and AddRemoteCandidate.
type RelayTransport struct {
	stateTracker

	agentID       string
	signaler      Signaler
	bootstrap     *BootstrapClient
	sessionRate   int
	gatherTimeout time.Duration
	stunURLs      []string

	sess     *mediaSession
	audioCh  chan []float32
	videoCh  chan *webrtc.TrackRemote
	answerCh chan string
	chOnce   sync.Once
}

var _ Transport = (*RelayTransport)(nil)

// NewRelayTransport creates a transport for one negotiation with the given
// agent over sig.
func NewRelayTransport(agentID string, sig Signaler, opts ...RelayOption) *RelayTransport {
	t := &RelayTransport{
		agentID:       agentID,
		signaler:      sig,
		sessionRate:   24000,
		gatherTimeout: 5 * time.Second,
		audioCh:       make(chan []float32, 32),
		videoCh:       make(chan *webrtc.TrackRemote, 1),
		answerCh:      make(chan string, 1),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Negotiate runs the relay-mediated offer/answer exchange and blocks until
// the media session is connected or ctx ends.
func (t *RelayTransport) Negotiate(ctx context.Context) error {
	t.setState(StateNegotiating)

	servers := t.iceServers(ctx)
	sess, err := newMediaSession(servers, t.sessionRate, t.audioCh, t.videoCh)
	if err != nil {
		t.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()

	// Trickle candidates discovered after the offer is sent.
	sess.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := t.signaler.SendICECandidate(fromPionCandidate(c.ToJSON())); err != nil {
			slog.Debug("avatar: trickle candidate send failed", "err", err)
		}
	})

	gatherCtx, cancel := context.WithTimeout(ctx, t.gatherTimeout)
	offer, err := sess.createOffer(gatherCtx)
	cancel()
	if err != nil {
		return t.fail(err)
	}

	if err := t.signaler.SendAvatarOffer(offer, t.agentID, toSignalingServers(servers)); err != nil {
		return t.fail(err)
	}

	var answer string
	select {
	case answer = <-t.answerCh:
	case <-ctx.Done():
		return t.fail(fmt.Errorf("waiting for answer: %w", ctx.Err()))
	}

	if err := sess.acceptAnswer(answer); err != nil {
		return t.fail(err)
	}
	if err := sess.waitConnected(ctx); err != nil {
		return t.fail(err)
	}

	t.setState(StateConnected)
	slog.Info("avatar: media session connected", "agent_id", t.agentID, "variant", "relay")
	return nil
}

func (t *RelayTransport) fail(err error) error {
	t.setState(StateFailed)
	return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
}

// iceServers fetches fresh relay credentials when a bootstrap client is
// configured, falling back to STUN on any error.
func (t *RelayTransport) iceServers(ctx context.Context) []webrtc.ICEServer {
	if t.bootstrap == nil {
		return defaultSTUNServers(t.stunURLs)
	}
	creds, err := t.bootstrap.ICECredentials(ctx, t.agentID)
	if err != nil {
		slog.Warn("avatar: ice credential fetch failed, falling back to stun", "err", err)
		return defaultSTUNServers(t.stunURLs)
	}
	return []webrtc.ICEServer{{
		URLs:       creds.URLs,
		Username:   creds.Username,
		Credential: creds.Credential,
	}}
}

// HandleAnswer delivers the relay-forwarded SDP answer. Extra answers for the
// same negotiation are ignored.
func (t *RelayTransport) HandleAnswer(sdp string) {
	select {
	case t.answerCh <- sdp:
	default:
		slog.Debug("avatar: duplicate answer ignored")
	}
}

// AddRemoteCandidate delivers a relay-forwarded remote ICE candidate.
func (t *RelayTransport) AddRemoteCandidate(cand signaling.ICECandidate) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		slog.Debug("avatar: remote candidate before negotiation, ignoring")
		return
	}
	if err := sess.addRemoteCandidate(toPionCandidate(cand)); err != nil {
		slog.Warn("avatar: remote candidate rejected", "err", err)
	}
}

// Audio returns decoded avatar speech at the session rate.
func (t *RelayTransport) Audio() <-chan []float32 { return t.audioCh }

// Video returns the remote video track handle.
func (t *RelayTransport) Video() <-chan *webrtc.TrackRemote { return t.videoCh }

// Close tears the media session down and closes the Audio and Video channels.
// Idempotent.
func (t *RelayTransport) Close() error {
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

// ── Candidate conversions ─────────────────────────────────────────────────────

func fromPionCandidate(c webrtc.ICECandidateInit) signaling.ICECandidate {
	return signaling.ICECandidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func toPionCandidate(c signaling.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func toSignalingServers(servers []webrtc.ICEServer) []signaling.ICEServer {
	out := make([]signaling.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := signaling.ICEServer{}
		for _, u := range s.URLs {
			entry.URLs = append(entry.URLs, u)
		}
		if username := s.Username; username != "" {
			entry.Username = username
		}
		if cred, ok := s.Credential.(string); ok {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out
}
