package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"layeh.com/gopus"

	"github.com/holovox/holovox/pkg/audio"
)

// WebRTC audio arrives as 48 kHz Opus; 960 samples per channel is the 20 ms
// frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = 960
)

// mediaSession owns the pion peer connection and the inbound track pumps.
// It is shared by both negotiation variants; they differ only in how the
// offer/answer exchange travels.
type mediaSession struct {
	pc          *webrtc.PeerConnection
	sessionRate int

	audioCh chan []float32
	videoCh chan *webrtc.TrackRemote

	connected chan struct{}
	failed    chan struct{}

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit // remote candidates seen before the answer
	hasRemote bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	connOnce  sync.Once
	failOnce  sync.Once
}

// newMediaSession builds a peer connection with one recvonly audio and one
// recvonly video transceiver. Both m-lines are always present so the offer
// shape does not depend on what the remote ends up sending.
func newMediaSession(servers []webrtc.ICEServer, sessionRate int, audioCh chan []float32, videoCh chan *webrtc.TrackRemote) (*mediaSession, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("avatar: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("avatar: create peer connection: %w", err)
	}

	s := &mediaSession{
		pc:          pc,
		sessionRate: sessionRate,
		audioCh:     audioCh,
		videoCh:     videoCh,
		connected:   make(chan struct{}),
		failed:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("avatar: add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.wg.Add(1)
			go s.pumpAudio(track)
		case webrtc.RTPCodecTypeVideo:
			slog.Info("avatar: remote video track", "codec", track.Codec().MimeType)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case s.videoCh <- track:
				case <-s.done:
				}
			}()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("avatar: connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.connOnce.Do(func() { close(s.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.failOnce.Do(func() { close(s.failed) })
		}
	})

	return s, nil
}

// createOffer produces the local SDP with ICE candidates gathered in. It
// waits for the gathering-complete event bounded by ctx rather than sleeping
// a fixed interval.
func (s *mediaSession) createOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("avatar: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("avatar: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		// Trickle whatever was gathered so far; the SDP is still usable.
		slog.Warn("avatar: ice gathering incomplete, proceeding with partial candidates")
	}
	local := s.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("avatar: no local description after gathering")
	}
	return local.SDP, nil
}

// acceptAnswer applies the remote answer and flushes candidates that arrived
// before it.
func (s *mediaSession) acceptAnswer(sdp string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("avatar: set remote description: %w", err)
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.hasRemote = true
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			slog.Warn("avatar: buffered ice candidate rejected", "err", err)
		}
	}
	return nil
}

// addRemoteCandidate applies a trickled candidate, buffering it when the
// remote description has not been applied yet.
func (s *mediaSession) addRemoteCandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.hasRemote {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("avatar: add ice candidate: %w", err)
	}
	return nil
}

// waitConnected blocks until ICE connects, the connection fails, or ctx ends.
func (s *mediaSession) waitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-s.failed:
		return fmt.Errorf("avatar: peer connection failed")
	case <-ctx.Done():
		return fmt.Errorf("avatar: connect wait: %w", ctx.Err())
	}
}

// pumpAudio decodes the remote Opus audio track down to normalized mono
// samples at the session rate. Decode failures drop the packet and keep the
// stream alive.
func (s *mediaSession) pumpAudio(track *webrtc.TrackRemote) {
	defer s.wg.Done()

	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		slog.Error("avatar: create opus decoder", "err", err)
		return
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("avatar: audio track read ended", "err", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(pkt.Payload, opusFrameSize, false)
		if err != nil {
			slog.Debug("avatar: opus decode failed, dropping packet", "err", err)
			continue
		}

		mono := audio.StereoToMono(pcm)
		resampled := audio.ResampleMono(mono, opusSampleRate, s.sessionRate)
		samples := audio.PCM16ToFloat32(resampled)

		select {
		case s.audioCh <- samples:
		case <-s.done:
			return
		default:
			// Consumer lagging; drop rather than stall the RTP reader.
		}
	}
}

// close tears the session down. Idempotent.
func (s *mediaSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pc.Close()
		s.wg.Wait()
	})
	return err
}
