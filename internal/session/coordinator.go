package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/holovox/holovox/internal/avatar"
	"github.com/holovox/holovox/internal/observe"
	"github.com/holovox/holovox/internal/signaling"
	"github.com/holovox/holovox/pkg/audio"
)

// SignalClient is the slice of the signaling channel the coordinator drives.
// *signaling.Channel satisfies it.
type SignalClient interface {
	Events() <-chan signaling.Event
	SendAudio(pcm []byte) error
	SelectAgent(agentID string) error
	CancelResponse() error
	SendAvatarOffer(sdp, agentID string, servers []signaling.ICEServer) error
	SendICECandidate(cand signaling.ICECandidate) error
	Err() error
	Close() error
}

// CaptureSource streams microphone frames. *capture.Encoder satisfies it.
type CaptureSource interface {
	Frames() <-chan audio.Frame
	Errs() <-chan error
	Stop() error
}

// Player renders audio chunks. *playback.Scheduler satisfies it.
type Player interface {
	Enqueue(samples []float32)
	Interrupt()
	Lead() time.Duration
	Close() error
}

// Recorder sinks a PCM16 stream for diagnostics. *audio.WAVRecorder
// satisfies it.
type Recorder interface {
	Write(pcm []byte) error
	Close() error
}

// answerReceiver is implemented by transports that take relay-forwarded
// negotiation traffic.
type answerReceiver interface {
	HandleAnswer(sdp string)
	AddRemoteCandidate(cand signaling.ICECandidate)
}

// Config holds the session parameters.
type Config struct {
	// AgentID selects the initial conversational agent. Empty keeps the
	// relay's default.
	AgentID string

	// SampleRate is the session sample rate in Hz.
	SampleRate int

	// AvatarEnabled gates avatar media negotiation. When false,
	// video_connection_ready events are ignored and audio stays on the relay.
	AvatarEnabled bool

	// NegotiationTimeout bounds one avatar negotiation attempt.
	NegotiationTimeout time.Duration

	// STUNURLs overrides the fallback STUN servers for ICE gathering.
	STUNURLs []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTranscriptFunc registers the transcript update callback.
func WithTranscriptFunc(fn func(Update)) Option {
	return func(c *Coordinator) { c.onTranscript = fn }
}

// WithVideoFunc registers a callback receiving the remote avatar video track
// once the media session delivers it.
func WithVideoFunc(fn func(*webrtc.TrackRemote)) Option {
	return func(c *Coordinator) { c.onVideo = fn }
}

// WithErrorFunc registers a callback for relay-reported errors. These are
// advisory; the session keeps running.
func WithErrorFunc(fn func(error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithTurnReporter registers a callback invoked with each completed turn.
func WithTurnReporter(fn func(Turn)) Option {
	return func(c *Coordinator) { c.turnReporter = fn }
}

// WithBootstrap supplies the REST bootstrap client used to fetch ICE relay
// credentials for avatar negotiation.
func WithBootstrap(bc *avatar.BootstrapClient) Option {
	return func(c *Coordinator) { c.bootstrap = bc }
}

// WithMetrics overrides the metrics instance. Used in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCaptureRecorder tees outbound microphone audio into a recorder.
func WithCaptureRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.captureRec = r }
}

// WithPlaybackRecorder tees played audio into a recorder.
func WithPlaybackRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.playbackRec = r }
}

// WithTransportFactory overrides avatar transport construction. Used in tests.
func WithTransportFactory(fn func(evt signaling.Event, agentID string) avatar.Transport) Option {
	return func(c *Coordinator) { c.newTransport = fn }
}

// Coordinator runs one voice session end to end: it pumps microphone frames
// to the relay, dispatches inbound events, schedules playback, and manages
// the avatar media session. Exactly one audio sink is authoritative at any
// time: relay audio until a peer media session connects, then the peer
// session until it is torn down.
//
// All inbound events are handled on a single goroutine in arrival order, so
// each handler runs to completion before the next event is looked at.
type Coordinator struct {
	id      string
	cfg     Config
	channel SignalClient
	capture CaptureSource
	player  Player

	bootstrap    *avatar.BootstrapClient
	metrics      *observe.Metrics
	newTransport func(evt signaling.Event, agentID string) avatar.Transport

	onTranscript func(Update)
	onVideo      func(*webrtc.TrackRemote)
	onError      func(error)
	turnReporter func(Turn)
	captureRec   Recorder
	playbackRec  Recorder

	mu        sync.Mutex
	agentID   string
	transport avatar.Transport
	peerAudio bool // peer media session owns the audio sink
	negCancel context.CancelFunc
	buffers   map[string]*DeltaBuffer

	done      chan struct{}
	closeOnce sync.Once
	pumpWG    sync.WaitGroup
}

// New creates a Coordinator over an established signaling channel, capture
// source, and player. Run starts the session.
func New(cfg Config, channel SignalClient, capture CaptureSource, player Player, opts ...Option) *Coordinator {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 15 * time.Second
	}
	c := &Coordinator{
		id:      uuid.NewString(),
		cfg:     cfg,
		channel: channel,
		capture: capture,
		player:  player,
		agentID: cfg.AgentID,
		buffers: make(map[string]*DeltaBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.newTransport == nil {
		c.newTransport = c.buildTransport
	}
	return c
}

// ID returns the session identifier used in logs and turn reports.
func (c *Coordinator) ID() string { return c.id }

// Run pumps the session until ctx ends, the signaling connection drops, or
// capture fails terminally. It tears the session down before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session started", "session_id", c.id, "agent_id", c.cfg.AgentID, "sample_rate", c.cfg.SampleRate)

	if c.cfg.AgentID != "" {
		if err := c.channel.SelectAgent(c.cfg.AgentID); err != nil {
			slog.Warn("session: initial agent selection failed", "agent_id", c.cfg.AgentID, "err", err)
		}
	}

	// Either loop ending means the session is over: a clean signaling close
	// must still unwind the capture pump and vice versa.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { defer cancel(); return c.pumpCapture(gctx) })
	g.Go(func() error { defer cancel(); return c.handleEvents(gctx) })
	err := g.Wait()
	c.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pumpCapture forwards microphone frames to the relay until the source or the
// context ends.
func (c *Coordinator) pumpCapture(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.capture.Errs():
			return fmt.Errorf("session: capture failed: %w", err)
		case frame, ok := <-c.capture.Frames():
			if !ok {
				return nil
			}
			if c.captureRec != nil {
				if err := c.captureRec.Write(frame.PCM); err != nil {
					slog.Warn("session: capture recording write failed", "err", err)
				}
			}
			if err := c.channel.SendAudio(frame.PCM); err != nil {
				if errors.Is(err, signaling.ErrClosed) {
					return nil
				}
				return fmt.Errorf("session: send frame: %w", err)
			}
			c.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// handleEvents dispatches inbound relay events in arrival order.
func (c *Coordinator) handleEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.channel.Events():
			if !ok {
				if err := c.channel.Err(); err != nil {
					return fmt.Errorf("session: signaling: %w", err)
				}
				return nil
			}
			c.metrics.RecordEvent(ctx, evt.Type)
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, evt signaling.Event) {
	switch evt.Type {
	case "audio":
		c.handleAudio(ctx, evt)
	case "transcription":
		c.handleTranscription(ctx, evt)
	case "agent_switched":
		c.handleAgentSwitched(evt)
	case "video_connection_ready":
		c.handleVideoReady(evt)
	case "avatar_answer", "avatar_sdp_answer":
		c.forwardAnswer(evt)
	case "remote_ice_candidate":
		c.forwardCandidate(evt)
	case "avatar_status":
		slog.Debug("session: avatar status", "message", evt.Message)
	case "error":
		err := fmt.Errorf("session: relay error: %s", evt.Message)
		slog.Error("session: relay reported error", "message", evt.Message)
		if c.onError != nil {
			c.onError(err)
		}
	default:
		slog.Debug("session: ignoring unknown event", "type", evt.Type)
	}
}

// handleAudio schedules one relay audio chunk, unless the peer media session
// currently owns the sink, in which case the chunk is discarded.
func (c *Coordinator) handleAudio(ctx context.Context, evt signaling.Event) {
	c.mu.Lock()
	drop := c.peerAudio
	c.mu.Unlock()
	if drop {
		c.metrics.ChunksDropped.Add(ctx, 1)
		return
	}

	pcm, err := audio.DecodeWire(evt.Data)
	if err != nil {
		c.metrics.DecodeErrors.Add(ctx, 1)
		slog.Warn("session: dropping malformed audio chunk", "err", err, "bytes", len(evt.Data))
		return
	}
	if len(pcm) == 0 {
		return
	}
	if c.playbackRec != nil {
		if err := c.playbackRec.Write(pcm); err != nil {
			slog.Warn("session: playback recording write failed", "err", err)
		}
	}
	c.player.Enqueue(audio.PCM16ToFloat32(audio.BytesToInt16s(pcm)))
	c.metrics.RecordChunkPlayed(ctx, "relay")
	c.metrics.QueueDelay.Record(ctx, c.player.Lead().Seconds())
}

func (c *Coordinator) handleTranscription(ctx context.Context, evt signaling.Event) {
	speaker := evt.Speaker
	if speaker == "" {
		speaker = "user"
	}

	switch evt.Status {
	case signaling.StatusListening:
		// The user started speaking again: barge in before anything else.
		if speaker == "user" {
			c.Interrupt()
		}
		c.surface(Update{Speaker: speaker, Status: StatusListening, Text: evt.Text})

	case signaling.StatusProcessing:
		if evt.Text == "" {
			c.surface(Update{Speaker: speaker, Status: StatusProcessing})
			return
		}
		c.bufferFor(speaker).Observe(evt.Text)

	case signaling.StatusComplete:
		text := c.bufferFor(speaker).Complete(evt.Text)
		c.surface(Update{Speaker: speaker, Status: StatusComplete, Text: text})
		c.metrics.RecordTurn(ctx, speaker)
		if c.turnReporter != nil {
			c.turnReporter(Turn{
				Speaker: speaker,
				AgentID: c.currentAgent(),
				Text:    text,
				EndedAt: time.Now(),
			})
		}

	default:
		slog.Debug("session: unknown transcription status", "status", evt.Status)
	}
}

// handleAgentSwitched resets per-agent state: pending transcripts are
// discarded, queued audio is flushed, and any avatar media session for the
// previous agent is torn down.
func (c *Coordinator) handleAgentSwitched(evt signaling.Event) {
	c.mu.Lock()
	c.agentID = evt.AgentID
	for _, b := range c.buffers {
		b.Reset()
	}
	tr := c.transport
	c.transport = nil
	c.peerAudio = false
	cancel := c.negCancel
	c.negCancel = nil
	c.mu.Unlock()

	c.player.Interrupt()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
	slog.Info("session: agent switched", "agent_id", evt.AgentID)
}

// handleVideoReady starts avatar media negotiation. The variant is selected
// by the payload: an embedded video_connection means the client negotiates
// directly against the media service with the ephemeral token; otherwise the
// exchange is relay-mediated. Negotiation runs off the event loop; on failure
// the session continues with relay audio.
func (c *Coordinator) handleVideoReady(evt signaling.Event) {
	tr := c.newTransport(evt, c.currentAgent())
	if tr == nil {
		slog.Debug("session: avatar disabled, ignoring video_connection_ready")
		return
	}
	variant := "relay"
	if evt.VideoConnection != nil {
		variant = "direct"
	}

	nctx, cancel := context.WithTimeout(context.Background(), c.cfg.NegotiationTimeout)

	c.mu.Lock()
	old := c.transport
	oldCancel := c.negCancel
	c.transport = tr
	c.peerAudio = false
	c.negCancel = cancel
	c.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close()
	}

	c.pumpWG.Add(1)
	go func() {
		defer c.pumpWG.Done()
		defer cancel()

		start := time.Now()
		err := tr.Negotiate(nctx)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordNegotiation(context.Background(), variant, status, time.Since(start).Seconds())

		if err != nil {
			slog.Warn("session: avatar negotiation failed, staying on relay audio",
				"variant", variant, "err", err)
			tr.Close()
			c.mu.Lock()
			if c.transport == tr {
				c.transport = nil
				c.negCancel = nil
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		current := c.transport == tr
		if current {
			c.peerAudio = true
		}
		c.mu.Unlock()
		if !current {
			tr.Close()
			return
		}

		// The peer session owns the sink now; whatever relay audio is still
		// queued belongs to the pre-avatar stream.
		c.player.Interrupt()
		slog.Info("session: avatar media active", "variant", variant, "agent_id", c.currentAgent())

		c.pumpWG.Add(2)
		go c.pumpPeerAudio(tr)
		go c.pumpVideo(tr)
	}()
}

// forwardAnswer routes a relay-forwarded SDP answer to the negotiating
// transport.
func (c *Coordinator) forwardAnswer(evt signaling.Event) {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	rt, ok := tr.(answerReceiver)
	if !ok {
		slog.Debug("session: avatar answer with no relay negotiation in progress")
		return
	}
	rt.HandleAnswer(evt.SDP)
}

func (c *Coordinator) forwardCandidate(evt signaling.Event) {
	if evt.Candidate == nil {
		return
	}
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	rt, ok := tr.(answerReceiver)
	if !ok {
		slog.Debug("session: remote candidate with no relay negotiation in progress")
		return
	}
	rt.AddRemoteCandidate(*evt.Candidate)
}

// pumpPeerAudio feeds decoded avatar speech into the player until the
// transport closes its audio channel.
func (c *Coordinator) pumpPeerAudio(tr avatar.Transport) {
	defer c.pumpWG.Done()
	for {
		select {
		case <-c.done:
			return
		case samples, ok := <-tr.Audio():
			if !ok {
				return
			}
			if c.playbackRec != nil {
				pcm := audio.Int16sToBytes(audio.Float32ToPCM16(samples))
				if err := c.playbackRec.Write(pcm); err != nil {
					slog.Warn("session: playback recording write failed", "err", err)
				}
			}
			c.player.Enqueue(samples)
			c.metrics.RecordChunkPlayed(context.Background(), "peer")
			c.metrics.QueueDelay.Record(context.Background(), c.player.Lead().Seconds())
		}
	}
}

// pumpVideo hands the remote video track to the embedding application.
func (c *Coordinator) pumpVideo(tr avatar.Transport) {
	defer c.pumpWG.Done()
	for {
		select {
		case <-c.done:
			return
		case track, ok := <-tr.Video():
			if !ok {
				return
			}
			if c.onVideo != nil {
				c.onVideo(track)
			}
		}
	}
}

// Interrupt discards queued and in-flight playback and asks the relay to
// abort the in-progress response. Playback is silenced before the cancel
// goes out.
func (c *Coordinator) Interrupt() {
	c.player.Interrupt()
	if err := c.channel.CancelResponse(); err != nil && !errors.Is(err, signaling.ErrClosed) {
		slog.Warn("session: cancel request failed", "err", err)
	}
	c.metrics.Interrupts.Add(context.Background(), 1)
}

// SwitchAgent requests a different conversational agent. Local state resets
// when the relay confirms with an agent_switched event.
func (c *Coordinator) SwitchAgent(agentID string) error {
	if err := c.channel.SelectAgent(agentID); err != nil {
		return fmt.Errorf("session: switch agent: %w", err)
	}
	return nil
}

// Close tears the whole session down: capture, signaling, playback, the
// avatar transport, and any recorders. Idempotent.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		tr := c.transport
		c.transport = nil
		cancel := c.negCancel
		c.negCancel = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if tr != nil {
			tr.Close()
		}
		c.capture.Stop()
		c.channel.Close()
		c.player.Close()
		if c.captureRec != nil {
			c.captureRec.Close()
		}
		if c.playbackRec != nil {
			c.playbackRec.Close()
		}
		c.pumpWG.Wait()
		slog.Info("session closed", "session_id", c.id)
	})
	return nil
}

func (c *Coordinator) currentAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Coordinator) bufferFor(speaker string) *DeltaBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[speaker]
	if !ok {
		b = NewDeltaBuffer(func(delta string) {
			c.surface(Update{Speaker: speaker, Status: StatusProcessing, Text: delta})
		})
		c.buffers[speaker] = b
	}
	return b
}

func (c *Coordinator) surface(u Update) {
	if c.onTranscript != nil {
		c.onTranscript(u)
	}
}

// buildTransport is the default transport factory.
func (c *Coordinator) buildTransport(evt signaling.Event, agentID string) avatar.Transport {
	if !c.cfg.AvatarEnabled {
		return nil
	}
	if evt.VideoConnection != nil {
		dopts := []avatar.DirectOption{
			avatar.WithDirectSessionRate(c.cfg.SampleRate),
			avatar.WithDirectSTUNURLs(c.cfg.STUNURLs),
			avatar.WithDirectGatherTimeout(c.cfg.NegotiationTimeout / 3),
		}
		if c.bootstrap != nil {
			dopts = append(dopts, avatar.WithDirectBootstrap(c.bootstrap, agentID))
		}
		return avatar.NewDirectTransport(*evt.VideoConnection, dopts...)
	}
	opts := []avatar.RelayOption{
		avatar.WithRelaySessionRate(c.cfg.SampleRate),
		avatar.WithRelaySTUNURLs(c.cfg.STUNURLs),
		avatar.WithGatherTimeout(c.cfg.NegotiationTimeout / 3),
	}
	if c.bootstrap != nil {
		opts = append(opts, avatar.WithBootstrap(c.bootstrap))
	}
	return avatar.NewRelayTransport(agentID, c.channel, opts...)
}
