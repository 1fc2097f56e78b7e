package avatar_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holovox/holovox/internal/avatar"
	"github.com/holovox/holovox/internal/signaling"
)

// fakeSignaler records outbound negotiation traffic.
type fakeSignaler struct {
	mu         sync.Mutex
	offers     []string
	agentIDs   []string
	candidates []signaling.ICECandidate
}

func (f *fakeSignaler) SendAvatarOffer(sdp, agentID string, servers []signaling.ICEServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	f.agentIDs = append(f.agentIDs, agentID)
	return nil
}

func (f *fakeSignaler) SendICECandidate(cand signaling.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaler) firstOffer() (sdp, agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.offers) == 0 {
		return "", ""
	}
	return f.offers[0], f.agentIDs[0]
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[avatar.State]string{
		avatar.StateIdle:        "idle",
		avatar.StateNegotiating: "negotiating",
		avatar.StateConnected:   "connected",
		avatar.StateFailed:      "failed",
		avatar.StateClosed:      "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestRelayTransport_SendsOfferWithBothMediaSections(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaler{}
	tr := avatar.NewRelayTransport("elena", sig,
		avatar.WithGatherTimeout(300*time.Millisecond),
	)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// No answer ever arrives, so negotiation fails on the deadline, but the
	// offer must already have gone out with audio and video m-lines.
	err := tr.Negotiate(ctx)
	if !errors.Is(err, avatar.ErrNegotiationFailed) {
		t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
	}
	if tr.State() != avatar.StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}

	if sig.offerCount() != 1 {
		t.Fatalf("offers sent = %d, want 1", sig.offerCount())
	}
	sdp, agentID := sig.firstOffer()
	if agentID != "elena" {
		t.Errorf("agent_id = %q, want elena", agentID)
	}
	if !strings.Contains(sdp, "m=audio") {
		t.Error("offer lacks an audio media section")
	}
	if !strings.Contains(sdp, "m=video") {
		t.Error("offer lacks a video media section")
	}
	if !strings.Contains(sdp, "recvonly") {
		t.Error("offer transceivers should be receive-only")
	}
}

func TestRelayTransport_CancelledContextAbandonsNegotiation(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaler{}
	tr := avatar.NewRelayTransport("elena", sig,
		avatar.WithGatherTimeout(300*time.Millisecond),
	)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Negotiate(ctx) }()

	// Wait for the offer to go out, then cancel mid-negotiation.
	deadline := time.Now().Add(3 * time.Second)
	for sig.offerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for offer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, avatar.ErrNegotiationFailed) {
			t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Negotiate did not return after cancellation")
	}
}

func TestRelayTransport_CloseIdempotent(t *testing.T) {
	t.Parallel()

	tr := avatar.NewRelayTransport("elena", &fakeSignaler{})
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.State() != avatar.StateClosed {
		t.Errorf("state = %v, want closed", tr.State())
	}
}

func TestRelayTransport_HandleAnswerBeforeNegotiateDoesNotBlock(t *testing.T) {
	t.Parallel()

	tr := avatar.NewRelayTransport("elena", &fakeSignaler{})
	defer tr.Close()

	// Buffered delivery: extra answers are dropped, never deadlock.
	tr.HandleAnswer("v=0 first")
	tr.HandleAnswer("v=0 second")
	tr.AddRemoteCandidate(signaling.ICECandidate{Candidate: "candidate:1"})
}

func TestDirectTransport_OfferRejectedByEndpoint(t *testing.T) {
	t.Parallel()

	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		http.Error(w, "token expired", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	tr := avatar.NewDirectTransport(signaling.VideoConnection{
		Token:    "ephemeral",
		Endpoint: srv.URL,
	}, avatar.WithDirectGatherTimeout(300*time.Millisecond))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := tr.Negotiate(ctx)
	if !errors.Is(err, avatar.ErrNegotiationFailed) {
		t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
	}
	if tr.State() != avatar.StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}
	if gotAuth != "Bearer ephemeral" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/sdp" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
}

func TestDirectTransport_MintsTokenWhenPayloadOmitsIt(t *testing.T) {
	t.Parallel()

	var sdpAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "minted"})
	})
	mux.HandleFunc("/sdp", func(w http.ResponseWriter, r *http.Request) {
		sdpAuth = r.Header.Get("Authorization")
		http.Error(w, "rejected", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	bc := avatar.NewBootstrapClient(srv.URL, "relay-token")
	tr := avatar.NewDirectTransport(signaling.VideoConnection{
		Endpoint: srv.URL + "/sdp",
	},
		avatar.WithDirectGatherTimeout(300*time.Millisecond),
		avatar.WithDirectBootstrap(bc, "elena"),
	)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// The endpoint still rejects the offer, but the exchange must carry the
	// token minted through the bootstrap API.
	if err := tr.Negotiate(ctx); !errors.Is(err, avatar.ErrNegotiationFailed) {
		t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
	}
	if sdpAuth != "Bearer minted" {
		t.Errorf("Authorization = %q, want the minted ephemeral token", sdpAuth)
	}
}

func TestDirectTransport_MissingTokenWithoutBootstrapFails(t *testing.T) {
	t.Parallel()

	tr := avatar.NewDirectTransport(signaling.VideoConnection{},
		avatar.WithDirectGatherTimeout(300*time.Millisecond),
	)
	defer tr.Close()

	if err := tr.Negotiate(context.Background()); !errors.Is(err, avatar.ErrNegotiationFailed) {
		t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
	}
	if tr.State() != avatar.StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}
}

func TestDirectTransport_EmptyAnswerFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	tr := avatar.NewDirectTransport(signaling.VideoConnection{
		Token:    "ephemeral",
		Endpoint: srv.URL,
	}, avatar.WithDirectGatherTimeout(300*time.Millisecond))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := tr.Negotiate(ctx); !errors.Is(err, avatar.ErrNegotiationFailed) {
		t.Fatalf("Negotiate = %v, want ErrNegotiationFailed", err)
	}
}
