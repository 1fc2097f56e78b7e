package signaling_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/holovox/holovox/internal/signaling"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRelay launches a test WebSocket server. The handler receives the
// accepted conn. The server is closed when the test finishes.
func startRelay(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func dialTest(t *testing.T, srv *httptest.Server, token string) *signaling.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := signaling.Dial(ctx, wsURL(srv), token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestDial_SendsTokenBothWays(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	gotQuery := make(chan string, 1)
	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		gotQuery <- r.URL.Query().Get("token")
		<-conn.CloseRead(context.Background()).Done()
	})

	dialTest(t, srv, "secret-token")

	if auth := <-gotAuth; auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer secret-token")
	}
	if q := <-gotQuery; q != "secret-token" {
		t.Errorf("token query param = %q, want %q", q, "secret-token")
	}
}

func TestSendAudio_EncodesBase64(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]string, 1)
	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		var msg map[string]string
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := ch.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-received
	if msg["type"] != "audio" {
		t.Errorf("type = %q, want audio", msg["type"])
	}
	decoded, err := base64.StdEncoding.DecodeString(msg["data"])
	if err != nil {
		t.Fatalf("data is not base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("decoded payload mismatch: %v", decoded)
	}
}

func TestSelectAgentAndCancel_WireShape(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]string, 2)
	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		for range 2 {
			var msg map[string]string
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")
	if err := ch.SelectAgent("elena"); err != nil {
		t.Fatalf("SelectAgent: %v", err)
	}
	if err := ch.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	agent := <-received
	if agent["type"] != "agent" || agent["agent_id"] != "elena" {
		t.Errorf("agent message = %v", agent)
	}
	cancelMsg := <-received
	if cancelMsg["type"] != "cancel" {
		t.Errorf("cancel message = %v", cancelMsg)
	}
}

func TestSendAvatarOffer_CarriesICEServers(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")
	servers := []signaling.ICEServer{{URLs: []string{"turn:relay.example:3478"}, Username: "u", Credential: "c"}}
	if err := ch.SendAvatarOffer("v=0 fake sdp", "elena", servers); err != nil {
		t.Fatalf("SendAvatarOffer: %v", err)
	}

	msg := <-received
	if msg["type"] != "avatar_connect" {
		t.Errorf("type = %v, want avatar_connect", msg["type"])
	}
	if msg["sdp"] != "v=0 fake sdp" || msg["agent_id"] != "elena" {
		t.Errorf("offer fields = %v", msg)
	}
	if _, ok := msg["ice_servers"].([]any); !ok {
		t.Errorf("ice_servers missing or wrong shape: %v", msg["ice_servers"])
	}
}

func TestEvents_DeliveredInOrder(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]string{"type": "transcription", "speaker": "user", "status": "listening"})
		writeJSON(t, conn, map[string]string{"type": "audio", "data": base64.StdEncoding.EncodeToString([]byte{1, 0})})
		writeJSON(t, conn, map[string]string{"type": "transcription", "speaker": "assistant", "status": "complete", "text": "Hi there"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")
	wantTypes := []string{"transcription", "audio", "transcription"}
	for i, want := range wantTypes {
		select {
		case evt := <-ch.Events():
			if evt.Type != want {
				t.Fatalf("event %d type = %q, want %q", i, evt.Type, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEvents_MalformedJSONSkipped(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]string{"type": "agent_switched", "agent_id": "marcus"})
		<-conn.CloseRead(ctx).Done()
	})

	ch := dialTest(t, srv, "tok")
	select {
	case evt := <-ch.Events():
		if evt.Type != "agent_switched" || evt.AgentID != "marcus" {
			t.Fatalf("got %+v, want agent_switched/marcus", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event after malformed frame")
	}
}

func TestAuthRejection_PolicyViolationClose(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		conn.Close(websocket.StatusPolicyViolation, "Invalid token")
	})

	ch := dialTest(t, srv, "bad-token")

	// The events channel closes, and Err carries the auth classification.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				if err := ch.Err(); !errors.Is(err, signaling.ErrAuthRejected) {
					t.Fatalf("Err() = %v, want ErrAuthRejected", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for events channel to close")
		}
	}
}

func TestVideoConnectionReady_PayloadDecodes(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "video_connection_ready",
			"video_connection": map[string]any{
				"token":      "ephemeral",
				"endpoint":   "https://media.example/connect",
				"modalities": []string{"video", "text"},
			},
		})
		writeJSON(t, conn, map[string]any{"type": "video_connection_ready"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")

	evt := <-ch.Events()
	if evt.VideoConnection == nil {
		t.Fatal("first event should carry a video_connection payload")
	}
	if evt.VideoConnection.Token != "ephemeral" || evt.VideoConnection.Endpoint != "https://media.example/connect" {
		t.Errorf("payload = %+v", evt.VideoConnection)
	}

	evt = <-ch.Events()
	if evt.VideoConnection != nil {
		t.Error("second event should have a nil video_connection (legacy trigger)")
	}
}

func TestSendAfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv, "tok")
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.SendAudio([]byte{1, 0}); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("SendAudio after close = %v, want ErrClosed", err)
	}
	if err := ch.Err(); err != nil {
		t.Errorf("Err after clean close = %v, want nil", err)
	}
}
