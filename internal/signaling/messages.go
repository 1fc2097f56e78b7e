package signaling

// Outbound message shapes. Each message is a JSON object discriminated by a
// "type" field.

type audioMessage struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded PCM16
}

type agentMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type cancelMessage struct {
	Type string `json:"type"`
}

type avatarConnectMessage struct {
	Type       string      `json:"type"`
	SDP        string      `json:"sdp"`
	AgentID    string      `json:"agent_id"`
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

type iceCandidateMessage struct {
	Type      string       `json:"type"`
	Candidate ICECandidate `json:"candidate"`
}

// ICEServer describes one STUN/TURN entry forwarded with an avatar offer so
// the relay can mirror the client's ICE configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICECandidate carries one trickled ICE candidate in the browser JSON shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// VideoConnection is the direct-connection bootstrap payload delivered inside
// a video_connection_ready event. Its presence selects the direct negotiation
// variant; its absence means the relay-mediated variant should begin.
type VideoConnection struct {
	Token      string   `json:"token"`
	Endpoint   string   `json:"endpoint"`
	Modalities []string `json:"modalities,omitempty"`
}

// Transcription status values.
const (
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
)

// Event is one inbound relay message. A single struct covers all event types;
// unused fields are zero. Consumers switch on Type.
type Event struct {
	Type string `json:"type"`

	// audio
	Data   string `json:"data,omitempty"`
	Format string `json:"format,omitempty"`

	// transcription
	Speaker string `json:"speaker,omitempty"`
	Status  string `json:"status,omitempty"`
	Text    string `json:"text,omitempty"`

	// agent_switched (also set on avatar events for routing)
	AgentID string `json:"agent_id,omitempty"`

	// avatar_answer / avatar_sdp_answer
	SDP string `json:"sdp,omitempty"`

	// remote_ice_candidate
	Candidate *ICECandidate `json:"candidate,omitempty"`

	// video_connection_ready; nil selects relay-mediated negotiation
	VideoConnection *VideoConnection `json:"video_connection,omitempty"`

	// error / avatar_status
	Message string `json:"message,omitempty"`
}
