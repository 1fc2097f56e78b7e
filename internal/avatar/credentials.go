package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BootstrapClient talks to the session bootstrap REST surface: ICE relay
// credentials, ephemeral media tokens, and the per-agent voice configuration.
type BootstrapClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// BootstrapOption configures a BootstrapClient.
type BootstrapOption func(*BootstrapClient)

// WithHTTPClient overrides the HTTP client. Used in tests.
func WithHTTPClient(hc *http.Client) BootstrapOption {
	return func(c *BootstrapClient) { c.hc = hc }
}

// NewBootstrapClient creates a client for the bootstrap API at baseURL,
// authenticating with the given bearer token.
func NewBootstrapClient(baseURL, token string, opts ...BootstrapOption) *BootstrapClient {
	c := &BootstrapClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ICECredentials are short-lived TURN relay credentials. Fetch a fresh set
// for every negotiation attempt; the TTL bounds their validity.
type ICECredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// ICECredentials fetches relay credentials for an avatar connection.
func (c *BootstrapClient) ICECredentials(ctx context.Context, agentID string) (*ICECredentials, error) {
	var out ICECredentials
	if err := c.post(ctx, "/avatar/ice-credentials", map[string]string{"agent_id": agentID}, &out); err != nil {
		return nil, fmt.Errorf("avatar: fetch ice credentials: %w", err)
	}
	return &out, nil
}

// SessionToken is an ephemeral credential for connecting to the media
// service directly, bypassing the relay for the media leg.
type SessionToken struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	ExpiresAt string `json:"expires_at"`
	TokenType string `json:"token_type"`
}

// SessionToken fetches an ephemeral direct-connection token.
func (c *BootstrapClient) SessionToken(ctx context.Context, agentID string, modalities []string) (*SessionToken, error) {
	req := map[string]any{"agent_id": agentID}
	if len(modalities) > 0 {
		req["modalities"] = modalities
	}
	var out SessionToken
	if err := c.post(ctx, "/realtime/token", req, &out); err != nil {
		return nil, fmt.Errorf("avatar: fetch session token: %w", err)
	}
	return &out, nil
}

// VoiceSettings is the per-agent voice configuration.
type VoiceSettings struct {
	AgentID            string `json:"agent_id"`
	VoiceName          string `json:"voice_name"`
	Model              string `json:"model"`
	EndpointConfigured bool   `json:"endpoint_configured"`
}

// VoiceConfig fetches the voice configuration for an agent.
func (c *BootstrapClient) VoiceConfig(ctx context.Context, agentID string) (*VoiceSettings, error) {
	var out VoiceSettings
	if err := c.get(ctx, "/config/"+agentID, &out); err != nil {
		return nil, fmt.Errorf("avatar: fetch voice config: %w", err)
	}
	return &out, nil
}

func (c *BootstrapClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *BootstrapClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *BootstrapClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
