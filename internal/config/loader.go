package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Client
	if cfg.Client.LogLevel != "" && !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}

	// Relay
	if cfg.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	} else if u, err := url.Parse(cfg.Relay.URL); err != nil {
		errs = append(errs, fmt.Errorf("relay.url %q is not a valid URL: %v", cfg.Relay.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("relay.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Relay.Token == "" {
		slog.Warn("relay.token is empty; the relay will likely reject the connection")
	}
	if cfg.Relay.APIURL != "" {
		if u, err := url.Parse(cfg.Relay.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("relay.api_url %q is not a valid http(s) URL", cfg.Relay.APIURL))
		}
	}

	// Audio
	switch cfg.Audio.SampleRate {
	case 0, RateNarrow, RateDefault:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: %d, %d", cfg.Audio.SampleRate, RateNarrow, RateDefault))
	}
	if cfg.Audio.FrameMs != 0 && (cfg.Audio.FrameMs < 10 || cfg.Audio.FrameMs > 100) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 100]", cfg.Audio.FrameMs))
	}

	// Avatar
	if cfg.Avatar.NegotiationTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("avatar.negotiation_timeout_seconds %d must not be negative", cfg.Avatar.NegotiationTimeoutSeconds))
	}
	for i, u := range cfg.Avatar.StunURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("avatar.stun_urls[%d] %q must use a stun:, stuns:, turn:, or turns: scheme", i, u))
		}
	}
	if cfg.Avatar.Enabled && cfg.Relay.APIURL == "" {
		slog.Warn("avatar.enabled is set but relay.api_url is empty; relay-mediated negotiation will fall back to public STUN")
	}

	// Agents
	idsSeen := make(map[string]int, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := idsSeen[agent.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, agent.ID, prev))
		}
		idsSeen[agent.ID] = i
	}
	if cfg.Client.DefaultAgent != "" && len(cfg.Agents) > 0 {
		if _, ok := idsSeen[cfg.Client.DefaultAgent]; !ok {
			slog.Warn("client.default_agent is not in the agents list; the relay may still accept it",
				"default_agent", cfg.Client.DefaultAgent,
			)
		}
	}

	return errors.Join(errs...)
}

// AgentName returns the display name for id, falling back to the raw ID when
// no agents block names it.
func (c *Config) AgentName(id string) string {
	for _, a := range c.Agents {
		if a.ID == id && a.DisplayName != "" {
			return a.DisplayName
		}
	}
	return id
}
