// Package config provides the configuration schema, loader, and file watcher
// for the holovox voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Supported session sample rates in Hz.
const (
	RateNarrow  = 16000
	RateDefault = 24000
)

// Config is the root configuration structure for holovox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Client ClientConfig  `yaml:"client"`
	Relay  RelayConfig   `yaml:"relay"`
	Audio  AudioConfig   `yaml:"audio"`
	Avatar AvatarConfig  `yaml:"avatar"`
	Agents []AgentConfig `yaml:"agents"`
}

// ClientConfig holds local runtime settings.
type ClientConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// DefaultAgent selects the conversational agent at session start.
	// Empty keeps the relay's default.
	DefaultAgent string `yaml:"default_agent"`
}

// RelayConfig describes the voice relay endpoints.
type RelayConfig struct {
	// URL is the WebSocket endpoint of the voice relay
	// (e.g., "wss://relay.example.com/voice").
	URL string `yaml:"url"`

	// Token is the bearer token presented during the handshake.
	Token string `yaml:"token"`

	// APIURL is the base URL of the relay's REST API, used for ICE
	// credentials, ephemeral media tokens, and voice config probes.
	// Empty disables those calls.
	APIURL string `yaml:"api_url"`
}

// AudioConfig holds capture and playback parameters.
type AudioConfig struct {
	// SampleRate is the session sample rate in Hz. Supported values are
	// 16000 and 24000; zero means 24000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the microphone frame duration in milliseconds.
	// Zero means 20.
	FrameMs int `yaml:"frame_ms"`

	// RecordDir, when set, enables diagnostic WAV recordings of the capture
	// and playback streams in that directory.
	RecordDir string `yaml:"record_dir"`
}

// Rate returns the effective sample rate.
func (a AudioConfig) Rate() int {
	if a.SampleRate == 0 {
		return RateDefault
	}
	return a.SampleRate
}

// FrameSamples returns the number of samples per microphone frame.
func (a AudioConfig) FrameSamples() int {
	ms := a.FrameMs
	if ms == 0 {
		ms = 20
	}
	return a.Rate() * ms / 1000
}

// AvatarConfig gates and tunes the avatar media session.
type AvatarConfig struct {
	// Enabled turns avatar media negotiation on. When false,
	// video_connection_ready events from the relay are ignored.
	Enabled bool `yaml:"enabled"`

	// StunURLs overrides the fallback STUN servers used for ICE gathering
	// (e.g., "stun:stun.l.google.com:19302").
	StunURLs []string `yaml:"stun_urls"`

	// NegotiationTimeoutSeconds bounds one media negotiation attempt.
	// Zero means 15.
	NegotiationTimeoutSeconds int `yaml:"negotiation_timeout_seconds"`
}

// NegotiationTimeout returns the effective negotiation deadline.
func (a AvatarConfig) NegotiationTimeout() time.Duration {
	if a.NegotiationTimeoutSeconds == 0 {
		return 15 * time.Second
	}
	return time.Duration(a.NegotiationTimeoutSeconds) * time.Second
}

// AgentConfig is local display metadata for one conversational agent. The
// relay owns agent behaviour; this block only names what the client can
// switch to.
type AgentConfig struct {
	// ID is the agent identifier understood by the relay.
	ID string `yaml:"id"`

	// DisplayName is shown in transcripts instead of the raw ID.
	DisplayName string `yaml:"display_name"`

	// Description is free text shown when listing agents.
	Description string `yaml:"description"`
}
