// Command holovox is a terminal client for the holovox voice relay: it
// streams microphone audio up, plays synthesized speech back, prints live
// transcripts, and optionally brings up the avatar video session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holovox/holovox/internal/avatar"
	"github.com/holovox/holovox/internal/config"
	"github.com/holovox/holovox/internal/observe"
	"github.com/holovox/holovox/internal/session"
	"github.com/holovox/holovox/internal/signaling"
	"github.com/holovox/holovox/pkg/audio"
	"github.com/holovox/holovox/pkg/audio/capture"
	"github.com/holovox/holovox/pkg/audio/playback"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "holovox.yaml", "path to the YAML configuration file")
	agentFlag := flag.String("agent", "", "agent to talk to (overrides client.default_agent)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "holovox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "holovox: %v\n", err)
		}
		return 1
	}
	agentID := cfg.Client.DefaultAgent
	if *agentFlag != "" {
		agentID = *agentFlag
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Client.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("holovox starting",
		"version", version,
		"config", *configPath,
		"relay", cfg.Relay.URL,
		"agent", agentID,
		"log_level", cfg.Client.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "holovox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics provider shutdown error", "err", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Client.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Client.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		slog.Info("metrics endpoint listening", "addr", cfg.Client.MetricsAddr)
	}

	// ── Config hot reload (log level only mid-session) ────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Audio device ──────────────────────────────────────────────────────────
	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialise audio subsystem", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio subsystem terminate error", "err", err)
		}
	}()

	// ── Bootstrap probe ───────────────────────────────────────────────────────
	var bootstrap *avatar.BootstrapClient
	if cfg.Relay.APIURL != "" {
		bootstrap = avatar.NewBootstrapClient(cfg.Relay.APIURL, cfg.Relay.Token)
		if agentID != "" {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			vc, err := bootstrap.VoiceConfig(probeCtx, agentID)
			cancel()
			if err != nil {
				slog.Warn("voice config probe failed", "agent", agentID, "err", err)
			} else {
				slog.Info("agent voice config",
					"agent", vc.AgentID,
					"voice", vc.VoiceName,
					"model", vc.Model,
					"endpoint_configured", vc.EndpointConfigured,
				)
			}
		}
	}

	printStartupSummary(cfg, agentID)

	// ── Session wiring ────────────────────────────────────────────────────────
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	channel, err := signaling.Dial(dialCtx, cfg.Relay.URL, cfg.Relay.Token)
	cancel()
	if err != nil {
		if errors.Is(err, signaling.ErrAuthRejected) {
			slog.Error("relay rejected the token; check relay.token", "err", err)
		} else {
			slog.Error("failed to connect to relay", "err", err)
		}
		return 1
	}

	mic := capture.NewEncoder(capture.Config{
		SampleRate:   cfg.Audio.Rate(),
		FrameSamples: cfg.Audio.FrameSamples(),
	})
	if err := mic.Start(); err != nil {
		slog.Error("failed to open microphone", "err", err)
		channel.Close()
		return 1
	}

	sink, err := playback.NewDeviceSink(cfg.Audio.Rate())
	if err != nil {
		slog.Error("failed to open output device", "err", err)
		mic.Stop()
		channel.Close()
		return 1
	}
	player := playback.NewScheduler(sink, cfg.Audio.Rate())

	opts := []session.Option{
		session.WithTranscriptFunc(transcriptPrinter(cfg)),
		session.WithErrorFunc(func(err error) {
			fmt.Fprintf(os.Stderr, "\n[relay] %v\n", err)
		}),
	}
	if bootstrap != nil {
		opts = append(opts, session.WithBootstrap(bootstrap))
	}
	if cfg.Audio.RecordDir != "" {
		opts = append(opts, recordingOptions(cfg)...)
	}

	coord := session.New(session.Config{
		AgentID:            agentID,
		SampleRate:         cfg.Audio.Rate(),
		AvatarEnabled:      cfg.Avatar.Enabled,
		NegotiationTimeout: cfg.Avatar.NegotiationTimeout(),
		STUNURLs:           cfg.Avatar.StunURLs,
	}, channel, mic, player, opts...)

	slog.Info("session ready — press Ctrl+C to hang up", "session_id", coord.ID())

	runErr := coord.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	coord.Close()
	sink.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
		cancel()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("session error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// transcriptPrinter renders transcript updates on stdout. Deltas stream onto
// one line; a completed turn ends it.
func transcriptPrinter(cfg *config.Config) func(session.Update) {
	inTurn := map[string]bool{}
	return func(u session.Update) {
		name := cfg.AgentName(u.Speaker)
		switch u.Status {
		case session.StatusListening:
			fmt.Printf("\n[%s is speaking]\n", name)
		case session.StatusProcessing:
			if u.Text == "" {
				return
			}
			if !inTurn[u.Speaker] {
				fmt.Printf("%s: ", name)
				inTurn[u.Speaker] = true
			}
			fmt.Print(u.Text)
		case session.StatusComplete:
			if inTurn[u.Speaker] {
				fmt.Println()
				inTurn[u.Speaker] = false
			} else if u.Text != "" {
				fmt.Printf("%s: %s\n", name, u.Text)
			}
		}
	}
}

// recordingOptions builds WAV recorder options for the configured directory.
// A recorder that cannot be created is skipped with a warning.
func recordingOptions(cfg *config.Config) []session.Option {
	var opts []session.Option
	stamp := time.Now().Format("20060102-150405")

	capPath := filepath.Join(cfg.Audio.RecordDir, "capture-"+stamp+".wav")
	if rec, err := audio.NewWAVRecorder(capPath, cfg.Audio.Rate()); err != nil {
		slog.Warn("capture recording disabled", "path", capPath, "err", err)
	} else {
		opts = append(opts, session.WithCaptureRecorder(rec))
		slog.Info("recording capture stream", "path", capPath)
	}

	playPath := filepath.Join(cfg.Audio.RecordDir, "playback-"+stamp+".wav")
	if rec, err := audio.NewWAVRecorder(playPath, cfg.Audio.Rate()); err != nil {
		slog.Warn("playback recording disabled", "path", playPath, "err", err)
	} else {
		opts = append(opts, session.WithPlaybackRecorder(rec))
		slog.Info("recording playback stream", "path", playPath)
	}
	return opts
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, agentID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         holovox — session setup       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Relay", cfg.Relay.URL)
	printField("Agent", orDefault(cfg.AgentName(agentID), "(relay default)"))
	printField("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.Rate()))
	printField("Frame", fmt.Sprintf("%d ms", cfg.Audio.FrameSamples()*1000/cfg.Audio.Rate()))
	if cfg.Avatar.Enabled {
		printField("Avatar", "enabled")
	} else {
		printField("Avatar", "(disabled)")
	}
	if cfg.Audio.RecordDir != "" {
		printField("Recording", cfg.Audio.RecordDir)
	}
	if cfg.Client.MetricsAddr != "" {
		printField("Metrics", cfg.Client.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
