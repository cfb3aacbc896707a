package main

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/turnkeeper/internal/app"
	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/observe"
)

// defaultServeConfig is read by serve when --config is not given.
const defaultServeConfig = "turnkeeper.yaml"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Detect turns live from the microphone and serve the control API",
		Long: `Capture from the default microphone, run detection on a fixed tick and
expose session control, status, metrics and the live event stream over HTTP.

Edits to the config file are picked up while running: the log level changes
at once, detection parameters apply from the next session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				return serve(cmd.Context(), g, &listen)
			}
			return serve(cmd.Context(), g, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

func serve(parent context.Context, g *globals, listen *string) error {
	if g.configPath == "" {
		g.configPath = defaultServeConfig
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if listen != nil {
		cfg.Server.ListenAddr = *listen
	}
	log := g.newLogger(cfg.Server.LogLevel)

	log.Info("turnkeeper starting",
		"version", version,
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", string(cfg.Server.LogLevel),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(tctx); err != nil {
			log.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, app.WithLogger(log), app.WithLevel(g.level))
	if err != nil {
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	w, err := config.NewWatcher(g.configPath, application.OnConfigChange, config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher disabled", "err", err)
	} else {
		defer w.Stop()
	}

	printStartupSummary(log, cfg)
	log.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		log.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	log.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("goodbye")
	return runErr
}

// printStartupSummary logs the effective detection and sink setup.
func printStartupSummary(log *slog.Logger, cfg *config.Config) {
	d := cfg.Detection
	log.Info("detection",
		"vad", cmp.Or(d.VAD, config.DefaultVAD),
		"adaptive", d.VADAdaptive,
		"child_threshold_hz", d.ChildPitchThresholdHz,
		"response_threshold_s", d.ResponseThresholdS,
		"missed_threshold_s", d.MissedThresholdS,
	)
	s := cfg.Sinks
	log.Info("sinks",
		"log", s.Log,
		"file", s.File != nil,
		"websocket", s.WebSocket.Enabled,
		"postgres", s.Postgres != nil,
		"capture", cfg.Capture.Enabled,
	)
}
