package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrWong99/turnkeeper/internal/analysis"
	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/engine"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

type analyzeOpts struct {
	output    string
	sessionID string
	verbose   bool

	childThreshold    float64
	responseThreshold float64
	missedThreshold   float64
	vadThreshold      float64
	adaptive          bool
	sampleRate        int
}

func newAnalyzeCmd(g *globals) *cobra.Command {
	o := &analyzeOpts{}
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Run turn detection over a WAV recording",
		Long: `Run turn detection over a WAV recording and print the events and the
session summary as JSON.

The recording is down-mixed to mono and resampled to the detection rate.
Detection parameters come from --config when given; flags override them and
are clamped to the same ranges.

Examples:
  turnkeeper analyze dinner.wav
  turnkeeper analyze dinner.wav --adaptive --child-threshold 300 -o dinner.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, g, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "", "write the JSON result to `PATH` instead of stdout")
	f.StringVar(&o.sessionID, "session-id", "", "session id in the result (default: random UUID)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log the VAD result of every frame")
	f.Float64Var(&o.childThreshold, "child-threshold", 0, "child pitch threshold in Hz (default 280)")
	f.Float64Var(&o.responseThreshold, "response-threshold", 0, "response window in seconds (default 3)")
	f.Float64Var(&o.missedThreshold, "missed-threshold", 0, "silence before a missed opportunity in seconds (default 5)")
	f.Float64Var(&o.vadThreshold, "vad-threshold", 0, "fixed VAD energy threshold (default 0.02)")
	f.BoolVar(&o.adaptive, "adaptive", false, "enable the adaptive noise floor")
	f.IntVar(&o.sampleRate, "sample-rate", 0, "processing sample rate in Hz (default 16000)")
	return cmd
}

// applyFlags copies explicitly set flags over the loaded detection config.
func (o *analyzeOpts) applyFlags(cmd *cobra.Command, d *config.DetectionConfig) {
	f := cmd.Flags()
	if f.Changed("child-threshold") {
		d.ChildPitchThresholdHz = o.childThreshold
	}
	if f.Changed("response-threshold") {
		d.ResponseThresholdS = o.responseThreshold
	}
	if f.Changed("missed-threshold") {
		d.MissedThresholdS = o.missedThreshold
	}
	if f.Changed("vad-threshold") {
		d.VADThreshold = o.vadThreshold
	}
	if f.Changed("adaptive") {
		d.VADAdaptive = o.adaptive
	}
	if f.Changed("sample-rate") {
		d.SampleRate = o.sampleRate
	}
}

func (o *analyzeOpts) run(cmd *cobra.Command, g *globals, path string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if o.verbose && g.logLevel == "" {
		cfg.Server.LogLevel = config.LogDebug
	}
	log := g.newLogger(cfg.Server.LogLevel)

	o.applyFlags(cmd, &cfg.Detection)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Clamp(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		DisablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	v, err := config.NewDefaultRegistry().CreateVAD(cfg.Detection)
	if err != nil {
		return err
	}

	ecfg := cfg.Detection.Engine()
	rate := cmp.Or(ecfg.SampleRate, engine.DefaultSampleRate)
	frameMs := cmp.Or(ecfg.FrameMs, engine.DefaultFrameMs)
	src, err := audio.OpenFile(path, rate, frameMs)
	if err != nil {
		return err
	}
	orig := src.OriginalFormat()
	log.Info("analyzing",
		"file", path,
		"duration", src.Duration(),
		"file_rate", orig.SampleRate,
		"channels", orig.Channels,
		"rate", rate,
	)

	opts := analysis.Options{
		SessionID: cmp.Or(o.sessionID, uuid.NewString()),
		VAD:       v,
		Logger:    log,
	}
	if o.verbose {
		opts.OnFrame = func(f audio.AudioFrame, r vad.Result) {
			log.Debug("frame",
				"t", f.Timestamp,
				"energy", r.Energy,
				"zcr", r.ZCR,
				"threshold", r.Threshold,
				"state", r.State.String(),
			)
		}
	}

	start := time.Now()
	res, err := analysis.Analyze(ctx, src, ecfg, opts)
	if err != nil {
		return err
	}
	log.Info("analysis complete",
		"events", len(res.Events),
		"serves", res.Summary.TotalServes,
		"returns", res.Summary.TotalReturns,
		"missed", res.Summary.MissedOpportunities,
		"took", time.Since(start).Round(time.Millisecond),
	)

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	out = append(out, '\n')
	if o.output == "" {
		_, err = g.stdout.Write(out)
		return err
	}
	if err := os.WriteFile(o.output, out, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	log.Info("result written", "path", o.output)
	return nil
}
