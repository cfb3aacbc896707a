package config

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/turnkeeper/internal/engine"
)

// ValidFrameMs lists the accepted frame lengths in milliseconds.
var ValidFrameMs = []int{10, 20, 30, 40, 50, 60}

// Detection ranges. Values outside are clamped, not rejected, so the engine
// always starts in a valid operating state.
const (
	MinVADThreshold = 0.001
	MaxVADThreshold = 1.0

	MinChildPitchHz = 100.0
	MaxChildPitchHz = 500.0

	MinResponseS = 0.5
	MaxResponseS = 10.0
	MinMissedS   = 1.0
	MaxMissedS   = 60.0

	MinSpeechMs   = 10
	MaxSpeechMs   = 2000
	MaxHangoverMs = 2000
	MinSegmentMs  = 1000
	MaxSegmentMs  = 60000
	MinPitchHz    = 50.0
	MaxPitchHz    = 1000.0
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated,
// clamped [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader expands ${VAR} references, decodes a YAML config from r,
// validates it and clamps out-of-range detection values.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Clamp(cfg)
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR. Unset variables expand to the empty string. A bare $VAR is
// left alone so DSN passwords containing '$' survive.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg is structurally sound.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Detection
	d := cfg.Detection
	if d.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("detection.sample_rate %d must not be negative", d.SampleRate))
	}
	if d.FrameMs != 0 && !slices.Contains(ValidFrameMs, d.FrameMs) {
		errs = append(errs, fmt.Errorf("detection.frame_ms %d is invalid; valid values: 10, 20, 30, 40, 50, 60", d.FrameMs))
	}

	// Capture
	if cfg.Capture.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.device_sample_rate %d must not be negative", cfg.Capture.DeviceSampleRate))
	}
	if cfg.Capture.BufferSeconds < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_seconds %d must not be negative", cfg.Capture.BufferSeconds))
	}

	// Sinks
	s := cfg.Sinks
	if s.File != nil && strings.TrimSpace(s.File.Path) == "" {
		errs = append(errs, errors.New("sinks.file.path is required when the file sink is configured"))
	}
	if s.Postgres != nil && strings.TrimSpace(s.Postgres.DSN) == "" {
		errs = append(errs, errors.New("sinks.postgres.dsn is empty; is TURNKEEPER_PG_DSN set?"))
	}
	if p := s.WebSocket.Path; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("sinks.websocket.path %q must start with /", p))
	}
	if s.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("sinks.queue_size %d must not be negative", s.QueueSize))
	}
	if s.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("sinks.breaker.max_failures %d must not be negative", s.Breaker.MaxFailures))
	}
	if s.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("sinks.breaker.reset_timeout %v must not be negative", s.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}

// Clamp pulls out-of-range detection values back into range, logging a
// warning per adjusted field. Zero values are left for the engine defaults.
// It returns the names of the adjusted fields.
func Clamp(cfg *Config) []string {
	d := &cfg.Detection
	var changed []string

	clampField(&changed, "detection.vad_threshold", &d.VADThreshold, MinVADThreshold, MaxVADThreshold)
	clampField(&changed, "detection.child_pitch_threshold_hz", &d.ChildPitchThresholdHz, MinChildPitchHz, MaxChildPitchHz)
	clampField(&changed, "detection.response_threshold_s", &d.ResponseThresholdS, MinResponseS, MaxResponseS)
	clampField(&changed, "detection.missed_threshold_s", &d.MissedThresholdS, MinMissedS, MaxMissedS)
	clampField(&changed, "detection.min_speech_ms", &d.MinSpeechMs, MinSpeechMs, MaxSpeechMs)
	clampField(&changed, "detection.hangover_ms", &d.HangoverMs, 0, MaxHangoverMs)
	clampField(&changed, "detection.max_segment_ms", &d.MaxSegmentMs, MinSegmentMs, MaxSegmentMs)
	clampField(&changed, "detection.pitch_min_hz", &d.PitchMinHz, MinPitchHz, MaxPitchHz)
	clampField(&changed, "detection.pitch_max_hz", &d.PitchMaxHz, MinPitchHz, MaxPitchHz)

	def := engine.DefaultConfig()

	// A missed opportunity can only follow the response window.
	resp := cmp.Or(d.ResponseThresholdS, def.ResponseThreshold.Seconds())
	if missed := cmp.Or(d.MissedThresholdS, def.MissedThreshold.Seconds()); missed < resp {
		slog.Warn("config: missed threshold below response threshold, raised",
			"field", "detection.missed_threshold_s",
			"value", missed,
			"clamped", resp,
		)
		d.MissedThresholdS = resp
		changed = append(changed, "detection.missed_threshold_s")
	}

	lo := cmp.Or(d.PitchMinHz, def.PitchMinHz)
	if hi := cmp.Or(d.PitchMaxHz, def.PitchMaxHz); hi <= lo {
		slog.Warn("config: inverted pitch range, using defaults",
			"field", "detection.pitch_max_hz",
			"min", lo,
			"max", hi,
		)
		d.PitchMinHz, d.PitchMaxHz = 0, 0
		changed = append(changed, "detection.pitch_max_hz")
	}

	return changed
}

// clampField clamps a non-zero *v into [lo, hi], appending field to changed
// when it moved.
func clampField[T int | float64](changed *[]string, field string, v *T, lo, hi T) {
	if *v == 0 {
		return
	}
	c := min(max(*v, lo), hi)
	if c == *v {
		return
	}
	slog.Warn("config: value out of range, clamped",
		"field", field,
		"value", *v,
		"min", lo,
		"max", hi,
		"clamped", c,
	)
	*v = c
	*changed = append(*changed, field)
}
