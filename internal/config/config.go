// Package config provides the configuration schema, loader and watcher for
// the turnkeeper service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/turnkeeper/internal/engine"
)

// LogLevel controls log verbosity for the turnkeeper server.
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

// Slog returns the matching slog level. Empty and unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for turnkeeper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detection DetectionConfig `yaml:"detection"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control surface listens on
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DetectionConfig holds the turn-detection parameters. They are fixed for the
// lifetime of a session; edits take effect at the next session start.
// Zero values take the engine defaults.
type DetectionConfig struct {
	// VAD selects the registered voice activity detector. Default: "energy".
	VAD string `yaml:"vad"`

	// SampleRate is the processing sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the frame length. One of 10, 20, 30, 40, 50 or 60.
	FrameMs int `yaml:"frame_ms"`

	// VADThreshold is the fixed energy threshold, clamped to [0.001, 1.0].
	VADThreshold float64 `yaml:"vad_threshold"`

	// VADAdaptive enables the adaptive noise floor.
	VADAdaptive bool `yaml:"vad_adaptive"`

	ChildPitchThresholdHz float64 `yaml:"child_pitch_threshold_hz"`
	ResponseThresholdS    float64 `yaml:"response_threshold_s"`
	MissedThresholdS      float64 `yaml:"missed_threshold_s"`
	MinSpeechMs           int     `yaml:"min_speech_ms"`
	HangoverMs            int     `yaml:"hangover_ms"`

	// MaxSegmentMs bounds the samples kept per speech segment.
	MaxSegmentMs int `yaml:"max_segment_ms"`

	PitchMinHz float64 `yaml:"pitch_min_hz"`
	PitchMaxHz float64 `yaml:"pitch_max_hz"`
}

// Engine converts d into engine parameters. Zero fields stay zero so the
// engine fills in its defaults.
func (d DetectionConfig) Engine() engine.Config {
	return engine.Config{
		SampleRate:            d.SampleRate,
		FrameMs:               d.FrameMs,
		VADThreshold:          d.VADThreshold,
		VADAdaptive:           d.VADAdaptive,
		MinSpeech:             time.Duration(d.MinSpeechMs) * time.Millisecond,
		Hangover:              time.Duration(d.HangoverMs) * time.Millisecond,
		MaxSegment:            time.Duration(d.MaxSegmentMs) * time.Millisecond,
		PitchMinHz:            d.PitchMinHz,
		PitchMaxHz:            d.PitchMaxHz,
		ChildPitchThresholdHz: d.ChildPitchThresholdHz,
		ResponseThreshold:     seconds(d.ResponseThresholdS),
		MissedThreshold:       seconds(d.MissedThresholdS),
	}
}

// CaptureConfig configures live microphone capture for the serve command.
type CaptureConfig struct {
	// Enabled starts capturing from the default input device.
	Enabled bool `yaml:"enabled"`

	// DeviceSampleRate is the rate requested from the device. Audio is
	// resampled to detection.sample_rate. Default: detection.sample_rate.
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// BufferSeconds sizes the capture ring buffer. Default: 10.
	BufferSeconds int `yaml:"buffer_seconds"`
}

// SinksConfig selects where conversation events are delivered.
type SinksConfig struct {
	// Log writes every event to the structured log.
	Log bool `yaml:"log"`

	// File appends events as JSON lines. Nil disables the file sink.
	File *FileSinkConfig `yaml:"file"`

	WebSocket WebSocketSinkConfig `yaml:"websocket"`

	// Postgres persists sessions and events. Nil disables it.
	Postgres *PostgresSinkConfig `yaml:"postgres"`

	Breaker BreakerConfig `yaml:"breaker"`

	// QueueSize bounds the asynchronous delivery queue of slow sinks.
	// Default: 64.
	QueueSize int `yaml:"queue_size"`
}

// FileSinkConfig configures the JSON lines sink.
type FileSinkConfig struct {
	Path string `yaml:"path"`
}

// WebSocketSinkConfig configures the live event stream.
type WebSocketSinkConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP route of the stream. Default: "/events".
	Path string `yaml:"path"`

	// OriginPatterns lists extra origins allowed to connect.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// PostgresSinkConfig configures session persistence.
type PostgresSinkConfig struct {
	// DSN is the PostgreSQL connection string, usually "${TURNKEEPER_PG_DSN}".
	DSN string `yaml:"dsn"`

	// Spool is an optional JSON lines file that receives events while the
	// database is unreachable.
	Spool string `yaml:"spool"`
}

// BreakerConfig tunes the circuit breakers guarding external sinks.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
