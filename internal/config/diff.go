package config

import (
	"reflect"
	"strings"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectionChanged means the detection block differs. The new values
	// take effect at the next session start.
	DetectionChanged bool

	// DetectionFields lists the yaml names of the changed detection keys.
	DetectionFields []string

	// RestartRequired lists top-level sections that changed but are only
	// read at startup (server address, capture, sinks, telemetry).
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DetectionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Detection, field by field.
	ov := reflect.ValueOf(old.Detection)
	nv := reflect.ValueOf(new.Detection)
	t := ov.Type()
	for i := range t.NumField() {
		if ov.Field(i).Interface() != nv.Field(i).Interface() {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
			d.DetectionFields = append(d.DetectionFields, name)
		}
	}
	d.DetectionChanged = len(d.DetectionFields) > 0

	// Startup-only sections.
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
