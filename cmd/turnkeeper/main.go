// Command turnkeeper detects conversational turns between a child and an
// adult, either offline over a WAV recording or live from the microphone.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/turnkeeper/internal/config"
)

// version is stamped by the release build with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// A missing .env file is normal.
	_ = godotenv.Load()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "turnkeeper: %v\n", err)
		return 1
	}
	return 0
}

// globals carries the persistent flags and the process-wide log level shared
// by every subcommand.
type globals struct {
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
	level  *slog.LevelVar
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr, level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:   "turnkeeper",
		Short: "Detect conversational turns in child-adult audio",
		Long: `turnkeeper finds conversational turns from signal-level features only:
child speech ("serve"), timely adult answers ("return") and unanswered child
speech ("missed opportunity"). No speech recognition is performed and no audio
is stored.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to the YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "override server.log_level (debug|info|warn|error)")

	root.AddCommand(newAnalyzeCmd(g), newServeCmd(g))
	return root
}

// loadConfig reads --config when set and applies --log-level. Without a
// config file every value takes its default.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if g.configPath != "" {
		c, err := config.Load(g.configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", g.configPath)
			}
			return nil, err
		}
		cfg = c
	}
	if g.logLevel != "" {
		lvl := config.LogLevel(g.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("invalid --log-level %q", g.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, nil
}

// newLogger installs a text handler on stderr whose level can be changed at
// runtime through g.level.
func (g *globals) newLogger(level config.LogLevel) *slog.Logger {
	g.level.Set(level.Slog())
	logger := slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: g.level}))
	slog.SetDefault(logger)
	return logger
}
