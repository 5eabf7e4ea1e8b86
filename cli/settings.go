package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petaltodo/config"
)

// AddGlobalFlags registers the flags every subcommand understands.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Path to petaltodo.yaml (default: ./petaltodo.yaml, then ~/.petaltodo/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug | info | warn | error")
	root.PersistentFlags().String("log-format", "", "Log format: json | text")
}

// loadSettings resolves configuration for cmd and applies the global flags on
// top of it.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(explicitPath)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	overrideString(cmd, "log-level", &cfg.Log.Level)
	overrideString(cmd, "log-format", &cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitError(exitConfig, "invalid config: %v", err)
	}
	return cfg, nil
}

// overrideString copies a flag onto dst when the user set it explicitly.
func overrideString(cmd *cobra.Command, name string, dst *string) {
	if !cmd.Flags().Changed(name) {
		return
	}
	if value, err := cmd.Flags().GetString(name); err == nil {
		*dst = strings.TrimSpace(value)
	}
}

func overrideInt(cmd *cobra.Command, name string, dst *int) {
	if !cmd.Flags().Changed(name) {
		return
	}
	if value, err := cmd.Flags().GetInt(name); err == nil {
		*dst = value
	}
}

func overrideInt64(cmd *cobra.Command, name string, dst *int64) {
	if !cmd.Flags().Changed(name) {
		return
	}
	if value, err := cmd.Flags().GetInt64(name); err == nil {
		*dst = value
	}
}

func overrideBool(cmd *cobra.Command, name string, dst *bool) {
	if !cmd.Flags().Changed(name) {
		return
	}
	if value, err := cmd.Flags().GetBool(name); err == nil {
		*dst = value
	}
}

func overrideDuration(cmd *cobra.Command, name string, dst *time.Duration) {
	if !cmd.Flags().Changed(name) {
		return
	}
	if value, err := cmd.Flags().GetDuration(name); err == nil {
		*dst = value
	}
}

// newLogger builds the process logger. Records are written to w, which is
// stderr in production so stdout stays free for protocol traffic.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func loggerFor(cmd *cobra.Command, cfg config.Config) (*slog.Logger, error) {
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	return logger, nil
}
