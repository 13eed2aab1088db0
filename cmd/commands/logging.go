package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskhub/internal/config"
)

// setupLogging installs the default slog logger described by cfg. --debug
// wins over the configured level and --log-format over the configured format.
// The returned LevelVar lets a config reload adjust the level in place.
func setupLogging(cmd *cli.Command, cfg config.LogConfig) *slog.LevelVar {
	level := new(slog.LevelVar)
	applyLevel(level, cfg, cmd.Bool("debug"))

	format := cfg.Format
	if cmd.IsSet("log-format") {
		format = cmd.String("log-format")
	}
	slog.SetDefault(slog.New(newHandler(os.Stderr, format, level)))
	return level
}

func applyLevel(level *slog.LevelVar, cfg config.LogConfig, debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
		return
	}
	l, err := cfg.SlogLevel()
	if err != nil {
		slog.Warn("invalid log level, using info", "error", err)
	}
	level.Set(l)
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
