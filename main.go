// Command reelrelay is the Signal video-analysis relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Starts signal-cli in JSON-RPC mode and reads its event stream.
//   - Analyzes every TikTok/Instagram link through yt-dlp, ffmpeg and opencode,
//     with a bounded number of analyses in flight.
//   - Writes one reply per link through a single serialized writer.
//   - Optionally records history in Postgres and serves /healthz, /status,
//     /metrics on HTTP_ADDR.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/reelrelay/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "reelrelay",
		Short:         "Reply to Signal messages containing TikTok/Instagram links with a video analysis",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $RELAY_CONFIG)")

	root.AddCommand(
		newRunCmd(&configPath),
		newAnalyzeCmd(&configPath),
		newSendCmd(&configPath),
		newMigrateCmd(&configPath),
		newHistoryCmd(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Defaults: level=info, format=text.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		unknown = true
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	if unknown {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}
