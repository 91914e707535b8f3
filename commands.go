package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/onnwee/reelrelay/crypto"
	"github.com/onnwee/reelrelay/db"
	"github.com/onnwee/reelrelay/links"
	"github.com/onnwee/reelrelay/pipeline"
	"github.com/onnwee/reelrelay/relay"
	"github.com/onnwee/reelrelay/transport"
)

// newAnalyzeCmd runs the pipeline once and prints the analysis to stdout.
func newAnalyzeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url>",
		Short: "Analyze a single video URL and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			url := args[0]
			if link, ok := links.Classify(url); ok {
				url = link.URL
			} else {
				slog.Warn("url is not a recognised TikTok/Instagram link, analyzing anyway", slog.String("url", url))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.AnalysisTimeout)
			defer cancel()

			ws, err := pipeline.NewWorkspace(cfg.WorkDir, cfg.KeepWorkDirs)
			if err != nil {
				return err
			}
			id := uuid.NewString()
			wd, err := ws.Acquire(id)
			if err != nil {
				return err
			}
			defer func() {
				if err := ws.Release(wd); err != nil {
					slog.Warn("failed to remove work dir", slog.String("dir", wd.Root), slog.Any("err", err))
				}
			}()

			p := pipeline.New(pipeline.OptionsFromConfig(cfg), nil)
			out, err := p.Analyze(ctx, pipeline.Request{TaskID: id, URL: url, Dir: wd})
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), relay.Truncate(out, cfg.MaxReplyChars))
			return err
		},
	}
}

// newSendCmd starts signal-cli, writes one send request and prints whatever
// the daemon answers until it exits.
func newSendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Send one message through signal-cli",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			proc, err := transport.Start(ctx, transport.Config{
				Path:      cfg.SignalCLIPath,
				Args:      cfg.SignalCLIArgs(),
				WaitDelay: transportWaitKill,
			})
			if err != nil {
				return fmt.Errorf("start signal-cli: %w", err)
			}

			outbox := relay.NewOutbox(proc.Stdin(), 1, nil)
			runCtx, stopOutbox := context.WithCancel(ctx)
			if err := outbox.Enqueue(ctx, args[0], relay.Truncate(args[1], cfg.MaxReplyChars)); err != nil {
				stopOutbox()
				return err
			}
			// Run drains the queued request once its context is done.
			stopOutbox()
			if err := outbox.Run(runCtx); err != nil {
				return err
			}
			if err := proc.Close(); err != nil {
				slog.Warn("failed to close transport stdin", slog.Any("err", err))
			}

			if _, err := io.Copy(cmd.OutOrStdout(), proc.Stdout()); err != nil && !errors.Is(err, os.ErrClosed) {
				slog.Warn("failed to read transport output", slog.Any("err", err))
			}
			return proc.Wait()
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply analysis history migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.DBDsn == "" {
				return errors.New("DB_DSN is not set")
			}
			database, err := db.Connect(cmd.Context(), cfg.DBDsn)
			if err != nil {
				return err
			}
			defer func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()

			if down {
				if err := db.MigrateDown(database); err != nil {
					return err
				}
			} else if err := db.Migrate(cmd.Context(), database); err != nil {
				return err
			}
			v, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			slog.Info("migrations complete", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty), slog.Bool("down", down))
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func newHistoryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the analysis history",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reveal <task-id>",
		Short: "Print the source number of a pseudonymized analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.DBDsn == "" {
				return errors.New("DB_DSN is not set")
			}
			if cfg.HistorySourceKey == "" {
				return errors.New("HISTORY_SOURCE_KEY is not set")
			}
			kr, err := crypto.NewKeyring(cfg.HistorySourceKey)
			if err != nil {
				return fmt.Errorf("HISTORY_SOURCE_KEY: %w", err)
			}
			database, err := db.Connect(cmd.Context(), cfg.DBDsn)
			if err != nil {
				return err
			}
			defer func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()

			source, err := db.NewHistoryStore(database, kr).RevealSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			slog.Info("history source revealed", slog.String("task_id", args[0]))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), source)
			return err
		},
	})
	return cmd
}
