package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger := newLogger(tt.level, "json")
		if !logger.Enabled(context.Background(), tt.want) {
			t.Errorf("level %q: %v not enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
			t.Errorf("level %q: %v should be disabled", tt.level, tt.want-4)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"analyze"}, {"send"}, {"migrate"}, {"history", "reveal"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("subcommand %v not registered (err=%v)", path, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}

func TestAnalyzeRequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"analyze"})
	if err := root.Execute(); err == nil {
		t.Error("analyze without url should fail")
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("RELAY_CONFIG", "")
	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	if err := root.Execute(); err == nil {
		t.Error("migrate without DB_DSN should fail")
	}
}

func TestHistoryRevealRequiresSettings(t *testing.T) {
	tests := []struct {
		name, dsn, key, want string
	}{
		{"no dsn", "", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "DB_DSN"},
		{"no key", "postgres://localhost/none", "", "HISTORY_SOURCE_KEY"},
		{"bad key", "postgres://localhost/none", "short", "HISTORY_SOURCE_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_CONFIG", "")
			t.Setenv("DB_DSN", tt.dsn)
			t.Setenv("HISTORY_SOURCE_KEY", tt.key)
			root := newRootCmd()
			root.SetArgs([]string{"history", "reveal", "t1"})
			err := root.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("history reveal error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
