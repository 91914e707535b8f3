package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/reelrelay/telemetry"
)

// maxStderr bounds the diagnostic text kept from a failed tool.
const maxStderr = 2000

// runner executes external tools, killing them when ctx ends.
type runner struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

// run starts name in dir and returns its stdout. A non-zero exit produces a
// *StageError carrying the tool's trimmed stderr.
func (r runner) run(ctx context.Context, stage, dir, name string, args ...string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline", stage, telemetry.StageAttr(stage))
	defer span.End()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	telemetry.ObserveStage(stage, time.Since(start))
	if err == nil {
		telemetry.SetSpanSuccess(span)
		return stdout.String(), nil
	}

	se := &StageError{Stage: stage, Err: err}
	if ctx.Err() != nil {
		// Killed by cancellation or timeout; stderr is usually noise.
		se.Err = ctx.Err()
	} else {
		se.Stderr = tail(strings.TrimSpace(stderr.String()), maxStderr)
	}
	r.logger.Debug("stage failed", slog.String("stage", stage), slog.Any("err", se), slog.Duration("elapsed", time.Since(start)))
	telemetry.RecordError(span, se)
	return "", se
}

// head keeps at most n bytes from the start of s without splitting a rune.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// tail keeps at most n bytes from the end of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}
