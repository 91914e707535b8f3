package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// StageError reports a failed external tool invocation.
type StageError struct {
	Stage  string // yt-dlp, ffmpeg, whisper, opencode, ...
	Stderr string // trimmed diagnostic output of the tool
	Err    error  // exec error (exit status, not found, context)
}

func (e *StageError) Error() string {
	switch {
	case e.Stderr != "":
		return fmt.Sprintf("%s failed: %s", e.Stage, e.Stderr)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	default:
		return e.Stage + " failed"
	}
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	serverErrorPatterns = []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout"}
	authPatterns        = []string{"login required", "log in", "must be logged into", "authentication required", "private video", "this account is private", "401", "403", "access denied", "unauthorized"}
	unavailablePatterns = []string{"404", "not found", "deleted", "no longer available", "does not exist", "no video formats found", "unable to extract", "removed"}
	invalidPatterns     = []string{"invalid url", "malformed url", "unsupported url", "is not a valid url"}
	networkPatterns     = []string{"connection reset", "connection refused", "connection timed out", "timed out", "timeout", "temporary failure in name resolution", "no route to host", "network unreachable", "network is unreachable", "dns", "eof", "broken pipe"}
	rateLimitPatterns   = []string{"429", "too many requests", "rate limit", "throttled"}
	incompletePatterns  = []string{"partial content", "fragment", "incomplete download"}
)

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ClassifyError sorts a pipeline error into retryable vs fatal.
// Context cancellation and missing executables are fatal; auth, missing content,
// and invalid input are fatal; network, rate limit, and 5xx are retryable.
// Anything else defaults to retryable so a flaky download gets another attempt.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassFatal
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return ErrorClassFatal
	}

	lower := strings.ToLower(err.Error())

	// Check server errors before the generic "unavailable" patterns.
	if containsAny(lower, serverErrorPatterns) {
		return ErrorClassRetryable
	}
	if containsAny(lower, authPatterns) {
		return ErrorClassFatal
	}
	if (strings.Contains(lower, "video") && strings.Contains(lower, "unavailable")) ||
		(strings.Contains(lower, "video") && strings.Contains(lower, "not available")) ||
		containsAny(lower, unavailablePatterns) {
		return ErrorClassFatal
	}
	if containsAny(lower, invalidPatterns) {
		return ErrorClassFatal
	}
	if containsAny(lower, networkPatterns) || containsAny(lower, rateLimitPatterns) || containsAny(lower, incompletePatterns) {
		return ErrorClassRetryable
	}
	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyError(err) == ErrorClassRetryable
}

// Describe renders err for the person who shared the link. The stage name is
// kept because it tells them whether the link or the analyzer was at fault.
func Describe(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return head(se.Error(), 500)
	}
	return err.Error()
}
