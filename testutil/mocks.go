package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/reelrelay/pipeline"
)

// WriteRecorder captures every Write call made against it, standing in for
// the transport's stdin.
type WriteRecorder struct {
	mu     sync.Mutex
	writes [][]byte
	signal chan struct{}
	// Err, when set, is returned by every Write.
	Err error
}

// NewWriteRecorder creates an empty recorder.
func NewWriteRecorder() *WriteRecorder {
	return &WriteRecorder{signal: make(chan struct{}, 1024)}
}

func (w *WriteRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.Err != nil {
		w.mu.Unlock()
		return 0, w.Err
	}
	w.writes = append(w.writes, bytes.Clone(p))
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Writes returns a copy of each recorded write.
func (w *WriteRecorder) Writes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.writes))
	for i, b := range w.writes {
		out[i] = string(b)
	}
	return out
}

// WaitForWrites blocks until n writes were recorded or fails the test.
func (w *WriteRecorder) WaitForWrites(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := w.Writes(); len(got) >= n {
			return got
		}
		select {
		case <-w.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, got %d", n, len(w.Writes()))
		}
	}
}

// SentMessage is the decoded form of one JSON-RPC send line.
type SentMessage struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Recipient []string `json:"recipient"`
		Message   string   `json:"message"`
	} `json:"params"`
	ID string `json:"id"`
}

// DecodeSend parses one recorded write, failing the test when it is not a
// single complete line.
func DecodeSend(t *testing.T, line string) SentMessage {
	t.Helper()
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("write is not exactly one line: %q", line)
	}
	var msg SentMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("write is not valid JSON: %v (%q)", err, line)
	}
	return msg
}

// StubAnalyzer answers analysis requests with Fn, recording every request.
type StubAnalyzer struct {
	Fn func(ctx context.Context, req pipeline.Request) (string, error)

	mu       sync.Mutex
	requests []pipeline.Request
}

// Analyze records req and delegates to Fn.
func (s *StubAnalyzer) Analyze(ctx context.Context, req pipeline.Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.Fn == nil {
		return "", nil
	}
	return s.Fn(ctx, req)
}

// Requests returns the requests seen so far.
func (s *StubAnalyzer) Requests() []pipeline.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Request(nil), s.requests...)
}

// Returning builds a StubAnalyzer that always answers text.
func Returning(text string) *StubAnalyzer {
	return &StubAnalyzer{Fn: func(context.Context, pipeline.Request) (string, error) { return text, nil }}
}

// Failing builds a StubAnalyzer that always fails with err.
func Failing(err error) *StubAnalyzer {
	return &StubAnalyzer{Fn: func(context.Context, pipeline.Request) (string, error) { return "", err }}
}

// Blocking builds a StubAnalyzer that waits for release or ctx before
// answering text.
func Blocking(release <-chan struct{}, text string) *StubAnalyzer {
	return &StubAnalyzer{Fn: func(ctx context.Context, _ pipeline.Request) (string, error) {
		select {
		case <-release:
			return text, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
}

// HistoryRecorder keeps analysis history in memory.
type HistoryRecorder struct {
	mu       sync.Mutex
	started  []string
	finished map[string]string
}

// NewHistoryRecorder creates an empty recorder.
func NewHistoryRecorder() *HistoryRecorder {
	return &HistoryRecorder{finished: make(map[string]string)}
}

// Started records taskID.
func (h *HistoryRecorder) Started(_ context.Context, taskID, _, _, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, taskID)
	return nil
}

// Finished records the status of taskID.
func (h *HistoryRecorder) Finished(_ context.Context, taskID, status, _ string, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished[taskID] = status
	return nil
}

// StartedIDs returns the task ids recorded by Started, in call order.
func (h *HistoryRecorder) StartedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

// Status returns the final status of taskID, or "" when it never finished.
func (h *HistoryRecorder) Status(taskID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished[taskID]
}
