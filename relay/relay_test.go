package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/reelrelay/links"
	"github.com/onnwee/reelrelay/pipeline"
	"github.com/onnwee/reelrelay/testutil"
)

const endToEndLine = `{"method":"receive","params":{"envelope":{"sourceNumber":"+1555","dataMessage":{"message":"check this https://vm.tiktok.com/ZMabc/ out"}}}}`

func receiveLine(source, text string) string {
	return fmt.Sprintf(`{"method":"receive","params":{"envelope":{"sourceNumber":%q,"dataMessage":{"message":%q}}}}`, source, text)
}

type harness struct {
	out        *testutil.WriteRecorder
	outbox     *Outbox
	dispatcher *Dispatcher
	relay      *Relay
	analyzer   *testutil.StubAnalyzer
	workspace  *pipeline.Workspace
	ctx        context.Context
	cancel     context.CancelFunc
}

type harnessOpts struct {
	limiter   *Limiter
	timeout   time.Duration
	queueSize int
	history   History
}

func newHarness(t *testing.T, analyzer *testutil.StubAnalyzer, opts harnessOpts) *harness {
	t.Helper()
	if opts.limiter == nil {
		opts.limiter = NewLimiter(64, false, 0)
	}
	if opts.queueSize == 0 {
		opts.queueSize = 16
	}
	ws, err := pipeline.NewWorkspace(t.TempDir(), false)
	require.NoError(t, err)

	h := &harness{out: testutil.NewWriteRecorder(), analyzer: analyzer, workspace: ws}
	h.outbox = NewOutbox(h.out, opts.queueSize, nil)
	h.dispatcher = NewDispatcher(DispatcherConfig{
		Analyzer:  analyzer,
		Outbox:    h.outbox,
		Limiter:   opts.limiter,
		Workspace: ws,
		Timeout:   opts.timeout,
		History:   opts.history,
	})
	h.relay = New(h.dispatcher, nil)
	h.ctx, h.cancel = context.WithCancel(context.Background())

	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.outbox.Run(outboxCtx)
	}()
	t.Cleanup(func() {
		h.cancel()
		h.dispatcher.Wait()
		stopOutbox()
		<-done
	})
	return h
}

// feed runs the loop over lines and waits for every task it started.
func (h *harness) feed(t *testing.T, lines ...string) {
	t.Helper()
	err := h.relay.Run(h.ctx, strings.NewReader(strings.Join(lines, "\n")+"\n"))
	require.ErrorIs(t, err, ErrTransportClosed)
	h.dispatcher.Wait()
}

func TestEndToEndReply(t *testing.T) {
	h := newHarness(t, testutil.Returning("funny video"), harnessOpts{})

	h.feed(t, endToEndLine)

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	require.Len(t, writes, 1)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"send","params":{"recipient":["+1555"],"message":"funny video"},"id":"100"}`+"\n", writes[0])

	reqs := h.analyzer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://vm.tiktok.com/ZMabc/", reqs[0].URL)
}

func TestMalformedAndIrrelevantLinesAreSkipped(t *testing.T) {
	h := newHarness(t, testutil.Returning("ok"), harnessOpts{})

	h.feed(t,
		"not json",
		"{",
		"",
		`{"jsonrpc":"2.0","result":{"timestamp":1},"id":"100"}`,
		`{"method":"receive","params":{"envelope":{"dataMessage":{"message":"https://vm.tiktok.com/x"}}}}`,
		receiveLine("+1", "no link here"),
		`{"method":"receive"}`,
		receiveLine("+2", "https://www.instagram.com/reel/abc/"),
	)

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	require.Len(t, writes, 1, "only the final valid link produces a reply")
	msg := testutil.DecodeSend(t, writes[0])
	assert.Equal(t, []string{"+2"}, msg.Params.Recipient)
	assert.Len(t, h.analyzer.Requests(), 1)
}

func TestNonReceiveEventsAreNotDispatched(t *testing.T) {
	h := newHarness(t, testutil.Returning("ok"), harnessOpts{})

	h.feed(t, `{"method":"typing","params":{"envelope":{"sourceNumber":"+1","dataMessage":{"message":"https://vm.tiktok.com/x"}}}}`)

	assert.Empty(t, h.analyzer.Requests())
	assert.Empty(t, h.out.Writes())
}

func TestMessageWithoutLinkProducesNoWrites(t *testing.T) {
	h := newHarness(t, testutil.Returning("ok"), harnessOpts{})

	h.feed(t, receiveLine("+1", "hello there, see https://example.com/video"))

	assert.Empty(t, h.analyzer.Requests())
	assert.Empty(t, h.out.Writes())
}

func TestConcurrentRepliesNeverInterleave(t *testing.T) {
	const n = 25
	body := strings.Repeat("line of analysis output with <html> & \"quotes\"\n", 40)
	h := newHarness(t, &testutil.StubAnalyzer{Fn: func(_ context.Context, req pipeline.Request) (string, error) {
		time.Sleep(time.Duration(len(req.URL)%5) * time.Millisecond)
		return req.URL + "\n" + body, nil
	}}, harnessOpts{queueSize: 2})

	lines := make([]string, n)
	for i := range lines {
		lines[i] = receiveLine(fmt.Sprintf("+1%03d", i), fmt.Sprintf("look https://www.tiktok.com/@u/video/%d", i))
	}
	h.feed(t, lines...)

	writes := h.out.WaitForWrites(t, n, 5*time.Second)
	require.Len(t, writes, n)
	ids := map[string]bool{}
	recipients := map[string]bool{}
	for _, w := range writes {
		msg := testutil.DecodeSend(t, w)
		assert.Equal(t, "send", msg.Method)
		assert.Len(t, msg.Params.Recipient, 1)
		ids[msg.ID] = true
		recipients[msg.Params.Recipient[0]] = true
	}
	assert.Len(t, ids, n, "request ids are unique")
	assert.Len(t, recipients, n, "every source gets its own reply")
}

func TestReplyTruncation(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"exactly at limit", strings.Repeat("a", 3000), strings.Repeat("a", 3000)},
		{"one over", strings.Repeat("a", 3001), strings.Repeat("a", 3000) + TruncationMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testutil.Returning(tt.out), harnessOpts{})
			h.feed(t, endToEndLine)
			writes := h.out.WaitForWrites(t, 1, 2*time.Second)
			assert.Equal(t, tt.want, testutil.DecodeSend(t, writes[0]).Params.Message)
		})
	}
}

func TestPipelineFailureRepliesToSource(t *testing.T) {
	stageErr := &pipeline.StageError{Stage: "yt-dlp", Stderr: "network unreachable", Err: errors.New("exit status 1")}
	for name, err := range map[string]error{
		"plain error": errors.New("network unreachable"),
		"stage error": stageErr,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testutil.Failing(err), harnessOpts{})
			h.feed(t, endToEndLine)

			writes := h.out.WaitForWrites(t, 1, 2*time.Second)
			require.Len(t, writes, 1)
			msg := testutil.DecodeSend(t, writes[0])
			assert.Equal(t, []string{"+1555"}, msg.Params.Recipient)
			assert.True(t, strings.HasPrefix(msg.Params.Message, "Analysis failed: "), msg.Params.Message)
			assert.Contains(t, msg.Params.Message, "network unreachable")
		})
	}
}

func TestEmptyAnalysisIsAFailure(t *testing.T) {
	h := newHarness(t, testutil.Returning("   \n"), harnessOpts{})
	h.feed(t, endToEndLine)

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	assert.Contains(t, testutil.DecodeSend(t, writes[0]).Params.Message, "Analysis failed")
}

func TestRejectPolicyRepliesBusy(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testutil.Blocking(release, "done"), harnessOpts{limiter: NewLimiter(1, true, 0)})

	_, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	_, err = h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/b"}, "+2")
	require.ErrorIs(t, err, ErrBusy)

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	busy := testutil.DecodeSend(t, writes[0])
	assert.Equal(t, []string{"+2"}, busy.Params.Recipient)
	assert.Equal(t, busyText, busy.Params.Message)

	close(release)
	h.dispatcher.Wait()
	writes = h.out.WaitForWrites(t, 2, 2*time.Second)
	assert.Equal(t, "done", testutil.DecodeSend(t, writes[1]).Params.Message)
}

func TestPerSourceCap(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testutil.Blocking(release, "done"), harnessOpts{limiter: NewLimiter(8, false, 1)})
	link := links.Link{Platform: links.Instagram, URL: "https://instagram.com/p/x"}

	_, err := h.dispatcher.Dispatch(h.ctx, link, "+1")
	require.NoError(t, err)
	_, err = h.dispatcher.Dispatch(h.ctx, link, "+1")
	require.ErrorIs(t, err, ErrBusy)
	_, err = h.dispatcher.Dispatch(h.ctx, link, "+2")
	require.NoError(t, err, "other sources are unaffected")

	close(release)
	h.dispatcher.Wait()
	assert.Len(t, h.out.WaitForWrites(t, 3, 2*time.Second), 3)
}

func TestQueuePolicyWaitsForSlot(t *testing.T) {
	release := make(chan struct{})
	limiter := NewLimiter(1, false, 0)
	h := newHarness(t, testutil.Blocking(release, "done"), harnessOpts{limiter: limiter})

	state := func(id string) string {
		for _, info := range h.dispatcher.Tasks().List() {
			if info.ID == id {
				return info.State
			}
		}
		return ""
	}

	first, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return state(first) == StateRunning }, 2*time.Second, 5*time.Millisecond)

	second, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/b"}, "+2")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateQueued, state(second))
	assert.Equal(t, 1, limiter.Active())

	close(release)
	h.dispatcher.Wait()
	assert.Len(t, h.out.WaitForWrites(t, 2, 2*time.Second), 2)
	assert.Zero(t, limiter.Active())
	assert.Zero(t, h.dispatcher.Tasks().Len())
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness(t, testutil.Blocking(make(chan struct{}), "never"), harnessOpts{timeout: 50 * time.Millisecond})

	h.feed(t, endToEndLine)

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	msg := testutil.DecodeSend(t, writes[0])
	assert.Equal(t, []string{"+1555"}, msg.Params.Recipient)
	assert.Contains(t, msg.Params.Message, "timed out")
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, testutil.Blocking(make(chan struct{}), "never"), harnessOpts{})

	id, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	assert.False(t, h.dispatcher.Tasks().Cancel("missing"))
	assert.True(t, h.dispatcher.Tasks().Cancel(id))
	h.dispatcher.Wait()

	writes := h.out.WaitForWrites(t, 1, 2*time.Second)
	assert.Equal(t, cancelledText, testutil.DecodeSend(t, writes[0]).Params.Message)
}

func TestQueuedTaskIsRecordedInHistory(t *testing.T) {
	release := make(chan struct{})
	history := testutil.NewHistoryRecorder()
	limiter := NewLimiter(1, false, 0)
	h := newHarness(t, testutil.Blocking(release, "done"), harnessOpts{limiter: limiter, history: history})

	first, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return limiter.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/b"}, "+2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(history.StartedIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.dispatcher.Tasks().Cancel(second))
	require.Eventually(t, func() bool { return history.Status(second) != "" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCancelled, history.Status(second))

	close(release)
	h.dispatcher.Wait()
	assert.ElementsMatch(t, []string{first, second}, history.StartedIDs())
	assert.Equal(t, StatusSucceeded, history.Status(first))
}

func TestShutdownSendsNoReply(t *testing.T) {
	h := newHarness(t, testutil.Blocking(make(chan struct{}), "never"), harnessOpts{})

	_, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	h.cancel()
	h.dispatcher.Wait()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.out.Writes())
}

func TestShutdownAbortsQueuedAndRunningTasks(t *testing.T) {
	history := testutil.NewHistoryRecorder()
	limiter := NewLimiter(1, false, 0)
	h := newHarness(t, testutil.Blocking(make(chan struct{}), "never"), harnessOpts{limiter: limiter, history: history})

	running, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/a"}, "+1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return limiter.Active() == 1 }, 2*time.Second, 5*time.Millisecond)
	queued, err := h.dispatcher.Dispatch(h.ctx, links.Link{Platform: links.TikTok, URL: "https://vm.tiktok.com/b"}, "+2")
	require.NoError(t, err)

	h.cancel()
	h.dispatcher.Wait()

	assert.Equal(t, StatusAborted, history.Status(running))
	assert.Equal(t, StatusAborted, history.Status(queued))
	assert.Zero(t, h.dispatcher.Tasks().Len())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.out.Writes())
}

func TestTasksGetIsolatedWorkDirs(t *testing.T) {
	var mu sync.Mutex
	roots := map[string]bool{}
	barrier := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(3)
	go func() {
		arrived.Wait()
		close(barrier)
	}()
	h := newHarness(t, &testutil.StubAnalyzer{Fn: func(_ context.Context, req pipeline.Request) (string, error) {
		for _, d := range []string{req.Dir.Root, req.Dir.Frames, req.Dir.Subs} {
			if _, err := os.Stat(d); err != nil {
				return "", err
			}
		}
		mu.Lock()
		roots[req.Dir.Root] = true
		mu.Unlock()
		arrived.Done()
		<-barrier
		return "ok", nil
	}}, harnessOpts{})

	h.feed(t,
		receiveLine("+1", "https://vm.tiktok.com/a"),
		receiveLine("+2", "https://vm.tiktok.com/b"),
		receiveLine("+3", "https://vm.tiktok.com/c"),
	)

	assert.Len(t, roots, 3)
	for root := range roots {
		_, err := os.Stat(root)
		assert.True(t, os.IsNotExist(err), "work dir %s not released", root)
	}
	for _, w := range h.out.WaitForWrites(t, 3, 2*time.Second) {
		assert.Equal(t, "ok", testutil.DecodeSend(t, w).Params.Message)
	}
}

func TestRunProcessesTrailingPartialLine(t *testing.T) {
	h := newHarness(t, testutil.Returning("funny video"), harnessOpts{})

	err := h.relay.Run(h.ctx, strings.NewReader(endToEndLine))
	require.ErrorIs(t, err, ErrTransportClosed)
	h.dispatcher.Wait()
	assert.Len(t, h.out.WaitForWrites(t, 1, 2*time.Second), 1)
	assert.False(t, h.relay.Running())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broken") }

func TestRunWrapsReadErrors(t *testing.T) {
	h := newHarness(t, testutil.Returning("x"), harnessOpts{})

	err := h.relay.Run(h.ctx, failingReader{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransportClosed)
	assert.Contains(t, err.Error(), "pipe broken")
}

func TestRunDoesNotBlockOnSlowAnalysis(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testutil.Blocking(release, "done"), harnessOpts{limiter: NewLimiter(1, false, 0)})

	pr, pw := io.Pipe()
	runErr := make(chan error, 1)
	go func() { runErr <- h.relay.Run(h.ctx, pr) }()

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(pw, receiveLine(fmt.Sprintf("+%d", i), "https://vm.tiktok.com/x")+"\n")
		require.NoError(t, err, "loop stopped reading while analyses were pending")
	}
	require.Eventually(t, func() bool { return h.dispatcher.Tasks().Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.relay.Running())

	require.NoError(t, pw.Close())
	require.ErrorIs(t, <-runErr, ErrTransportClosed)
	close(release)
	h.dispatcher.Wait()
	assert.Len(t, h.out.WaitForWrites(t, 3, 2*time.Second), 3)
}
