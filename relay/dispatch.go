package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/reelrelay/links"
	"github.com/onnwee/reelrelay/pipeline"
	"github.com/onnwee/reelrelay/telemetry"
)

// Analyzer turns a link into reply text.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) (string, error)
}

// History records analysis outcomes. Implementations must be safe for
// concurrent use.
type History interface {
	Started(ctx context.Context, taskID, source, platform, url string) error
	Finished(ctx context.Context, taskID, status, detail string, dur time.Duration) error
}

// Task outcome statuses, used for metrics and history.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
	StatusAborted   = "aborted"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Analyzer      Analyzer
	Outbox        *Outbox
	Limiter       *Limiter
	Tasks         *Tasks
	Workspace     *pipeline.Workspace
	History       History // optional
	Timeout       time.Duration
	MaxReplyChars int
	Logger        *slog.Logger
}

// Dispatcher launches one independent task per detected link. Tasks never
// share mutable state except through the Outbox, Limiter and Tasks registry.
type Dispatcher struct {
	analyzer  Analyzer
	outbox    *Outbox
	limiter   *Limiter
	tasks     *Tasks
	workspace *pipeline.Workspace
	history   History
	timeout   time.Duration
	maxChars  int
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher fills defaults for anything left unset except Analyzer,
// Outbox and Workspace.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(2, false, 0)
	}
	if cfg.Tasks == nil {
		cfg.Tasks = NewTasks()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = DefaultMaxReplyChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		analyzer:  cfg.Analyzer,
		outbox:    cfg.Outbox,
		limiter:   cfg.Limiter,
		tasks:     cfg.Tasks,
		workspace: cfg.Workspace,
		history:   cfg.History,
		timeout:   cfg.Timeout,
		maxChars:  cfg.MaxReplyChars,
		logger:    cfg.Logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch starts analysis of link for source and returns the task id. It
// never blocks on the analysis or on the outbox. When the task cannot be
// admitted it returns ErrBusy and a busy notice is sent to source.
func (d *Dispatcher) Dispatch(ctx context.Context, link links.Link, source string) (string, error) {
	id := uuid.NewString()
	logger := d.logger.With(slog.String("task_id", id), slog.String("platform", string(link.Platform)), slog.String("url", link.URL))

	if err := d.limiter.ReserveSource(source); err != nil {
		logger.Warn("source over in-flight cap, rejecting")
		d.reject(ctx, source)
		return "", err
	}
	acquired := false
	if d.limiter.Rejecting() {
		if !d.limiter.TryAcquire() {
			d.limiter.ReleaseSource(source)
			logger.Warn("all analysis slots busy, rejecting", slog.Int("active", d.limiter.Active()))
			d.reject(ctx, source)
			return "", ErrBusy
		}
		acquired = true
	}

	taskCtx, cancel := context.WithCancelCause(telemetry.WithCorrelation(ctx, id))
	d.tasks.Add(TaskInfo{ID: id, Platform: link.Platform, URL: link.URL, StartedAt: time.Now()}, cancel)
	d.wg.Add(1)
	go d.run(taskCtx, cancel, id, link, source, acquired, logger)
	logger.Info("analysis dispatched", slog.Bool("queued", !acquired))
	return id, nil
}

// reject sends the busy notice without blocking the caller.
func (d *Dispatcher) reject(ctx context.Context, source string) {
	telemetry.CountFinished(StatusRejected)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(ctx, source, busyText)
	}()
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelCauseFunc, id string, link links.Link, source string, acquired bool, logger *slog.Logger) {
	defer d.wg.Done()
	defer cancel(nil)
	defer d.tasks.Remove(id)
	defer d.limiter.ReleaseSource(source)

	// History spans the whole task, queue wait included.
	admitted := time.Now()
	d.recordStart(ctx, id, source, link)

	if !acquired {
		if err := d.limiter.Acquire(ctx); err != nil {
			status, text := d.outcome(ctx, err)
			logger.Info("analysis ended while queued", slog.String("status", status))
			telemetry.CountFinished(status)
			d.recordFinish(ctx, id, status, "ended while queued", time.Since(admitted))
			if text != "" {
				d.send(ctx, source, text)
			}
			return
		}
	}
	defer d.limiter.Release()
	d.tasks.MarkRunning(id)

	start := time.Now()
	telemetry.AnalysisStarted()

	ctx, span := telemetry.StartSpan(ctx, "relay", "analysis", telemetry.TaskAttrs(id, string(link.Platform), link.URL)...)
	defer span.End()

	text, err := d.analyze(ctx, id, link)
	status := StatusSucceeded
	detail := ""
	if err != nil {
		status, text = d.outcome(ctx, err)
		detail = pipeline.Describe(err)
		telemetry.RecordError(span, err)
		logger.Warn("analysis failed", slog.String("status", status), slog.Any("err", err))
	} else {
		telemetry.SetSpanSuccess(span)
		logger.Info("analysis complete", slog.Duration("duration", time.Since(start)), slog.Int("chars", len([]rune(text))))
	}
	telemetry.AnalysisDone(status, time.Since(start))
	d.recordFinish(ctx, id, status, detail, time.Since(admitted))

	if text != "" {
		d.send(ctx, source, text)
	}
}

// analyze runs the analyzer under the task deadline inside an isolated
// working directory that is released afterwards.
func (d *Dispatcher) analyze(ctx context.Context, id string, link links.Link) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, d.timeout, errTimeout)
	defer cancel()

	var wd pipeline.WorkDir
	if d.workspace != nil {
		var err error
		wd, err = d.workspace.Acquire(id)
		if err != nil {
			return "", err
		}
		defer func() {
			if err := d.workspace.Release(wd); err != nil {
				d.logger.Warn("failed to release work dir", slog.String("task_id", id), slog.Any("err", err))
			}
		}()
	}

	out, err := d.analyzer.Analyze(ctx, pipeline.Request{TaskID: id, URL: link.URL, Dir: wd})
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Surface the cause (timeout, cancel, shutdown) over the tool error.
			err = errors.Join(context.Cause(ctx), err)
		}
		return "", err
	}
	text := Truncate(out, d.maxChars)
	if text == "" {
		return "", pipeline.ErrEmptyAnalysis
	}
	return text, nil
}

// outcome maps a task error to its status and the reply text, if any.
// Shutdown produces no reply.
func (d *Dispatcher) outcome(ctx context.Context, err error) (string, string) {
	switch {
	case errors.Is(err, errTimeout):
		return StatusTimeout, timeoutText(d.timeout)
	case errors.Is(err, ErrCancelled) || errors.Is(context.Cause(ctx), ErrCancelled):
		return StatusCancelled, cancelledText
	case ctx.Err() != nil:
		return StatusAborted, ""
	default:
		return StatusFailed, failureText(pipeline.Describe(err))
	}
}

// send enqueues text for dest. Task cancellation does not abort delivery;
// only a stopped outbox does.
func (d *Dispatcher) send(ctx context.Context, dest, text string) {
	if err := d.outbox.Enqueue(context.WithoutCancel(ctx), dest, text); err != nil {
		d.logger.Warn("reply dropped", slog.String("destination", dest), slog.Any("err", err))
	}
}

func (d *Dispatcher) recordStart(ctx context.Context, id, source string, link links.Link) {
	if d.history == nil {
		return
	}
	if err := d.history.Started(context.WithoutCancel(ctx), id, source, string(link.Platform), link.URL); err != nil {
		d.logger.Warn("failed to record analysis start", slog.String("task_id", id), slog.Any("err", err))
	}
}

func (d *Dispatcher) recordFinish(ctx context.Context, id, status, detail string, dur time.Duration) {
	if d.history == nil {
		return
	}
	if err := d.history.Finished(context.WithoutCancel(ctx), id, status, detail, dur); err != nil {
		d.logger.Warn("failed to record analysis result", slog.String("task_id", id), slog.Any("err", err))
	}
}

// Wait blocks until every dispatched task has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Tasks exposes the in-flight registry.
func (d *Dispatcher) Tasks() *Tasks { return d.tasks }

// Limiter exposes the concurrency limiter.
func (d *Dispatcher) Limiter() *Limiter { return d.limiter }
