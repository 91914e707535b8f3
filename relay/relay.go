// Package relay is the event engine: it reads JSON-RPC events from the
// transport, detects shared video links, hands each one to an independent
// analysis task and funnels every reply through a single ordered writer.
//
// The read loop never waits on analysis work. Malformed or irrelevant lines
// are logged and skipped; only the end of the event stream stops the loop.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/onnwee/reelrelay/links"
	"github.com/onnwee/reelrelay/signalrpc"
	"github.com/onnwee/reelrelay/telemetry"
)

// Event kinds counted by the loop.
const (
	eventReceive   = "receive"
	eventOther     = "other"
	eventResponse  = "response"
	eventMalformed = "malformed"
)

// Dispatch is the part of Dispatcher the loop depends on.
type Dispatch interface {
	Dispatch(ctx context.Context, link links.Link, source string) (string, error)
}

// Relay owns the main read loop.
type Relay struct {
	dispatch Dispatch
	logger   *slog.Logger
	running  atomic.Bool
}

// New creates a Relay feeding detected links to d.
func New(d Dispatch, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{dispatch: d, logger: logger.With(slog.String("component", "relay"))}
}

// Run processes lines from in, strictly in arrival order, until the stream
// ends (ErrTransportClosed), a read fails, or ctx is done. A final line
// without a trailing newline is still processed.
func (r *Relay) Run(ctx context.Context, in io.Reader) error {
	r.running.Store(true)
	defer r.running.Store(false)
	r.logger.Info("relay loop started")

	br := bufio.NewReaderSize(in, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			r.HandleLine(ctx, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Info("event stream closed")
				return ErrTransportClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read events: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// HandleLine decodes one line and dispatches the link it carries, if any.
// It reports whether an analysis was started.
func (r *Relay) HandleLine(ctx context.Context, line []byte) bool {
	ev, err := signalrpc.Decode(line)
	switch {
	case errors.Is(err, signalrpc.ErrEmptyLine):
		return false
	case errors.Is(err, signalrpc.ErrNotNotification):
		telemetry.CountEvent(eventResponse)
		r.logger.Debug("ignoring rpc response", slog.String("line", preview(line)))
		return false
	case err != nil:
		telemetry.CountEvent(eventMalformed)
		r.logger.Warn("dropping malformed line", slog.Any("err", err), slog.String("line", preview(line)))
		return false
	}

	if ev.Kind != signalrpc.KindReceive {
		telemetry.CountEvent(eventOther)
		r.logger.Debug("ignoring event", slog.String("method", ev.Method))
		return false
	}
	telemetry.CountEvent(eventReceive)

	source, ok := ev.Envelope.Source()
	if !ok {
		return false
	}
	text, ok := ev.Envelope.Text()
	if !ok {
		return false
	}
	link, ok := links.Classify(text)
	if !ok {
		return false
	}
	telemetry.CountLink(string(link.Platform))
	r.logger.Info("link detected", slog.String("platform", link.Platform.Label()), slog.String("url", link.URL))

	if _, err := r.dispatch.Dispatch(ctx, link, source); err != nil {
		r.logger.Warn("analysis not started", slog.String("url", link.URL), slog.Any("err", err))
		return false
	}
	return true
}

// Running reports whether the read loop is active.
func (r *Relay) Running() bool { return r.running.Load() }

func preview(line []byte) string {
	const max = 200
	if len(line) > max {
		return string(line[:max]) + "…"
	}
	return string(line)
}
