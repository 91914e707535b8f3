package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/onnwee/reelrelay/signalrpc"
	"github.com/onnwee/reelrelay/telemetry"
)

// Reply is one outbound message.
type Reply struct {
	Destination string
	Text        string
}

// Outbox is the single writer of the transport's input stream. Any number
// of goroutines may Enqueue; one Run loop writes replies in FIFO order, one
// complete line per reply.
type Outbox struct {
	dst     io.Writer
	w       *bufio.Writer
	queue   chan Reply
	ids     *signalrpc.IDSequence
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	senders  sync.WaitGroup
	stopping chan struct{}
	stopped  chan struct{}
}

// NewOutbox wraps w with a bounded queue of size entries.
func NewOutbox(w io.Writer, size int, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		dst:      w,
		w:        bufio.NewWriter(w),
		queue:    make(chan Reply, size),
		ids:      signalrpc.NewIDSequence(signalrpc.DefaultFirstID),
		logger:   logger.With(slog.String("component", "outbox")),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Enqueue queues a reply. It blocks while the queue is full and fails once
// ctx is done or the writer loop is stopping. A nil error means the reply
// will be written before Run returns.
func (o *Outbox) Enqueue(ctx context.Context, dest, text string) error {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrOutboxStopped
	}
	o.senders.Add(1)
	o.mu.RUnlock()
	defer o.senders.Done()

	select {
	case o.queue <- Reply{Destination: dest, Text: text}:
		telemetry.SetReplyQueueDepth(len(o.queue))
		return nil
	case <-o.stopping:
		return ErrOutboxStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued replies until ctx is done. It then refuses new replies,
// writes everything already accepted and returns. Write failures are logged
// and the reply is dropped.
func (o *Outbox) Run(ctx context.Context) error {
	defer close(o.stopped)
	for {
		select {
		case r := <-o.queue:
			o.write(r)
		case <-ctx.Done():
			o.drain()
			return nil
		}
	}
}

func (o *Outbox) drain() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	close(o.stopping)

	idle := make(chan struct{})
	go func() {
		o.senders.Wait()
		close(idle)
	}()
	for {
		select {
		case r := <-o.queue:
			o.write(r)
		case <-idle:
			for {
				select {
				case r := <-o.queue:
					o.write(r)
				default:
					return
				}
			}
		}
	}
}

func (o *Outbox) write(r Reply) {
	telemetry.SetReplyQueueDepth(len(o.queue))
	line, err := signalrpc.NewSendRequest(o.ids.Next(), r.Destination, r.Text).MarshalLine()
	if err == nil {
		_, err = o.w.Write(line)
	}
	if err == nil {
		err = o.w.Flush()
	}
	telemetry.CountReply(err)
	if err != nil {
		// bufio errors are sticky; start clean for the next reply.
		o.w.Reset(o.dst)
		o.logger.Error("failed to write reply", slog.String("destination", r.Destination), slog.Any("err", fmt.Errorf("write reply: %w", err)))
		return
	}
	o.logger.Debug("reply written", slog.String("destination", r.Destination), slog.Int("chars", len(r.Text)))
}

// Len returns the number of queued replies.
func (o *Outbox) Len() int { return len(o.queue) }

// Stopped is closed when Run returns.
func (o *Outbox) Stopped() <-chan struct{} { return o.stopped }
