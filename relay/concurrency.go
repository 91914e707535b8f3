package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned when a task cannot be admitted under the reject policy
// or because its source already has too many analyses in flight.
var ErrBusy = errors.New("analysis capacity exhausted")

// Limiter bounds concurrent analyses globally and per source.
type Limiter struct {
	slots     chan struct{}
	reject    bool
	perSource int

	mu       sync.Mutex
	inflight map[string]int
}

// NewLimiter creates a limiter with max global slots. When reject is true,
// Acquire fails fast instead of queueing. perSource <= 0 disables the
// per-source cap.
func NewLimiter(max int, reject bool, perSource int) *Limiter {
	if max <= 0 {
		max = 1
	}
	slog.Info("analysis concurrency limit initialized", slog.Int("max_concurrent", max), slog.Bool("reject_when_full", reject), slog.Int("max_per_source", perSource))
	return &Limiter{
		slots:     make(chan struct{}, max),
		reject:    reject,
		perSource: perSource,
		inflight:  map[string]int{},
	}
}

// ReserveSource counts a task against source. It returns ErrBusy when the
// source is at its cap; callers must ReleaseSource after a nil return.
func (l *Limiter) ReserveSource(source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perSource > 0 && l.inflight[source] >= l.perSource {
		return ErrBusy
	}
	l.inflight[source]++
	return nil
}

// ReleaseSource undoes a successful ReserveSource.
func (l *Limiter) ReleaseSource(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.inflight[source]; {
	case n <= 0:
		slog.Warn("source release called without corresponding reserve", slog.String("source", source))
	case n == 1:
		delete(l.inflight, source)
	default:
		l.inflight[source] = n - 1
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is available or ctx is canceled. Under the
// reject policy it returns ErrBusy instead of waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.reject {
		if l.TryAcquire() {
			return nil
		}
		return ErrBusy
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("analysis slot release called without corresponding acquire")
	}
}

// Active returns the number of running analyses.
func (l *Limiter) Active() int { return len(l.slots) }

// Capacity returns the configured global maximum.
func (l *Limiter) Capacity() int { return cap(l.slots) }

// Rejecting reports whether the reject policy is active.
func (l *Limiter) Rejecting() bool { return l.reject }
