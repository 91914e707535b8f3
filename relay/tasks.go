package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/reelrelay/links"
)

// Task states reported by the registry.
const (
	StateQueued  = "queued"
	StateRunning = "running"
)

// TaskInfo is a snapshot of an in-flight analysis.
type TaskInfo struct {
	ID        string         `json:"id"`
	Platform  links.Platform `json:"platform"`
	URL       string         `json:"url"`
	State     string         `json:"state"`
	StartedAt time.Time      `json:"started_at"`
}

type taskEntry struct {
	info   TaskInfo
	cancel context.CancelCauseFunc
}

// Tasks tracks in-flight analyses so they can be listed and cancelled.
type Tasks struct {
	mu      sync.Mutex
	entries map[string]*taskEntry
}

// NewTasks returns an empty registry.
func NewTasks() *Tasks {
	return &Tasks{entries: map[string]*taskEntry{}}
}

// Add registers a queued task.
func (t *Tasks) Add(info TaskInfo, cancel context.CancelCauseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info.State == "" {
		info.State = StateQueued
	}
	t.entries[info.ID] = &taskEntry{info: info, cancel: cancel}
}

// MarkRunning records that id acquired an analysis slot.
func (t *Tasks) MarkRunning(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.info.State = StateRunning
	}
}

// Remove drops id from the registry.
func (t *Tasks) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Cancel stops id with ErrCancelled as the cause. It reports whether the
// task was found.
func (t *Tasks) Cancel(id string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel(ErrCancelled)
	return true
}

// List returns in-flight tasks, oldest first.
func (t *Tasks) List() []TaskInfo {
	t.mu.Lock()
	out := make([]TaskInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of in-flight tasks.
func (t *Tasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
