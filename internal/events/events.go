// Package events is the typed, synchronous event bus that replaces the
// GUI-framework event emitter of the reference implementation. Two kinds
// of snapshot flow out to subscribers: progress updates (coalesced, high
// frequency) and status transitions (immediate, low frequency).
package events

import (
	"sync"

	"github.com/google/uuid"

	"kestrel/internal/model"
)

// ProgressEvent reports a coalesced progress snapshot for one task.
type ProgressEvent struct {
	ID   string
	Task model.Snapshot
}

// StatusEvent reports a lifecycle transition for one task.
type StatusEvent struct {
	ID       string
	Task     model.Snapshot
	Previous model.Status
	Current  model.Status
}

// ProgressHandler receives progress snapshots.
type ProgressHandler func(ProgressEvent)

// StatusHandler receives status transitions.
type StatusHandler func(StatusEvent)

// Bus fans task lifecycle events out to subscribers. Dispatch is
// synchronous: a slow subscriber delays the publisher. Callers that need
// isolation should hand off to their own goroutine inside the handler.
type Bus struct {
	mu       sync.RWMutex
	progress []ProgressHandler
	status   []StatusHandler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// OnProgress registers a progress subscriber.
func (b *Bus) OnProgress(h ProgressHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, h)
}

// OnStatus registers a status subscriber.
func (b *Bus) OnStatus(h StatusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = append(b.status, h)
}

// PublishProgress notifies every progress subscriber.
func (b *Bus) PublishProgress(task model.Snapshot) {
	b.mu.RLock()
	handlers := append([]ProgressHandler(nil), b.progress...)
	b.mu.RUnlock()

	evt := ProgressEvent{ID: uuid.NewString(), Task: task}
	for _, h := range handlers {
		h(evt)
	}
}

// PublishStatus notifies every status subscriber.
func (b *Bus) PublishStatus(previous, current model.Status, task model.Snapshot) {
	b.mu.RLock()
	handlers := append([]StatusHandler(nil), b.status...)
	b.mu.RUnlock()

	evt := StatusEvent{ID: uuid.NewString(), Task: task, Previous: previous, Current: current}
	for _, h := range handlers {
		h(evt)
	}
}
