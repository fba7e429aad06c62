// Package manager is the download manager and queue: the orchestrator
// that owns every task's canonical in-memory state, dispatches ready
// tasks to the engine under a fixed concurrency cap, and persists state
// transitions. Grounded on the reference engine's StartDownload /
// PauseDownload / ResumeDownload / StopDownload / DeleteDownload /
// queueWorker family, restructured around this codebase's queue,
// scheduler and engine packages instead of a single god object.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kestrel/internal/engine"
	"kestrel/internal/events"
	"kestrel/internal/model"
	"kestrel/internal/queue"
	"kestrel/internal/scheduler"
	"kestrel/internal/storage"
)

// pollInterval is how often the processor loop checks for a free worker
// slot and a ready task, matching the reference manager's polling cadence.
const pollInterval = 1 * time.Second

// progressFlushInterval bounds how often a task's progress is persisted
// while downloading; status transitions always flush immediately.
const progressFlushInterval = 5 * time.Second

// Config holds the tunables the manager needs from settings.
type Config struct {
	MaxConcurrentDownloads int
}

// Manager is the single owner of task lifecycle state. All mutation of a
// Task after creation happens under mu, so engine callbacks (which run on
// background goroutines) and external API calls never race.
type Manager struct {
	store    *storage.Storage
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	queue    *queue.Queue
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config

	mu         sync.Mutex
	tasks      map[string]*model.Task
	parts      map[string][]*model.Part
	active     map[string]bool
	lastFlush  map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager over its collaborators. Call Recover then Start to
// bring it into service.
func New(store *storage.Storage, eng *engine.Engine, bus *events.Bus, logger *slog.Logger, cfg Config) *Manager {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 3
	}
	m := &Manager{
		store:     store,
		engine:    eng,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		tasks:     make(map[string]*model.Task),
		parts:     make(map[string][]*model.Part),
		active:    make(map[string]bool),
		lastFlush: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
	m.sched = scheduler.New(m.releaseScheduled)
	m.queue = queue.New()
	return m
}

// Recover loads every persisted task into memory, moves anything stuck
// mid-flight back to Paused, and re-arms scheduled or queued tasks so a
// restart picks up exactly where the process left off.
func (m *Manager) Recover() error {
	tasks, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("recover: load tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tasks {
		_, parts, err := m.store.LoadTask(t.ID)
		if err != nil {
			m.logger.Error("failed to load parts during recovery", "id", t.ID, "error", err)
			continue
		}
		m.tasks[t.ID] = t
		m.parts[t.ID] = parts

		switch t.Status {
		case model.StatusDownloading:
			t.Status = model.StatusPaused
			if err := m.store.UpsertTask(t, nil); err != nil {
				m.logger.Error("failed to persist recovered pause", "id", t.ID, "error", err)
			}
		case model.StatusPending, model.StatusQueued:
			if t.IsScheduled() {
				m.sched.Schedule(t)
			} else {
				t.Status = model.StatusQueued
				m.queue.Push(t)
			}
		}
	}
	return nil
}

// Start launches the scheduler and the queue-processor loop.
func (m *Manager) Start() {
	m.sched.Start()
	m.wg.Add(1)
	go m.processLoop()
}

// Shutdown stops dispatching new work, pauses every in-flight download so
// its temp files survive, and waits for the processor loop to exit.
func (m *Manager) Shutdown() {
	m.sched.Stop()
	m.queue.Close()
	close(m.stopCh)

	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.engine.Pause(id)
	}
	m.wg.Wait()
}

// Add registers a new download. A URL already tracked by a task that
// hasn't reached a terminal success/cancel state is rejected as a
// duplicate, per the reference CheckHistory guard.
func (m *Manager) Add(url, filename, destination string, priority int, scheduledTime *time.Time) (*model.Task, error) {
	m.mu.Lock()
	for _, existing := range m.tasks {
		if existing.URL == url && existing.Status != model.StatusCompleted && existing.Status != model.StatusCancelled {
			m.mu.Unlock()
			return nil, model.ErrDuplicate
		}
	}
	m.mu.Unlock()

	task := model.NewTask(url, filename, destination, priority, scheduledTime)

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	if err := m.store.UpsertTask(task, nil); err != nil {
		return nil, model.NewError(model.KindPersistenceError, "failed to persist new task", err)
	}

	if task.IsScheduled() {
		m.sched.Schedule(task)
	} else {
		task.Status = model.StatusQueued
		if err := m.store.UpsertTask(task, nil); err != nil {
			m.logger.Error("failed to persist queued status", "id", task.ID, "error", err)
		}
		m.queue.Push(task)
	}
	m.publishStatus(model.StatusPending, task)
	return task, nil
}

// releaseScheduled is the scheduler's ReleaseFunc: it moves a due task
// from "scheduled" into the ready queue.
func (m *Manager) releaseScheduled(t *model.Task) {
	m.mu.Lock()
	t.ScheduledTime = nil
	t.Status = model.StatusQueued
	m.mu.Unlock()

	if err := m.store.UpsertTask(t, nil); err != nil {
		m.logger.Error("failed to persist released schedule", "id", t.ID, "error", err)
	}
	m.queue.Push(t)
	m.publishStatus(model.StatusPending, t)
}

func (m *Manager) processLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.dispatchReady()
		}
	}
}

func (m *Manager) dispatchReady() {
	for {
		m.mu.Lock()
		if len(m.active) >= m.cfg.MaxConcurrentDownloads {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		task, ok := m.queue.TryPop()
		if !ok {
			return
		}
		m.dispatch(task)
	}
}

func (m *Manager) dispatch(task *model.Task) {
	m.mu.Lock()
	m.active[task.ID] = true
	parts := m.parts[task.ID]
	m.mu.Unlock()

	cb := m.callbacksFor(task)
	m.engine.Start(task, parts, cb)
}

func (m *Manager) callbacksFor(task *model.Task) engine.Callbacks {
	return engine.Callbacks{
		OnStatusChange: func(t *model.Task, previous model.Status) {
			if err := m.store.UpsertTask(t, nil); err != nil {
				m.logger.Error("failed to persist status change", "id", t.ID, "error", err)
			}
			m.publishStatus(previous, t)
		},
		OnProgress: func(t *model.Task) {
			m.mu.Lock()
			last, seen := m.lastFlush[t.ID]
			due := !seen || time.Since(last) >= progressFlushInterval
			if due {
				m.lastFlush[t.ID] = time.Now()
			}
			m.mu.Unlock()
			if due {
				if err := m.store.UpdateProgress(t.ID, t.DownloadedBytes, t.ProgressPct, t.DownloadSpeed, t.ETASeconds); err != nil {
					m.logger.Error("failed to persist progress", "id", t.ID, "error", err)
				}
			}
			m.bus.PublishProgress(t.ToSnapshot())
		},
		OnPartsChanged: func(t *model.Task, parts []*model.Part) {
			m.mu.Lock()
			m.parts[t.ID] = parts
			m.mu.Unlock()
			if err := m.store.UpsertTask(t, parts); err != nil {
				m.logger.Error("failed to persist parts", "id", t.ID, "error", err)
			}
		},
		OnComplete: func(t *model.Task, finalPath string) {
			m.finishActive(t)
			if err := m.store.UpsertTask(t, nil); err != nil {
				m.logger.Error("failed to persist completion", "id", t.ID, "error", err)
			}
			m.logger.Info("download completed", "id", t.ID, "path", finalPath)
		},
		OnError: func(t *model.Task, err error) {
			m.finishActive(t)
			m.retryOrFail(t, nil, err)
		},
		OnPartsError: func(t *model.Task, parts []*model.Part, err error) {
			m.finishActive(t)
			m.retryOrFail(t, parts, err)
		},
		OnPaused: func(t *model.Task) {
			m.finishActive(t)
		},
		OnCancelled: func(t *model.Task) {
			m.finishActive(t)
		},
	}
}

func (m *Manager) finishActive(t *model.Task) {
	m.mu.Lock()
	delete(m.active, t.ID)
	delete(m.lastFlush, t.ID)
	m.mu.Unlock()
}

func (m *Manager) publishStatus(previous model.Status, t *model.Task) {
	m.bus.PublishStatus(previous, t.Status, t.ToSnapshot())
}

// retryOrFail applies the retry policy to any task- or part-level
// failure: a transient Kind re-enters the queue while retry budget
// remains; everything else, and a transient Kind with budget exhausted,
// is terminal. Only a part-download failure carries parts to clean up —
// probe/space/merge/verify failures pass nil, since a merge or
// verification failure must leave its temp files intact for a retry to
// resume the merge (spec's "temp files are retained on error so a
// retry can resume").
func (m *Manager) retryOrFail(t *model.Task, parts []*model.Part, err error) {
	previous := t.Status
	t.RetryCount++

	if isRetryableKind(model.KindOf(err)) && t.CanRetry() {
		t.Status = model.StatusQueued
		t.ErrorMessage = ""
		if uerr := m.store.UpsertTask(t, nil); uerr != nil {
			m.logger.Error("failed to persist retry requeue", "id", t.ID, "error", uerr)
		}
		m.queue.Push(t)
		m.publishStatus(previous, t)
		m.logger.Warn("download failed, retrying", "id", t.ID, "retry", t.RetryCount, "error", err)
		return
	}

	if len(parts) > 0 {
		m.engine.CleanupParts(parts)
	}
	t.Status = model.StatusError
	t.ErrorMessage = err.Error()
	if uerr := m.store.UpsertTask(t, nil); uerr != nil {
		m.logger.Error("failed to persist terminal error", "id", t.ID, "error", uerr)
	}
	m.publishStatus(previous, t)
	m.logger.Error("download failed permanently", "id", t.ID, "error", err)
}

// isRetryableKind reports whether a failure Kind is transient enough to
// retry at task granularity, per spec §7: disk, insufficient-space and
// invalid-URL failures are fatal and never retried; network, server and
// integrity failures are retried while the task's budget remains.
func isRetryableKind(k model.Kind) bool {
	switch k {
	case model.KindNetworkError, model.KindServerError, model.KindIntegrityError:
		return true
	default:
		return false
	}
}

// Pause stops an active task's workers (leaving temp files for a future
// resume) or, if it's still waiting in the queue, marks it Paused
// in place.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	active := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}

	if active {
		m.engine.Pause(id)
		return nil
	}

	m.queue.Remove(id)
	previous := task.Status
	task.Status = model.StatusPaused
	if err := m.store.UpsertTask(task, nil); err != nil {
		return model.NewError(model.KindPersistenceError, "failed to persist pause", err)
	}
	m.publishStatus(previous, task)
	return nil
}

// Resume re-queues a paused, errored or cancelled task.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	switch task.Status {
	case model.StatusPaused, model.StatusError, model.StatusCancelled:
	default:
		return fmt.Errorf("cannot resume task in status %s", task.Status)
	}

	previous := task.Status
	task.Status = model.StatusQueued
	task.ErrorMessage = ""
	if err := m.store.UpsertTask(task, nil); err != nil {
		return model.NewError(model.KindPersistenceError, "failed to persist resume", err)
	}
	m.queue.Push(task)
	m.publishStatus(previous, task)
	return nil
}

// Retry is an explicit re-attempt of an errored task, resetting its
// retry budget so it is not immediately treated as exhausted.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	task.RetryCount = 0
	return m.Resume(id)
}

// Cancel stops an active task (deleting its temp files) or, if queued,
// removes it and marks it Cancelled without ever having started.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	task, ok := m.tasks[id]
	active := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}

	m.sched.Unschedule(id)
	if active {
		m.engine.Cancel(id)
		return nil
	}

	m.queue.Remove(id)
	previous := task.Status
	task.Status = model.StatusCancelled
	if err := m.store.UpsertTask(task, nil); err != nil {
		return model.NewError(model.KindPersistenceError, "failed to persist cancel", err)
	}
	m.publishStatus(previous, task)
	return nil
}

// Delete removes a task from tracking and storage entirely, first
// cancelling it if active.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.tasks[id]
	active := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}

	m.sched.Unschedule(id)
	m.queue.Remove(id)
	if active {
		m.engine.Cancel(id)
	}

	if err := m.store.DeleteTask(id); err != nil {
		return model.NewError(model.KindPersistenceError, "failed to delete task", err)
	}

	m.mu.Lock()
	delete(m.tasks, id)
	delete(m.parts, id)
	delete(m.active, id)
	delete(m.lastFlush, id)
	m.mu.Unlock()
	return nil
}

// Get returns a task by id.
func (m *Manager) Get(id string) (*model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// ListAll returns every tracked task.
func (m *Manager) ListAll() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// ListByStatus returns every tracked task in the given status.
func (m *Manager) ListByStatus(status model.Status) []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// ListActive returns every task currently running in the engine.
func (m *Manager) ListActive() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.active))
	for id := range m.active {
		out = append(out, m.tasks[id])
	}
	return out
}

// Stats returns the persisted aggregate counters.
func (m *Manager) Stats() (storage.Stats, error) {
	return m.store.Stats()
}
