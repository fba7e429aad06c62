// Package engine is the download engine: given a task, it produces a
// verified file on disk (or a recoverable error) while exposing
// pause/resume/cancel. It is the hardest component in the system,
// grounded on the reference engine's executeTask/downloadWorker pair but
// simplified to a fixed worker count per task (no AIMD auto-scaling) to
// match the fixed-N-workers invariant this design commits to.
package engine

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"kestrel/internal/filestore"
	"kestrel/internal/httpclient"
	"kestrel/internal/model"
	"kestrel/internal/organizer"
)

// oneMiB is the size threshold above which a range-capable resource is
// worth splitting into multiple parts.
const oneMiB = 1 << 20

// pauseGrace bounds how long Pause waits for workers to exit cleanly
// before giving up on a graceful stop.
const pauseGrace = 30 * time.Second

// progressCoalesce bounds how often the aggregator emits a progress
// event for a single task, regardless of how many chunks arrive.
const progressCoalesce = 250 * time.Millisecond

var autoFilenamePattern = regexp.MustCompile(`^download_`)

// Callbacks are invoked by the engine as a task's download progresses.
// All calls for a single task are serialised; none are called
// concurrently with another for the same task.
type Callbacks struct {
	OnStatusChange func(task *model.Task, previous model.Status)
	OnProgress     func(task *model.Task)
	OnPartsChanged func(task *model.Task, parts []*model.Part)
	OnComplete     func(task *model.Task, finalPath string)
	OnError        func(task *model.Task, err error)
	// OnPartsError reports a part-download failure. As with OnError, the
	// engine does not decide retry-vs-terminal or touch the temp files
	// here: whether the failure is transient depends on its Kind, which
	// is the Manager's retry policy to judge, and a transient failure
	// must leave temp files in place so the next attempt resumes from
	// their on-disk size rather than restarting. The Manager calls
	// CleanupParts itself once it decides the task is terminal.
	OnPartsError func(task *model.Task, parts []*model.Part, err error)
	OnPaused     func(task *model.Task)
	OnCancelled  func(task *model.Task)
}

// Config holds the tunables the engine needs from settings.
type Config struct {
	MaxWorkersPerTask int
}

// Engine runs and supervises the in-flight workers for every task
// currently in the Downloading state.
type Engine struct {
	http      *httpclient.Client
	store     *filestore.Store
	organizer *organizer.Organizer
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	cancelled bool
}

// New builds an Engine over the given collaborators.
func New(httpClient *httpclient.Client, store *filestore.Store, org *organizer.Organizer, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxWorkersPerTask <= 0 {
		cfg.MaxWorkersPerTask = 8
	}
	return &Engine{
		http:      httpClient,
		store:     store,
		organizer: org,
		logger:    logger,
		cfg:       cfg,
		active:    make(map[string]*run),
	}
}

// Start launches a task's download. parts may be non-empty to resume a
// previously planned layout (e.g. after a crash); pass nil to have the
// engine plan fresh parts from the probed file size. Start returns
// immediately; validation, probing and the transfer itself all run in
// background goroutines supervised by the engine.
func (e *Engine) Start(task *model.Task, parts []*model.Part, cb Callbacks) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[task.ID] = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, task.ID)
			e.mu.Unlock()
		}()
		e.run(ctx, task, parts, cb, r)
	}()
}

// Pause signals the task to stop, waits up to 30s for workers to exit,
// and leaves temp files intact for a future resume.
func (e *Engine) Pause(taskID string) bool {
	return e.stop(taskID, pauseGrace, false)
}

// Cancel signals the task to stop and waits up to 30s. Once the workers
// have exited, the engine deletes the task's temp files, sets it
// Cancelled and fires OnCancelled.
func (e *Engine) Cancel(taskID string) bool {
	return e.stop(taskID, pauseGrace, true)
}

func (e *Engine) stop(taskID string, grace time.Duration, cancel bool) bool {
	e.mu.Lock()
	r, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if cancel {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(grace):
		e.logger.Warn("workers did not exit within grace period", "task_id", taskID, "cancel", cancel)
	}
	return true
}

// IsActive reports whether the engine currently has workers running for
// the given task.
func (e *Engine) IsActive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

func (e *Engine) run(ctx context.Context, task *model.Task, parts []*model.Part, cb Callbacks, r *run) {
	if !e.http.TestReachable(ctx, task.URL) {
		e.fail(task, model.NewError(model.KindNetworkError, "URL not reachable", nil), cb)
		return
	}

	info, err := e.http.Probe(ctx, task.URL)
	if err != nil {
		e.fail(task, err, cb)
		return
	}
	task.FileSize = info.FileSize
	task.SupportsRange = info.SupportsRange
	task.ContentType = info.ContentType

	if len(parts) > 0 && !validateResumable(task.Headers, info.Headers) {
		e.logger.Info("remote resource changed since pause, restarting", "task_id", task.ID)
		paths := make([]string, len(parts))
		for i, p := range parts {
			paths[i] = p.TempPath
		}
		e.store.Cleanup(paths)
		parts = nil
	}
	if info.Headers != nil {
		task.Headers = info.Headers
	}
	if info.FilenameHint != "" && (task.Filename == "" || autoFilenamePattern.MatchString(task.Filename)) {
		task.Filename = info.FilenameHint
	}

	if task.FileSize > 0 {
		ok, err := filestore.HasSpace(task.Destination, task.FileSize)
		if err != nil {
			e.fail(task, model.NewError(model.KindDiskError, "disk space check failed", err), cb)
			return
		}
		if !ok {
			e.fail(task, model.NewError(model.KindInsufficientSpace, "insufficient disk space", nil), cb)
			return
		}
	}

	if len(parts) == 0 {
		n := 1
		if task.SupportsRange && task.FileSize > oneMiB {
			n = task.FileSize / oneMiB
			if n > int64(e.cfg.MaxWorkersPerTask) {
				n = int64(e.cfg.MaxWorkersPerTask)
			}
			if n < 1 {
				n = 1
			}
		}
		parts = model.PlanParts(task.ID, task.FileSize, int(n))
	}
	task.NumWorkers = len(parts)

	for _, p := range parts {
		if p.TempPath == "" {
			path, err := e.store.CreatePartFile(task.ID, p.PartNumber)
			if err != nil {
				e.fail(task, err, cb)
				return
			}
			p.TempPath = path
		}
		p.DownloadedBytes = e.store.SizeOf(p.TempPath)
		p.Completed = p.DownloadedBytes >= p.Size()
	}
	if cb.OnPartsChanged != nil {
		cb.OnPartsChanged(task, parts)
	}

	previous := task.Status
	task.Status = model.StatusDownloading
	now := time.Now()
	task.StartedAt = &now
	recomputeTotals(task, parts)
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(task, previous)
	}

	agg := newAggregator(task, parts, cb)
	multi := len(parts) > 1

	var wg sync.WaitGroup
	for _, p := range parts {
		if p.Completed {
			continue
		}
		wg.Add(1)
		go func(p *model.Part) {
			defer wg.Done()
			e.downloadPart(ctx, task, p, multi, agg)
		}(p)
	}

	stopTicker := agg.startTicker(ctx)
	wg.Wait()
	stopTicker()
	agg.flush()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		wasCancel := r.cancelled
		r.mu.Unlock()
		e.onInterrupted(task, parts, wasCancel, cb)
		return
	default:
	}

	if agg.anyPartErrored() {
		if cb.OnPartsError != nil {
			cb.OnPartsError(task, parts, agg.firstErr())
		}
		return
	}

	e.complete(task, parts, cb)
}

func (e *Engine) onInterrupted(task *model.Task, parts []*model.Part, wasCancel bool, cb Callbacks) {
	for _, p := range parts {
		p.DownloadedBytes = e.store.SizeOf(p.TempPath)
	}
	recomputeTotals(task, parts)
	previous := task.Status

	if wasCancel {
		paths := make([]string, len(parts))
		for i, p := range parts {
			paths[i] = p.TempPath
		}
		e.store.Cleanup(paths)
		task.Status = model.StatusCancelled
		if cb.OnPartsChanged != nil {
			cb.OnPartsChanged(task, nil)
		}
		if cb.OnStatusChange != nil {
			cb.OnStatusChange(task, previous)
		}
		if cb.OnCancelled != nil {
			cb.OnCancelled(task)
		}
		return
	}

	task.Status = model.StatusPaused
	if cb.OnPartsChanged != nil {
		cb.OnPartsChanged(task, parts)
	}
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(task, previous)
	}
	if cb.OnPaused != nil {
		cb.OnPaused(task)
	}
}

func (e *Engine) complete(task *model.Task, parts []*model.Part, cb Callbacks) {
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.TempPath
	}

	finalPath, err := e.store.Merge(paths, task.Destination, task.Filename)
	if err != nil {
		e.fail(task, model.NewError(model.KindDiskError, "failed to merge temporary files", err), cb)
		return
	}

	if err := filestore.Verify(finalPath, task.FileSize, task.HashAlgorithm, task.Checksum); err != nil {
		e.fail(task, model.NewError(model.KindIntegrityError, "file integrity verification failed", err), cb)
		return
	}

	if e.organizer != nil {
		if organized, err := e.organizer.Organize(finalPath); err == nil {
			finalPath = organized
		}
	}
	task.Filename = strings.TrimPrefix(finalPath, task.Destination+string(os.PathSeparator))

	e.store.Cleanup(paths)

	previous := task.Status
	task.Status = model.StatusCompleted
	now := time.Now()
	task.CompletedAt = &now
	task.DownloadedBytes = task.FileSize
	task.RecomputeProgress()
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(task, previous)
	}
	if cb.OnComplete != nil {
		cb.OnComplete(task, finalPath)
	}
}

// fail reports a failure that occurred before or after the part-download
// phase (validation, probing, space check, temp-file creation, merge,
// verification) through OnError. It does not touch part temp files
// (merge/verify failures deliberately retain them so a retry can resume
// the merge, per spec), and whether the task is retried is left to the
// Manager's retry policy, which judges the error's Kind.
func (e *Engine) fail(task *model.Task, err error, cb Callbacks) {
	previous := task.Status
	task.Status = model.StatusError
	task.ErrorMessage = err.Error()
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(task, previous)
	}
	if cb.OnError != nil {
		cb.OnError(task, err)
	}
}

// CleanupParts removes the temp files backing parts. The Manager calls
// this once it decides a part-download failure is terminal (fatal Kind,
// or retry budget exhausted); it is never called for merge/verification
// failures, whose temp files must survive for a retry to reuse.
func (e *Engine) CleanupParts(parts []*model.Part) {
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.TempPath
	}
	e.store.Cleanup(paths)
}

func recomputeTotals(task *model.Task, parts []*model.Part) {
	var total int64
	for _, p := range parts {
		total += p.DownloadedBytes
	}
	task.DownloadedBytes = total
	task.RecomputeProgress()
}
