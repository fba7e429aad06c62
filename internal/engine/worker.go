package engine

import (
	"context"
	"sync"
	"time"

	"kestrel/internal/model"
)

// appender is the subset of *filestore.Store a part worker needs; kept
// as an interface so tests can substitute a fake without touching disk.
type appender interface {
	Append(path string, data []byte) error
}

// downloadPart fetches one part's remaining bytes and appends them to its
// temp file. Per §4.5.3, the authoritative downloaded_bytes is always the
// on-disk temp file size, so effective_start is derived from it rather
// than from any separately persisted counter. Per the fixed bug this
// design corrects, a Range request is issued whenever the task supports
// ranges and there is already progress to resume from — even for a
// single-part download — instead of silently falling back to fetching
// the whole resource again.
func (e *Engine) downloadPart(ctx context.Context, task *model.Task, p *model.Part, multi bool, agg *aggregator) {
	effectiveStart := p.StartByte + p.DownloadedBytes
	if effectiveStart > p.EndByte {
		p.Completed = true
		agg.partDone()
		return
	}

	w := &appendingWriter{part: p, store: e.store, agg: agg}
	useRange := task.SupportsRange && (multi || p.DownloadedBytes > 0)

	var err error
	if useRange {
		err = e.http.FetchRange(ctx, task.URL, effectiveStart, p.EndByte, task.FileSize, w, nil)
	} else {
		err = e.http.FetchFull(ctx, task.URL, w, nil)
	}

	if err != nil {
		if err == model.ErrCancelled {
			return
		}
		if err == model.ErrRangeSatisfied {
			p.Completed = true
			agg.partDone()
			return
		}
		agg.recordErr(err)
		return
	}

	p.Completed = true
	agg.partDone()
}

// appendingWriter adapts the httpclient streaming contract (io.Writer) to
// the file store's atomic, fsync'd append primitive, updating the part's
// byte counter and waking the aggregator on every chunk.
type appendingWriter struct {
	part  *model.Part
	store appender
	agg   *aggregator
}

func (w *appendingWriter) Write(chunk []byte) (int, error) {
	if err := w.store.Append(w.part.TempPath, chunk); err != nil {
		return 0, err
	}
	w.part.DownloadedBytes += int64(len(chunk))
	w.agg.touch()
	return len(chunk), nil
}

// aggregator owns the task-scoped progress state shared by every part
// worker, coalescing progress events to at most one per 250ms.
type aggregator struct {
	mu       sync.Mutex
	task     *model.Task
	parts    []*model.Part
	cb       Callbacks
	dirty    bool
	err      error
	stopOnce sync.Once
}

func newAggregator(task *model.Task, parts []*model.Part, cb Callbacks) *aggregator {
	return &aggregator{task: task, parts: parts, cb: cb}
}

func (a *aggregator) touch() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

func (a *aggregator) recordErr(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

func (a *aggregator) partDone() {
	a.touch()
}

func (a *aggregator) anyPartErrored() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err != nil
}

func (a *aggregator) firstErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// startTicker launches the coalescing flush loop and returns a stop func
// that returns once the loop has exited.
func (a *aggregator) startTicker(ctx context.Context) func() {
	ticker := time.NewTicker(progressCoalesce)
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-stop:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
	return func() {
		a.stopOnce.Do(func() { close(stop) })
		<-exited
	}
}

// flush recomputes the task's aggregate progress from its parts and, if
// anything changed since the last flush, emits a progress event.
func (a *aggregator) flush() {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	a.mu.Unlock()

	recomputeTotals(a.task, a.parts)
	if a.task.StartedAt != nil {
		elapsed := time.Since(*a.task.StartedAt).Seconds()
		if elapsed > 0 {
			a.task.DownloadSpeed = float64(a.task.DownloadedBytes) / elapsed
		}
	}
	if a.task.DownloadSpeed > 0 && a.task.FileSize > 0 {
		a.task.ETASeconds = float64(a.task.FileSize-a.task.DownloadedBytes) / a.task.DownloadSpeed
	} else {
		a.task.ETASeconds = 0
	}

	if a.cb.OnProgress != nil {
		a.cb.OnProgress(a.task)
	}
}
