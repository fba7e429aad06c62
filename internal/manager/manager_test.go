package manager

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kestrel/internal/engine"
	"kestrel/internal/events"
	"kestrel/internal/filestore"
	"kestrel/internal/httpclient"
	"kestrel/internal/model"
	"kestrel/internal/organizer"
	"kestrel/internal/storage"
)

func spawnRangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	tempBase := t.TempDir()
	dest := t.TempDir()

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs, err := filestore.New(tempBase)
	require.NoError(t, err)
	org := organizer.New(false, nil)
	httpC := httpclient.New(4, 2)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(httpC, fs, org, logger, engine.Config{MaxWorkersPerTask: 4})
	bus := events.New()

	m := New(store, eng, bus, logger, Config{MaxConcurrentDownloads: 2})
	return m, dest
}

func TestAddRejectsDuplicateActiveURL(t *testing.T) {
	m, dest := newTestManager(t)

	task, err := m.Add("http://example.test/file.bin", "file.bin", dest, 0, nil)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, task.Status)

	_, err = m.Add("http://example.test/file.bin", "file.bin", dest, 0, nil)
	require.ErrorIs(t, err, model.ErrDuplicate)
}

func TestAddSchedulesFutureTask(t *testing.T) {
	m, dest := newTestManager(t)
	future := time.Now().Add(time.Hour)

	task, err := m.Add("http://example.test/later.bin", "later.bin", dest, 0, &future)
	require.NoError(t, err)
	require.True(t, task.IsScheduled())
	require.Equal(t, 1, m.sched.Len())
}

func TestPauseQueuedTaskWithoutStarting(t *testing.T) {
	m, dest := newTestManager(t)
	task, err := m.Add("http://example.test/q.bin", "q.bin", dest, 0, nil)
	require.NoError(t, err)

	require.NoError(t, m.Pause(task.ID))
	got, ok := m.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusPaused, got.Status)
	require.Equal(t, 0, m.queue.Len())
}

func TestResumeRequeuesPausedTask(t *testing.T) {
	m, dest := newTestManager(t)
	task, err := m.Add("http://example.test/r.bin", "r.bin", dest, 0, nil)
	require.NoError(t, err)
	require.NoError(t, m.Pause(task.ID))

	require.NoError(t, m.Resume(task.ID))
	got, _ := m.Get(task.ID)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Equal(t, 1, m.queue.Len())
}

func TestDeleteRemovesFromTrackingAndStorage(t *testing.T) {
	m, dest := newTestManager(t)
	task, err := m.Add("http://example.test/d.bin", "d.bin", dest, 0, nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(task.ID))
	_, ok := m.Get(task.ID)
	require.False(t, ok)

	loaded, _, err := m.store.LoadTask(task.ID)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestEndToEndDownloadCompletes(t *testing.T) {
	data := bytes.Repeat([]byte{'z'}, 4000)
	srv := spawnRangeServer(t, data)
	m, dest := newTestManager(t)

	done := make(chan struct{})
	m.bus.OnStatus(func(evt events.StatusEvent) {
		if evt.Current == model.StatusCompleted {
			close(done)
		}
	})

	task, err := m.Add(srv.URL, "out.bin", dest, 0, nil)
	require.NoError(t, err)

	m.Start()
	t.Cleanup(m.Shutdown)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	got, ok := m.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusCompleted, got.Status)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ByStatus[model.StatusCompleted])
}

func TestOnPartsErrorRetriesTransientKindAndClearsActiveSlot(t *testing.T) {
	m, dest := newTestManager(t)
	task, err := m.Add("http://example.test/transient.bin", "transient.bin", dest, 0, nil)
	require.NoError(t, err)

	// Simulate the processor loop having dequeued and dispatched the task.
	_, ok := m.queue.TryPop()
	require.True(t, ok)
	m.mu.Lock()
	m.active[task.ID] = true
	m.mu.Unlock()

	cb := m.callbacksFor(task)
	part := &model.Part{DownloadID: task.ID, PartNumber: 0, TempPath: ""}
	cb.OnPartsError(task, []*model.Part{part}, model.NewError(model.KindNetworkError, "connection reset", nil))

	m.mu.Lock()
	_, stillActive := m.active[task.ID]
	m.mu.Unlock()
	require.False(t, stillActive, "OnPartsError must clear the active slot even when the task retries")

	got, ok := m.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, 1, m.queue.Len())
}

func TestOnPartsErrorFatalKindNeverRetries(t *testing.T) {
	m, dest := newTestManager(t)
	task, err := m.Add("http://example.test/fatal.bin", "fatal.bin", dest, 0, nil)
	require.NoError(t, err)

	// Simulate the processor loop having dequeued and dispatched the task.
	_, ok := m.queue.TryPop()
	require.True(t, ok)
	m.mu.Lock()
	m.active[task.ID] = true
	m.mu.Unlock()

	cb := m.callbacksFor(task)
	part := &model.Part{DownloadID: task.ID, PartNumber: 0, TempPath: ""}
	cb.OnPartsError(task, []*model.Part{part}, model.NewError(model.KindInsufficientSpace, "disk full", nil))

	got, ok := m.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusError, got.Status)
	require.Equal(t, 0, m.queue.Len())
}

func TestRecoverMovesDownloadingToPaused(t *testing.T) {
	m, dest := newTestManager(t)
	task := model.NewTask("http://example.test/recover.bin", "recover.bin", dest, 0, nil)
	task.Status = model.StatusDownloading
	require.NoError(t, m.store.UpsertTask(task, nil))

	m2, _ := newTestManager(t)
	m2.store = m.store
	require.NoError(t, m2.Recover())

	got, ok := m2.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.StatusPaused, got.Status)
}
