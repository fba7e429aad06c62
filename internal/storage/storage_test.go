package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kestrel/internal/model"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndLoadTask(t *testing.T) {
	s := newTestStorage(t)

	task := model.NewTask("https://example.com/file.bin", "file.bin", "/downloads", 1, nil)
	task.FileSize = 1000
	task.SupportsRange = true
	task.NumWorkers = 2
	task.Headers = map[string]string{"Accept": "*/*"}

	parts := model.PlanParts(task.ID, task.FileSize, task.NumWorkers)
	for _, p := range parts {
		p.TempPath = "/tmp/" + task.ID + ".part"
	}

	require.NoError(t, s.UpsertTask(task, parts))

	loaded, loadedParts, err := s.LoadTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, task.URL, loaded.URL)
	require.Equal(t, task.FileSize, loaded.FileSize)
	require.Equal(t, "*/*", loaded.Headers["Accept"])
	require.Len(t, loadedParts, 2)
	require.Equal(t, int64(0), loadedParts[0].StartByte)
	require.Equal(t, task.FileSize-1, loadedParts[1].EndByte)
}

func TestLoadTaskMissing(t *testing.T) {
	s := newTestStorage(t)
	task, parts, err := s.LoadTask("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, task)
	require.Nil(t, parts)
}

func TestUpdateProgressDoesNotTouchParts(t *testing.T) {
	s := newTestStorage(t)
	task := model.NewTask("https://example.com/a.bin", "a.bin", "/downloads", 0, nil)
	task.FileSize = 100
	parts := model.PlanParts(task.ID, task.FileSize, 1)
	require.NoError(t, s.UpsertTask(task, parts))

	require.NoError(t, s.UpdateProgress(task.ID, 50, 50.0, 1024, 10))

	loaded, loadedParts, err := s.LoadTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), loaded.DownloadedBytes)
	require.Equal(t, 50.0, loaded.ProgressPct)
	require.Len(t, loadedParts, 1)
}

func TestListByStatus(t *testing.T) {
	s := newTestStorage(t)
	a := model.NewTask("https://example.com/a", "a", "/d", 0, nil)
	a.Status = model.StatusDownloading
	b := model.NewTask("https://example.com/b", "b", "/d", 0, nil)
	b.Status = model.StatusCompleted
	require.NoError(t, s.UpsertTask(a, nil))
	require.NoError(t, s.UpsertTask(b, nil))

	downloading, err := s.ListByStatus(model.StatusDownloading)
	require.NoError(t, err)
	require.Len(t, downloading, 1)
	require.Equal(t, a.ID, downloading[0].ID)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStorage(t)
	task := model.NewTask("https://example.com/c", "c", "/d", 0, nil)
	task.FileSize = 10
	parts := model.PlanParts(task.ID, task.FileSize, 1)
	require.NoError(t, s.UpsertTask(task, parts))

	require.NoError(t, s.DeleteTask(task.ID))

	loaded, loadedParts, err := s.LoadTask(task.ID)
	require.NoError(t, err)
	require.Nil(t, loaded)
	require.Nil(t, loadedParts)
}

func TestGCCompleted(t *testing.T) {
	s := newTestStorage(t)
	old := model.NewTask("https://example.com/old", "old", "/d", 0, nil)
	old.Status = model.StatusCompleted
	old.CreatedAt = old.CreatedAt.AddDate(0, 0, -30)
	require.NoError(t, s.UpsertTask(old, nil))

	fresh := model.NewTask("https://example.com/new", "new", "/d", 0, nil)
	fresh.Status = model.StatusCompleted
	require.NoError(t, s.UpsertTask(fresh, nil))

	n, err := s.GCCompleted(7)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, fresh.ID, all[0].ID)
}

func TestStats(t *testing.T) {
	s := newTestStorage(t)
	a := model.NewTask("https://example.com/s1", "s1", "/d", 0, nil)
	a.DownloadedBytes = 100
	a.Status = model.StatusCompleted
	require.NoError(t, s.UpsertTask(a, nil))

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalTasks)
	require.Equal(t, int64(1), stats.ByStatus[model.StatusCompleted])
	require.Equal(t, int64(100), stats.TotalBytesDone)
}
