package engine

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kestrel/internal/filestore"
	"kestrel/internal/httpclient"
	"kestrel/internal/model"
	"kestrel/internal/organizer"
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

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	tempBase := t.TempDir()
	store, err := filestore.New(tempBase)
	require.NoError(t, err)
	org := organizer.New(false, nil)
	httpC := httpclient.New(4, 2)
	dest := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(httpC, store, org, logger, Config{MaxWorkersPerTask: 4}), dest
}

func TestEngineDownloadsSinglePart(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, 2000)
	srv := spawnRangeServer(t, data)
	e, dest := newTestEngine(t)

	task := model.NewTask(srv.URL, "out.bin", dest, 0, nil)

	statusCh := make(chan model.Status, 8)
	completeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	e.Start(task, nil, Callbacks{
		OnStatusChange: func(t *model.Task, prev model.Status) { statusCh <- t.Status },
		OnComplete:     func(t *model.Task, path string) { completeCh <- path },
		OnError:        func(t *model.Task, err error) { errCh <- err },
	})

	select {
	case path := <-completeCh:
		data2, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, data, data2)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	require.Equal(t, model.StatusCompleted, task.Status)
	require.Equal(t, int64(len(data)), task.DownloadedBytes)
}

func TestEngineDownloadsMultiPart(t *testing.T) {
	data := bytes.Repeat([]byte{'b'}, 5*oneMiB)
	srv := spawnRangeServer(t, data)
	e, dest := newTestEngine(t)

	task := model.NewTask(srv.URL, "big.bin", dest, 0, nil)

	completeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	e.Start(task, nil, Callbacks{
		OnComplete: func(t *model.Task, path string) { completeCh <- path },
		OnError:    func(t *model.Task, err error) { errCh <- err },
	})

	select {
	case path := <-completeCh:
		data2, err := os.ReadFile(path)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, data2))
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete in time")
	}

	require.True(t, task.NumWorkers > 1)
}

func TestEngineMergeResolvesCollision(t *testing.T) {
	data := bytes.Repeat([]byte{'c'}, 100)
	srv := spawnRangeServer(t, data)
	e, dest := newTestEngine(t)

	require.NoError(t, os.WriteFile(filepath.Join(dest, "dup.bin"), []byte("existing"), 0o644))

	task := model.NewTask(srv.URL, "dup.bin", dest, 0, nil)
	completeCh := make(chan string, 1)
	e.Start(task, nil, Callbacks{
		OnComplete: func(t *model.Task, path string) { completeCh <- path },
	})

	select {
	case path := <-completeCh:
		require.Equal(t, filepath.Join(dest, "dup (1).bin"), path)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}
}
