package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAppendAndSizeOf(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	path, err := s.CreatePartFile("task1", 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(path, []byte("hello ")))
	require.NoError(t, s.Append(path, []byte("world")))

	require.Equal(t, int64(len("hello world")), s.SizeOf(path))
}

func TestMergeResolvesCollisions(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	p1, _ := s.CreatePartFile("t", 0)
	p2, _ := s.CreatePartFile("t", 1)
	require.NoError(t, s.Append(p1, []byte("AAAA")))
	require.NoError(t, s.Append(p2, []byte("BBBB")))

	dest := t.TempDir()
	// Pre-create a colliding file.
	require.NoError(t, os.WriteFile(filepath.Join(dest, "file.bin"), []byte("existing"), 0o644))

	final, err := s.Merge([]string{p1, p2}, dest, "file.bin")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dest, "file (1).bin"), final)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(data))
}

func TestVerifySizeAndChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc123"), 0o644))

	require.NoError(t, Verify(path, 6, "", ""))
	require.Error(t, Verify(path, 7, "", ""))

	require.NoError(t, Verify(path, 6, "md5", "e99a18c428cb38d5f260853678922e03"))
	require.Error(t, Verify(path, 6, "md5", "deadbeef"))
}

func TestHasSpace(t *testing.T) {
	dir := t.TempDir()
	ok, err := HasSpace(dir, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = HasSpace(dir, 1<<62)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGCOldParts(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	oldPath, _ := s.CreatePartFile("old", 0)
	require.NoError(t, os.Chtimes(oldPath, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))

	freshPath, _ := s.CreatePartFile("fresh", 0)

	require.NoError(t, s.GCOldParts(time.Hour))

	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(freshPath)
	require.NoError(t, err)
}
