// Package model defines the task and part entities shared by every layer of
// the download core: persistence, scheduling, queueing and the engine.
package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the lifecycle state of a DownloadTask.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// DefaultMaxRetries is the retry budget assigned to a task unless overridden.
const DefaultMaxRetries = 3

// Task is a single logical download: a URL to a file on disk. Identity
// (ID, URL, CreatedAt) is fixed at construction; everything else mutates
// as the download progresses through its lifecycle.
type Task struct {
	ID       string
	URL      string
	Filename string

	Destination string
	FileSize    int64

	DownloadedBytes int64
	Status          Status

	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	RetryCount    int
	MaxRetries    int
	SupportsRange bool
	NumWorkers    int
	DownloadSpeed float64 // bytes/sec
	ETASeconds    float64
	ProgressPct   float64
	ContentType   string
	Headers       map[string]string
	Checksum      string
	HashAlgorithm string

	IsVideo      bool
	VideoQuality string

	ScheduledTime *time.Time
	Priority      int
}

// NewTask constructs a Pending task. ID is derived from URL and creation
// time so two distinct submissions of the same URL never collide.
func NewTask(url, filename, destination string, priority int, scheduledTime *time.Time) *Task {
	now := time.Now()
	t := &Task{
		ID:          GenerateID(url, now),
		URL:         url,
		Filename:    filename,
		Destination: destination,
		Status:      StatusPending,
		CreatedAt:   now,
		MaxRetries:  DefaultMaxRetries,
		NumWorkers:  1,
		Headers:     make(map[string]string),
		Priority:    priority,
	}
	if scheduledTime != nil && scheduledTime.After(now) {
		t.ScheduledTime = scheduledTime
	}
	return t
}

// GenerateID derives the opaque 12-hex-character task id from the URL and
// the creation timestamp, matching the reference implementation's scheme.
func GenerateID(url string, createdAt time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d", url, createdAt.UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IsScheduled reports whether the task is waiting on a future release time.
func (t *Task) IsScheduled() bool {
	return t.ScheduledTime != nil && t.ScheduledTime.After(time.Now())
}

// RecomputeProgress derives ProgressPct from DownloadedBytes/FileSize.
// Zero-size (unknown) files report 0% until the size becomes known.
func (t *Task) RecomputeProgress() {
	if t.FileSize > 0 {
		t.ProgressPct = 100 * float64(t.DownloadedBytes) / float64(t.FileSize)
	} else {
		t.ProgressPct = 0
	}
}

// Snapshot is an immutable, value-typed view of a Task handed to event
// subscribers. Callers must not mutate it; the Manager owns the only
// mutable copy of task state.
type Snapshot struct {
	ID              string
	URL             string
	Filename        string
	Destination     string
	FileSize        int64
	DownloadedBytes int64
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	RetryCount      int
	SupportsRange   bool
	NumWorkers      int
	DownloadSpeed   float64
	ETASeconds      float64
	ProgressPct     float64
	ContentType     string
	Priority        int
	ScheduledTime   *time.Time
	IsVideo         bool
	VideoQuality    string
}

// ToSnapshot copies the task's externally relevant fields by value.
func (t *Task) ToSnapshot() Snapshot {
	return Snapshot{
		ID:              t.ID,
		URL:             t.URL,
		Filename:        t.Filename,
		Destination:     t.Destination,
		FileSize:        t.FileSize,
		DownloadedBytes: t.DownloadedBytes,
		Status:          t.Status,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ErrorMessage:    t.ErrorMessage,
		RetryCount:      t.RetryCount,
		SupportsRange:   t.SupportsRange,
		NumWorkers:      t.NumWorkers,
		DownloadSpeed:   t.DownloadSpeed,
		ETASeconds:      t.ETASeconds,
		ProgressPct:     t.ProgressPct,
		ContentType:     t.ContentType,
		Priority:        t.Priority,
		ScheduledTime:   t.ScheduledTime,
		IsVideo:         t.IsVideo,
		VideoQuality:    t.VideoQuality,
	}
}
