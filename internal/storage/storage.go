package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kestrel/internal/model"

	"github.com/glebarez/sqlite"
)

// Storage is the single-file embedded store for tasks and parts. Writes go
// through writeMu so concurrent callers never interleave a multi-statement
// transaction; reads use the shared *gorm.DB connection directly, matching
// sqlite's single-writer/many-reader model.
type Storage struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// Open creates or migrates the sqlite database at path. Use ":memory:" for
// an ephemeral store (tests).
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&downloadRow{}, &partRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(t *model.Task) *downloadRow {
	headers, _ := json.Marshal(t.Headers)
	return &downloadRow{
		ID:              t.ID,
		URL:             t.URL,
		Filename:        t.Filename,
		Destination:     t.Destination,
		FileSize:        t.FileSize,
		DownloadedBytes: t.DownloadedBytes,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ErrorMessage:    t.ErrorMessage,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		SupportsRange:   t.SupportsRange,
		NumWorkers:      t.NumWorkers,
		DownloadSpeed:   t.DownloadSpeed,
		ETA:             t.ETASeconds,
		ProgressPercent: t.ProgressPct,
		ContentType:     t.ContentType,
		HeadersJSON:     string(headers),
		Checksum:        t.Checksum,
		HashAlgorithm:   t.HashAlgorithm,
		IsVideo:         t.IsVideo,
		VideoQuality:    t.VideoQuality,
		ScheduledTime:   t.ScheduledTime,
		Priority:        t.Priority,
	}
}

func fromRow(r *downloadRow) *model.Task {
	headers := make(map[string]string)
	if r.HeadersJSON != "" {
		_ = json.Unmarshal([]byte(r.HeadersJSON), &headers)
	}
	t := &model.Task{
		ID:              r.ID,
		URL:             r.URL,
		Filename:        r.Filename,
		Destination:     r.Destination,
		FileSize:        r.FileSize,
		DownloadedBytes: r.DownloadedBytes,
		Status:          model.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		SupportsRange:   r.SupportsRange,
		NumWorkers:      r.NumWorkers,
		DownloadSpeed:   r.DownloadSpeed,
		ETASeconds:      r.ETA,
		ProgressPct:     r.ProgressPercent,
		ContentType:     r.ContentType,
		Headers:         headers,
		Checksum:        r.Checksum,
		HashAlgorithm:   r.HashAlgorithm,
		IsVideo:         r.IsVideo,
		VideoQuality:    r.VideoQuality,
		ScheduledTime:   r.ScheduledTime,
		Priority:        r.Priority,
	}
	return t
}

func toPartRow(p *model.Part) *partRow {
	status := "pending"
	if p.Completed {
		status = "completed"
	}
	return &partRow{
		DownloadID:      p.DownloadID,
		PartNumber:      p.PartNumber,
		StartByte:       p.StartByte,
		EndByte:         p.EndByte,
		DownloadedBytes: p.DownloadedBytes,
		Status:          status,
		TempPath:        p.TempPath,
	}
}

func fromPartRow(r *partRow) *model.Part {
	return &model.Part{
		DownloadID:      r.DownloadID,
		PartNumber:      r.PartNumber,
		StartByte:       r.StartByte,
		EndByte:         r.EndByte,
		DownloadedBytes: r.DownloadedBytes,
		TempPath:        r.TempPath,
		Completed:       r.Status == "completed",
	}
}

// UpsertTask writes a task's full metadata and, when parts is non-nil,
// replaces its stored parts; a nil parts leaves the stored parts as they
// are. Called on every status transition per the durability policy.
func (s *Storage) UpsertTask(t *model.Task, parts []*model.Part) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		row := toRow(t)
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
		if parts != nil {
			if err := tx.Where("download_id = ?", t.ID).Delete(&partRow{}).Error; err != nil {
				return fmt.Errorf("clear parts for %s: %w", t.ID, err)
			}
			for _, p := range parts {
				if err := tx.Create(toPartRow(p)).Error; err != nil {
					return fmt.Errorf("insert part %d for %s: %w", p.PartNumber, t.ID, err)
				}
			}
		}
		return nil
	})
}

// UpdateProgress performs a cheap, indexed update of the mutable progress
// columns only, without touching parts. Used by the throttled progress
// flush path so a periodic write doesn't rewrite the whole row.
func (s *Storage) UpdateProgress(id string, downloadedBytes int64, percent, speed, eta float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Model(&downloadRow{}).Where("id = ?", id).Updates(map[string]any{
		"downloaded_bytes": downloadedBytes,
		"progress_percent": percent,
		"download_speed":   speed,
		"eta":              eta,
	}).Error
}

// LoadTask returns a task and its parts, ordered by part number.
func (s *Storage) LoadTask(id string) (*model.Task, []*model.Part, error) {
	var row downloadRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var partRows []partRow
	if err := s.db.Where("download_id = ?", id).Order("part_number").Find(&partRows).Error; err != nil {
		return nil, nil, fmt.Errorf("load parts for %s: %w", id, err)
	}
	parts := make([]*model.Part, len(partRows))
	for i := range partRows {
		parts[i] = fromPartRow(&partRows[i])
	}
	return fromRow(&row), parts, nil
}

// LoadAll returns every task, newest first.
func (s *Storage) LoadAll() ([]*model.Task, error) {
	var rows []downloadRow
	if err := s.db.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load all tasks: %w", err)
	}
	tasks := make([]*model.Task, len(rows))
	for i := range rows {
		tasks[i] = fromRow(&rows[i])
	}
	return tasks, nil
}

// ListByStatus returns every task in the given status.
func (s *Storage) ListByStatus(status model.Status) ([]*model.Task, error) {
	var rows []downloadRow
	if err := s.db.Where("status = ?", string(status)).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list by status %s: %w", status, err)
	}
	tasks := make([]*model.Task, len(rows))
	for i := range rows {
		tasks[i] = fromRow(&rows[i])
	}
	return tasks, nil
}

// DeleteTask removes a task and cascades to its parts.
func (s *Storage) DeleteTask(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id = ?", id).Delete(&partRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&downloadRow{}, "id = ?", id).Error
	})
}

// Stats is a coarse summary used for CLI reporting and health checks.
type Stats struct {
	TotalTasks     int64
	ByStatus       map[model.Status]int64
	TotalBytesDone int64
}

// Stats aggregates counts by status and total bytes downloaded across all
// tasks, regardless of lifecycle state.
func (s *Storage) Stats() (Stats, error) {
	out := Stats{ByStatus: make(map[model.Status]int64)}
	if err := s.db.Model(&downloadRow{}).Count(&out.TotalTasks).Error; err != nil {
		return out, err
	}
	rows, err := s.db.Model(&downloadRow{}).Select("status, count(*) as c").Group("status").Rows()
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var c int64
		if err := rows.Scan(&status, &c); err != nil {
			return out, err
		}
		out.ByStatus[model.Status(status)] = c
	}
	if err := s.db.Model(&downloadRow{}).Select("coalesce(sum(downloaded_bytes),0)").Row().Scan(&out.TotalBytesDone); err != nil {
		return out, err
	}
	return out, nil
}

// GCCompleted deletes Completed or Cancelled tasks older than the given
// number of days, cascading to their parts.
func (s *Storage) GCCompleted(olderThanDays int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	var ids []string
	if err := s.db.Model(&downloadRow{}).
		Where("status IN ? AND created_at < ?", []string{string(model.StatusCompleted), string(model.StatusCancelled)}, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id IN ?", ids).Delete(&partRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&downloadRow{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
