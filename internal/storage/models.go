// Package storage is the durable record of tasks and parts: a single-file
// embedded relational store (gorm over a pure-Go sqlite driver) so
// interrupted downloads survive restart and resume from the last
// committed byte.
package storage

import "time"

// downloadRow is the gorm model backing the downloads table. Field names
// and the table's shape follow the persistence contract exactly; there is
// no ORM-convenience renaming here because external tooling reads the
// schema directly.
type downloadRow struct {
	ID              string `gorm:"primaryKey;size:32"`
	URL             string `gorm:"not null"`
	Filename        string
	Destination     string
	FileSize        int64
	DownloadedBytes int64
	Status          string `gorm:"index;size:16"`
	CreatedAt       time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	RetryCount      int
	MaxRetries      int
	SupportsRange   bool
	NumWorkers      int
	DownloadSpeed   float64
	ETA             float64
	ProgressPercent float64
	ContentType     string
	HeadersJSON     string
	Checksum        string
	HashAlgorithm   string
	IsVideo         bool
	VideoQuality    string
	ScheduledTime   *time.Time
	Priority        int

	Parts []partRow `gorm:"foreignKey:DownloadID;references:ID;constraint:OnDelete:CASCADE"`
}

func (downloadRow) TableName() string { return "downloads" }

// partRow is the gorm model backing the download_parts table.
type partRow struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	DownloadID      string `gorm:"index;size:32;not null;uniqueIndex:idx_download_part"`
	PartNumber      int    `gorm:"uniqueIndex:idx_download_part"`
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
	Status          string `gorm:"size:16"`
	TempPath        string
}

func (partRow) TableName() string { return "download_parts" }
