// Package config loads and persists the immutable Settings snapshot every
// other component is constructed with, instead of reaching into package
// globals. Settings are JSON-encoded in a per-user config directory, the
// way the reference implementation's Settings class does.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const appName = "Kestrel"

// Settings is the read-mostly configuration snapshot handed to the
// Manager, Engine, HTTP client and File Store at construction.
type Settings struct {
	DownloadDirectory      string              `json:"download_directory"`
	MaxConcurrentDownloads int                 `json:"max_concurrent_downloads"`
	MaxThreadsPerDownload  int                 `json:"max_threads_per_download"`
	ChunkSize              int                 `json:"chunk_size"`
	ConnectionTimeout      int                 `json:"connection_timeout"`
	RetryAttempts          int                 `json:"retry_attempts"`
	RetryDelay             int                 `json:"retry_delay"`
	BandwidthLimit         int                 `json:"bandwidth_limit"`
	AutoOrganizeFiles      bool                `json:"auto_organize_files"`
	FileCategories         map[string][]string `json:"file_categories"`
}

// Default returns the built-in defaults, used the first time the app
// runs or when the settings file is missing.
func Default() Settings {
	home, _ := os.UserHomeDir()
	return Settings{
		DownloadDirectory:      filepath.Join(home, "Downloads"),
		MaxConcurrentDownloads: 3,
		MaxThreadsPerDownload:  8,
		ChunkSize:              8192,
		ConnectionTimeout:      30,
		RetryAttempts:          3,
		RetryDelay:             5,
		BandwidthLimit:         0,
		AutoOrganizeFiles:      true,
		FileCategories: map[string][]string{
			"videos":      {".mp4", ".avi", ".mkv", ".mov", ".wmv", ".flv", ".webm"},
			"audio":       {".mp3", ".wav", ".flac", ".aac", ".ogg", ".wma"},
			"images":      {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg", ".webp"},
			"documents":   {".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt"},
			"archives":    {".zip", ".rar", ".7z", ".tar", ".gz", ".bz2"},
			"executables": {".exe", ".msi", ".deb", ".rpm", ".dmg", ".pkg"},
		},
	}
}

// Dir returns the per-user configuration directory, creating it if
// necessary.
func Dir() (string, error) {
	var dir string
	if appData := os.Getenv("APPDATA"); appData != "" {
		dir = filepath.Join(appData, appName)
	} else if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, "."+appName)
	} else {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads settings.json from the config directory, merging it over
// the defaults so new keys introduced by an upgrade are never missing.
// A missing file is not an error; it yields the defaults.
func Load() (Settings, error) {
	s := Default()
	dir, err := Dir()
	if err != nil {
		return s, err
	}
	path := filepath.Join(dir, "settings.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Default(), err
	}
	return s, nil
}

// Save writes settings to settings.json in the config directory.
func Save(s Settings) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644)
}
