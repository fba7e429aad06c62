// Command kestrel is the CLI entrypoint: it wires the config, storage,
// engine and manager layers together and either runs as a background
// daemon processing whatever is already queued, or accepts a single URL
// on the command line to queue and watch.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"kestrel/internal/config"
	"kestrel/internal/engine"
	"kestrel/internal/events"
	"kestrel/internal/filestore"
	"kestrel/internal/httpclient"
	"kestrel/internal/lifecycle"
	"kestrel/internal/logging"
	"kestrel/internal/manager"
	"kestrel/internal/model"
	"kestrel/internal/organizer"
	"kestrel/internal/storage"
)

func main() {
	dest := flag.String("dest", "", "destination directory (defaults to the configured download directory)")
	priority := flag.Int("priority", 0, "download priority; higher values are dispatched first")
	at := flag.String("at", "", "RFC3339 timestamp to schedule the download for, instead of starting immediately")
	registerProtocol := flag.Bool("register-protocol", false, "register the kestrel:// URL protocol handler (not supported: reports an error and exits with status 1)")
	unregisterProtocol := flag.Bool("unregister-protocol", false, "remove the kestrel:// URL protocol handler (not supported: reports an error and exits with status 1)")
	flag.Parse()

	if *registerProtocol || *unregisterProtocol {
		fmt.Fprintln(os.Stderr, "protocol handler registration is not supported on this platform")
		os.Exit(1)
	}

	if err := run(flag.Args(), *dest, *priority, *at); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, destFlag string, priority int, atFlag string) error {
	configDir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger, err := logging.New(configDir, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := storage.Open(filepath.Join(configDir, "kestrel.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	fileStore, err := filestore.New(os.TempDir())
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	bandwidth := 0
	if settings.BandwidthLimit > 0 {
		bandwidth = settings.BandwidthLimit
	}
	httpOpts := []httpclient.Option{httpclient.WithChunkSize(settings.ChunkSize), httpclient.WithTimeout(time.Duration(settings.ConnectionTimeout) * time.Second)}
	if bandwidth > 0 {
		httpOpts = append(httpOpts, httpclient.WithBandwidthLimit(bandwidth))
	}
	httpClient := httpclient.New(settings.MaxThreadsPerDownload, settings.MaxConcurrentDownloads, httpOpts...)
	defer httpClient.CloseIdleConnections()

	org := organizer.New(settings.AutoOrganizeFiles, settings.FileCategories)
	eng := engine.New(httpClient, fileStore, org, logger, engine.Config{MaxWorkersPerTask: settings.MaxThreadsPerDownload})
	bus := events.New()
	mgr := manager.New(store, eng, bus, logger, manager.Config{MaxConcurrentDownloads: settings.MaxConcurrentDownloads})

	if err := mgr.Recover(); err != nil {
		return fmt.Errorf("recover persisted tasks: %w", err)
	}
	mgr.Start()

	shutdown := make(chan struct{})
	lifecycle.WaitForSignals(func() {
		logger.Info("shutdown signal received")
		close(shutdown)
	})

	if len(args) == 0 {
		logger.Info("kestrel daemon running", "max_concurrent", settings.MaxConcurrentDownloads)
		<-shutdown
		mgr.Shutdown()
		return nil
	}

	url := args[0]
	destination := destFlag
	if destination == "" {
		destination = settings.DownloadDirectory
	}

	var scheduledTime *time.Time
	if atFlag != "" {
		parsed, err := time.Parse(time.RFC3339, atFlag)
		if err != nil {
			return fmt.Errorf("invalid -at timestamp: %w", err)
		}
		scheduledTime = &parsed
	}

	filename := filepath.Base(url)
	task, err := mgr.Add(url, filename, destination, priority, scheduledTime)
	if err != nil {
		return err
	}
	fmt.Printf("queued %s -> %s\n", task.ID, filepath.Join(destination, filename))

	done := make(chan model.Status, 1)
	bus.OnStatus(func(evt events.StatusEvent) {
		if evt.Task.ID != task.ID {
			return
		}
		switch evt.Current {
		case model.StatusCompleted, model.StatusError, model.StatusCancelled:
			done <- evt.Current
		}
	})
	bus.OnProgress(func(evt events.ProgressEvent) {
		if evt.Task.ID != task.ID {
			return
		}
		fmt.Printf("\r%s  %6.2f%%  %s/s", task.ID, evt.Task.ProgressPct, humanize.Bytes(uint64(evt.Task.DownloadSpeed)))
	})

	select {
	case status := <-done:
		fmt.Println()
		logStatus(logger, task.ID, status)
	case <-shutdown:
		fmt.Println()
		logger.Info("interrupted before completion, download paused for later resume", "id", task.ID)
	}

	mgr.Shutdown()
	return nil
}

func logStatus(logger *slog.Logger, id string, status model.Status) {
	switch status {
	case model.StatusCompleted:
		logger.Info("download finished", "id", id)
	default:
		logger.Error("download did not complete", "id", id, "status", status)
	}
}
