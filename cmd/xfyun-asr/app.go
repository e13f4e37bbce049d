package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Agions/xfyun-sdk/pkg/config"
	"github.com/Agions/xfyun-sdk/pkg/logging"
	"github.com/Agions/xfyun-sdk/pkg/metrics"
	"github.com/Agions/xfyun-sdk/pkg/observers"
	"github.com/Agions/xfyun-sdk/pkg/redact"
)

// app holds what every command needs once config is loaded.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	observer metrics.Observer
	closers  []func()
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.SetDefault(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	redact.SetEnabled(cfg.Privacy.Redact)

	log.Debug("config_loaded",
		"path", configPath,
		"app_id", cfg.Credentials.AppID,
		"api_key", redact.Secret(cfg.Credentials.APIKey),
		"capture", cfg.Capture.Provider,
	)

	a := &app{cfg: cfg, log: log}
	if err := a.buildObserver(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// buildObserver fans session events out to the latency log and the
// configured sinks behind one async buffer.
func (a *app) buildObserver() error {
	obs := a.cfg.Observability
	list := []metrics.Observer{
		metrics.NewFilter(observers.NewLatencyObserver(a.log),
			metrics.EventStartRequested, metrics.EventOpened, metrics.EventState,
			metrics.EventFrameSent, metrics.EventResult, metrics.EventClosed),
		observers.NewLoggerObserver(logging.NewComponentLogger(a.log, "metrics")),
	}

	if obs.MetricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(obs.MetricsFile), 0o755); err != nil {
			return fmt.Errorf("metrics file: %w", err)
		}
		f, err := os.OpenFile(obs.MetricsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("metrics file: %w", err)
		}
		a.closers = append(a.closers, func() { _ = f.Close() })
		list = append(list, metrics.NewSplit(metrics.NewJSONLObserver(f), obs.VolumeSampleRate, metrics.EventVolume))
	}

	if obs.TimelineDir != "" {
		timeline := observers.NewTimelineObserver(obs.TimelineDir)
		removed, err := timeline.Purge(obs.TimelineRetention)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.log.Warn("timeline_purge_failed", "dir", obs.TimelineDir, "error", err.Error())
		} else if removed > 0 {
			a.log.Info("timeline_purged", "dir", obs.TimelineDir, "removed", removed)
		}
		a.closers = append(a.closers, func() { _ = timeline.Close() })
		list = append(list, timeline)
	}

	async := metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	// Drain the buffer before any sink is closed.
	a.closers = append([]func(){func() {
		async.Close()
		if n := async.Dropped(); n > 0 {
			a.log.Warn("metrics_events_dropped", "count", n)
		}
	}}, a.closers...)
	a.observer = async
	return nil
}

func (a *app) close() {
	for _, fn := range a.closers {
		fn()
	}
	a.closers = nil
}
