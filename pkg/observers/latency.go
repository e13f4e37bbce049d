package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Agions/xfyun-sdk/pkg/metrics"
)

// LatencyObserver logs connect, first-result and finalize latencies once a
// session's connection closes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	requested   time.Time
	opened      time.Time
	firstResult time.Time
	endSent     time.Time
	final       time.Time
	results     int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.SessionID()
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventStartRequested:
		if t.requested.IsZero() {
			t.requested = ev.Time
		}
	case metrics.EventOpened:
		if t.opened.IsZero() {
			t.opened = ev.Time
		}
	case metrics.EventResult:
		t.results++
		if t.firstResult.IsZero() {
			t.firstResult = ev.Time
		}
		if ev.Tags["final"] == "true" {
			t.final = ev.Time
		}
	case metrics.EventFrameSent:
		if ev.Tags["kind"] == "end" && t.endSent.IsZero() {
			t.endSent = ev.Time
		}
	case metrics.EventState:
		// Cycles that fail before connecting never see asr_closed.
		if ev.Tags["state"] == "error" && t.opened.IsZero() {
			delete(o.traces, sessionID)
		}
	case metrics.EventClosed:
		o.logLocked(sessionID, t)
		delete(o.traces, sessionID)
	}
}

// Pending reports how many sessions are still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logLocked(sessionID string, t *trace) {
	o.log.Info("session_latency",
		"session_id", sessionID,
		"connect_ms", durationMs(t.requested, t.opened),
		"first_result_ms", durationMs(t.opened, t.firstResult),
		"finalize_ms", durationMs(t.endSent, t.final),
		"results", t.results,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
