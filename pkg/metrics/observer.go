package metrics

import "time"

// Session event names.
const (
	EventStartRequested = "asr_start_requested"
	EventOpened         = "asr_opened"
	EventState          = "asr_state"
	EventFrameSent      = "asr_frame_sent"
	EventChunkDropped   = "asr_chunk_dropped"
	EventResult         = "asr_result"
	EventError          = "asr_error"
	EventVolume         = "asr_volume"
	EventClosed         = "asr_closed"
)

// TagSessionID carries the per-cycle session id on every event.
const TagSessionID = "session_id"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// SessionID returns the session tag, or "".
func (ev MetricsEvent) SessionID() string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[TagSessionID]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Filter forwards only the named events to inner.
type Filter struct {
	inner Observer
	names map[string]struct{}
}

func NewFilter(inner Observer, names ...string) *Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &Filter{inner: inner, names: set}
}

func (f *Filter) RecordEvent(ev MetricsEvent) {
	if _, ok := f.names[ev.Name]; ok {
		f.inner.RecordEvent(ev)
	}
}
