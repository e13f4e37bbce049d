package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timelineExt = ".jsonl"

// Purge deletes session timelines in the observer's directory whose last
// write is older than retention. Timelines of sessions still being recorded
// are kept regardless of age.
func (o *TimelineObserver) Purge(retention time.Duration) (int, error) {
	if strings.TrimSpace(o.dir) == "" || retention <= 0 {
		return 0, nil
	}
	return o.purgeBefore(time.Now().Add(-retention))
}

func (o *TimelineObserver) purgeBefore(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	open := make(map[string]bool, len(o.files))
	for id := range o.files {
		open[id+timelineExt] = true
	}
	o.mu.Unlock()

	var removed int
	var errs error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != timelineExt || open[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(o.dir, name)); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
