// Package storage persists the bus activity stream.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

// ActivityLogger persists bus events to daily JSONL files.
type ActivityLogger struct {
	dir         string
	mu          sync.Mutex
	unsubscribe func()
}

// NewActivityLogger subscribes to every bus event and appends it to
// dir/activity_YYYY-MM-DD.jsonl.
func NewActivityLogger(dir string, bus *events.Bus) *ActivityLogger {
	al := &ActivityLogger{dir: dir}
	al.unsubscribe = bus.Subscribe(al.handleEvent)
	return al
}

// Close unsubscribes the logger from the event bus.
func (al *ActivityLogger) Close() {
	if al.unsubscribe != nil {
		al.unsubscribe()
	}
}

func (al *ActivityLogger) handleEvent(e events.Event) {
	if err := al.writeEvent(e); err != nil {
		slog.Warn("write activity log", "event", e.Type, "error", err)
	}
}

func (al *ActivityLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	al.mu.Lock()
	defer al.mu.Unlock()

	if err := os.MkdirAll(al.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(activityPath(al.dir, e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func activityPath(dir string, t time.Time) string {
	return filepath.Join(dir, "activity_"+t.Format("2006-01-02")+".jsonl")
}

// ReadActivity returns up to limit of the most recent events logged on the
// day of t, oldest first. limit <= 0 returns all. Corrupt lines are skipped.
func ReadActivity(dir string, t time.Time, limit int) ([]events.Event, error) {
	f, err := os.Open(activityPath(dir, t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e events.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan activity log: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
