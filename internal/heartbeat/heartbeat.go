// Package heartbeat lets readers tell whether the owner of claimed tasks is still running.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultInterval is how often a Writer refreshes the heartbeat file.
	DefaultInterval = 15 * time.Second
	// DefaultMaxAge is how old a beat may get before its owner counts as gone.
	DefaultMaxAge = 3 * DefaultInterval
)

// Status represents the liveness state of a worker.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Busy      int       `json:"busy"`
	Finished  int       `json:"finished"`
}

// Load reports the pool activity included in each beat.
type Load func() (busy, finished int)

// Writer periodically writes a heartbeat file for one worker owner.
type Writer struct {
	path     string
	owner    string
	interval time.Duration
	load     Load
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer for owner. interval 0 means DefaultInterval.
// load may be nil.
func NewWriter(path, owner string, interval time.Duration, load Load) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{path: path, owner: owner, interval: interval, load: load}
}

// Interval returns the refresh period.
func (w *Writer) Interval() time.Duration { return w.interval }

// Start begins writing heartbeat files in a background goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		Owner:     w.owner,
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.load != nil {
		hb.Busy, hb.Finished = w.load()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Warn("heartbeat dir", "error", err)
		return
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("heartbeat write", "error", err)
		return
	}
	os.Rename(tmp, w.path)
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}

// Path returns the heartbeat file of owner inside dir. Every driver of
// claimed tasks (a worker pool or a CLI run) beats under its own owner token.
func Path(dir, owner string) string {
	return filepath.Join(dir, owner+".json")
}

// Alive reports whether owner has a fresh heartbeat in dir.
func Alive(dir, owner string, maxAge time.Duration) bool {
	if owner == "" || strings.ContainsAny(owner, `/\`) {
		return false
	}
	st, _, err := Check(Path(dir, owner), maxAge)
	return err == nil && st == StatusAlive
}

// Entry is one heartbeat file found by Scan.
type Entry struct {
	Status    Status     `json:"status"`
	Heartbeat *Heartbeat `json:"heartbeat"`
}

// Scan checks every heartbeat file in dir, most recent beat first.
// Unreadable files are skipped. A missing dir yields no entries.
func Scan(dir string, maxAge time.Duration) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read heartbeat dir: %w", err)
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		st, hb, err := Check(filepath.Join(dir, f.Name()), maxAge)
		if err != nil || hb == nil {
			slog.Debug("skipping heartbeat file", "file", f.Name(), "error", err)
			continue
		}
		out = append(out, Entry{Status: st, Heartbeat: hb})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Heartbeat.Timestamp.After(out[j].Heartbeat.Timestamp)
	})
	return out, nil
}
