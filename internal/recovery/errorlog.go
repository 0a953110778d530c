package recovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/metrics"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// ErrorEvent is one entry of the append-only error log.
type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Context   string    `json:"context"`
	RawType   string    `json:"raw_type"`
	Outcome   string    `json:"outcome,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// Snapshot is the standalone record written for critical and fatal events.
type Snapshot struct {
	Event      ErrorEvent `json:"event"`
	Hostname   string     `json:"hostname,omitempty"`
	PID        int        `json:"pid"`
	GoVersion  string     `json:"go_version"`
	Goroutines int        `json:"goroutines"`
	HeapAlloc  uint64     `json:"heap_alloc_bytes"`
}

// Stats summarizes the error log of one day.
type Stats struct {
	Day        string           `json:"day"`
	Total      int              `json:"total_errors"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	Last24h    int              `json:"last_24h"`
}

// ErrorLog writes error events to daily JSON-array files in the logs queue.
type ErrorLog struct {
	v   *vault.Vault
	bus *events.Bus
	now func() time.Time
}

// NewErrorLog creates an ErrorLog. bus may be nil.
func NewErrorLog(v *vault.Vault, bus *events.Bus) *ErrorLog {
	return &ErrorLog{v: v, bus: bus, now: time.Now}
}

// Record appends e to today's log. Critical and fatal events also get a
// snapshot file in the errors queue.
func (l *ErrorLog) Record(e ErrorEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Severity == "" {
		e.Severity = e.Category.Severity()
	}

	if err := l.v.AppendJSONArray(vault.QueueLogs, vault.DailyName("errors", e.Timestamp, "json"), e); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}
	metrics.ErrorsRecorded.WithLabelValues(string(e.Category), string(e.Severity)).Inc()

	logAt(e)
	l.bus.Publish(events.NewTypedEvent(events.SourceRecovery, events.ErrorRecordedPayload{
		Severity: string(e.Severity),
		Category: string(e.Category),
		Context:  e.Context,
		Message:  e.Message,
	}))

	if e.Severity == SeverityCritical || e.Severity == SeverityFatal {
		if err := l.snapshot(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *ErrorLog) snapshot(e ErrorEvent) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()

	data, err := json.MarshalIndent(Snapshot{
		Event:      e,
		Hostname:   host,
		PID:        os.Getpid(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	name := fmt.Sprintf("critical_error_%d.json", e.Timestamp.UnixNano())
	if err := l.v.WriteFileAtomic(vault.QueueErrors, name, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func logAt(e ErrorEvent) {
	attrs := []any{"category", e.Category, "context", e.Context, "message", e.Message}
	if e.Outcome != "" {
		attrs = append(attrs, "outcome", e.Outcome)
	}
	switch e.Severity {
	case SeverityWarning:
		slog.Warn("error recorded", attrs...)
	default:
		slog.Error("error recorded", append(attrs, "severity", e.Severity)...)
	}
}

// Events returns the error events logged on the day of t, oldest first.
func (l *ErrorLog) Events(t time.Time) ([]ErrorEvent, error) {
	return vault.LoadJSONArray[ErrorEvent](l.v, vault.QueueLogs, vault.DailyName("errors", t, "json"))
}

// Recent returns up to n of today's most recent events.
func (l *ErrorLog) Recent(n int) ([]ErrorEvent, error) {
	all, err := l.Events(l.now())
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Stats counts today's events and every event of the last 24 hours.
func (l *ErrorLog) Stats() (Stats, error) {
	now := l.now()
	st := Stats{
		Day:        now.Format("2006-01-02"),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}

	today, err := l.Events(now)
	if err != nil {
		return st, err
	}
	yesterday, err := l.Events(now.AddDate(0, 0, -1))
	if err != nil {
		return st, err
	}

	st.Total = len(today)
	for _, e := range today {
		st.ByCategory[e.Category]++
		st.BySeverity[e.Severity]++
	}

	cutoff := now.Add(-24 * time.Hour)
	for _, e := range append(yesterday, today...) {
		if !e.Timestamp.Before(cutoff) {
			st.Last24h++
		}
	}
	return st, nil
}

// Categories returns the categories present in st, sorted by count then name.
func (st Stats) Categories() []Category {
	cats := make([]Category, 0, len(st.ByCategory))
	for c := range st.ByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if st.ByCategory[cats[i]] != st.ByCategory[cats[j]] {
			return st.ByCategory[cats[i]] > st.ByCategory[cats[j]]
		}
		return cats[i] < cats[j]
	})
	return cats
}
