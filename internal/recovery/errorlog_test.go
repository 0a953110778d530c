package recovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/storage/vault"
)

func newTestLog(t *testing.T, now time.Time) (*ErrorLog, *vault.Vault) {
	t.Helper()
	v := vault.New(t.TempDir())
	if err := v.Init(); err != nil {
		t.Fatal(err)
	}
	l := NewErrorLog(v, nil)
	l.now = func() time.Time { return now }
	return l, v
}

func TestErrorLogRecord(t *testing.T) {
	now := time.Date(2025, 7, 10, 9, 30, 0, 0, time.UTC)
	l, v := newTestLog(t, now)

	if err := l.Record(ErrorEvent{Category: CategoryData, Message: "bad row", Context: "import"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !v.Exists(vault.QueueLogs, "errors_2025-07-10.json") {
		t.Fatal("daily log not written")
	}

	evs, err := l.Events(now)
	if err != nil || len(evs) != 1 {
		t.Fatalf("Events = %d, %v", len(evs), err)
	}
	if evs[0].Severity != SeverityError || !evs[0].Timestamp.Equal(now) {
		t.Errorf("defaults not applied: %+v", evs[0])
	}
	if snaps, _ := v.List(vault.QueueErrors, "critical_error_*.json"); len(snaps) != 0 {
		t.Errorf("non-critical event produced snapshot %v", snaps)
	}
}

func TestErrorLogCriticalSnapshot(t *testing.T) {
	now := time.Date(2025, 7, 10, 9, 30, 0, 0, time.UTC)
	l, v := newTestLog(t, now)

	if err := l.Record(ErrorEvent{Category: CategorySystem, Message: "out of memory", Context: "worker"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ErrorEvent{Severity: SeverityFatal, Category: CategoryLogic, Message: "boom", Context: "main", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	snaps, _ := v.List(vault.QueueErrors, "critical_error_*.json")
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %v, want 2", snaps)
	}
	data, err := v.ReadFile(vault.QueueErrors, snaps[0])
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Event.Message != "out of memory" || snap.PID == 0 || snap.GoVersion == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestErrorLogStats(t *testing.T) {
	now := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, now)

	records := []ErrorEvent{
		{Timestamp: now.Add(-20 * time.Hour), Category: CategoryTransient, Context: "a"}, // yesterday, within 24h
		{Timestamp: now.Add(-30 * time.Hour), Category: CategoryTransient, Context: "a"}, // yesterday, too old
		{Timestamp: now.Add(-time.Hour), Category: CategoryTransient, Context: "a"},
		{Timestamp: now.Add(-time.Hour), Category: CategoryData, Context: "b"},
		{Timestamp: now, Category: CategoryTransient, Context: "c"},
	}
	for _, e := range records {
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	st, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.Last24h != 4 {
		t.Errorf("Last24h = %d, want 4", st.Last24h)
	}
	if st.ByCategory[CategoryTransient] != 2 || st.BySeverity[SeverityError] != 1 {
		t.Errorf("ByCategory = %v, BySeverity = %v", st.ByCategory, st.BySeverity)
	}
	if cats := st.Categories(); len(cats) != 2 || cats[0] != CategoryTransient {
		t.Errorf("Categories = %v", cats)
	}

	recent, err := l.Recent(2)
	if err != nil || len(recent) != 2 || recent[1].Context != "c" {
		t.Errorf("Recent = %+v, %v", recent, err)
	}
}
