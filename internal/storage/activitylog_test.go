package storage

import (
	"os"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/events"
)

func waitForActivity(t *testing.T, dir string, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := ReadActivity(dir, time.Now(), 0)
		if err != nil {
			t.Fatalf("ReadActivity: %v", err)
		}
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivityLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	al := NewActivityLogger(dir, bus)
	defer al.Close()

	bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskCreatedPayload{TaskID: "TASK_1", Steps: 2}))

	got := waitForActivity(t, dir, 1)
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Type != events.EventTaskCreated {
		t.Errorf("got type %q, want %q", got[0].Type, events.EventTaskCreated)
	}
	p, ok := events.ExtractPayload[events.TaskCreatedPayload](got[0])
	if !ok || p.TaskID != "TASK_1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestActivityLogger_Limit(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	al := NewActivityLogger(dir, bus)
	defer al.Close()

	for range 5 {
		bus.Publish(events.NewTypedEvent(events.SourceStatus, events.FlagPayload{Type: events.EventFlagRaised, Flag: "alert"}))
	}
	waitForActivity(t, dir, 5)

	got, err := ReadActivity(dir, time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestReadActivity_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	got, err := ReadActivity(dir, time.Now(), 0)
	if err != nil || got != nil {
		t.Fatalf("missing file = %v, %v", got, err)
	}

	content := "not json\n" + `{"id":"e1","type":"flag.cleared","source":"status","timestamp":"2025-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(activityPath(dir, time.Now()), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = ReadActivity(dir, time.Now(), 0)
	if err != nil || len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("got %+v, %v", got, err)
	}
}
