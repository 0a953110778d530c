package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

type staticCounts map[vault.Queue]int

func (c staticCounts) Counts() (map[vault.Queue]int, error) { return c, nil }

func TestSummarize(t *testing.T) {
	v := newTestVault(t)
	flags := NewFlags(v, nil, -1)
	errLog := recovery.NewErrorLog(v, nil)
	limiter := recovery.NewMemoryLimiter(recovery.LimitPolicy{Threshold: 1}, nil)

	ctx := context.Background()
	limiter.IsLimited(ctx, "noisy")
	limiter.IsLimited(ctx, "noisy")
	if err := errLog.Record(recovery.ErrorEvent{Category: recovery.CategoryTransient, Message: "timeout", Context: "noisy"}); err != nil {
		t.Fatal(err)
	}
	if err := flags.RaiseSafeMode("unexpected", "scheduler"); err != nil {
		t.Fatal(err)
	}

	hbDir := filepath.Join(v.Root(), "heartbeats")
	hb := heartbeat.NewWriter(heartbeat.Path(hbDir, "pool-a"), "pool-a", time.Minute, nil)
	hb.Start()
	defer hb.Stop()
	time.Sleep(50 * time.Millisecond)

	sum, err := Summarize(ctx, Sources{
		Tasks:        staticCounts{vault.QueuePending: 2, vault.QueueDone: 5},
		Flags:        flags,
		Errors:       errLog,
		Limiter:      limiter,
		HeartbeatDir: hbDir,
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.SystemStatus != SystemSafeMode {
		t.Errorf("SystemStatus = %s", sum.SystemStatus)
	}
	if sum.Queues["Tasks"] != 2 || sum.Queues["Done"] != 5 {
		t.Errorf("Queues = %v", sum.Queues)
	}
	if sum.Errors.Total != 1 {
		t.Errorf("Errors.Total = %d", sum.Errors.Total)
	}
	if len(sum.RateLimited) != 1 || sum.RateLimited[0] != "noisy" {
		t.Errorf("RateLimited = %v", sum.RateLimited)
	}
	if len(sum.Workers) != 1 || sum.Workers[0].Heartbeat.Owner != "pool-a" {
		t.Fatalf("Workers = %+v, want the pool-a beat", sum.Workers)
	}
	if sum.Workers[0].Status != heartbeat.StatusAlive {
		t.Errorf("pool-a status = %s, want alive", sum.Workers[0].Status)
	}
}

func TestSystemStatus(t *testing.T) {
	if got := systemStatus([]FlagState{{Flag: FlagSafeMode}, {Flag: FlagAlert}}); got != SystemOperational {
		t.Errorf("no flags = %s", got)
	}
	if got := systemStatus([]FlagState{{Flag: FlagSafeMode}, {Flag: FlagAlert, Active: true}}); got != SystemAlert {
		t.Errorf("alert only = %s", got)
	}
	if got := systemStatus([]FlagState{{Flag: FlagSafeMode, Active: true}, {Flag: FlagAlert, Active: true}}); got != SystemSafeMode {
		t.Errorf("both = %s", got)
	}
}

func TestBackupState(t *testing.T) {
	v := newTestVault(t)
	errLog := recovery.NewErrorLog(v, nil)
	for i := range 12 {
		if err := errLog.Record(recovery.ErrorEvent{Category: recovery.CategoryData, Message: "bad", Context: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	path, err := BackupState(context.Background(), v, Sources{Flags: NewFlags(v, nil, -1), Errors: errLog})
	if err != nil {
		t.Fatalf("BackupState: %v", err)
	}
	if filepath.Dir(path) != v.Dir(vault.QueueBackups) {
		t.Errorf("backup written to %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatal(err)
	}
	if b.SystemStatus != SystemOperational || b.ErrorStats.Total != 12 {
		t.Errorf("backup = %s, %d errors", b.SystemStatus, b.ErrorStats.Total)
	}
	if len(b.RecentErrors) != 10 || b.RecentErrors[9].Context != "l" {
		t.Errorf("recent errors = %d, last %q", len(b.RecentErrors), b.RecentErrors[len(b.RecentErrors)-1].Context)
	}
}
