package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/warden/internal/heartbeat"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// System states reported in summaries and backups.
const (
	SystemOperational = "operational"
	SystemSafeMode    = "safe_mode"
	SystemAlert       = "alert"
)

// QueueCounter reports record counts per task queue.
type QueueCounter interface {
	Counts() (map[vault.Queue]int, error)
}

// Sources are the components a Summary reads from. Nil fields are skipped.
type Sources struct {
	Tasks           QueueCounter
	Flags           *Flags
	Errors          *recovery.ErrorLog
	Limiter         recovery.Limiter
	HeartbeatDir    string
	HeartbeatMaxAge time.Duration
}

// Summary is a point-in-time view of the whole system.
type Summary struct {
	Timestamp    time.Time         `json:"timestamp"`
	SystemStatus string            `json:"system_status"`
	Queues       map[string]int    `json:"queues"`
	Flags        []FlagState       `json:"flags"`
	Errors       recovery.Stats    `json:"errors"`
	RateLimited  []string          `json:"rate_limited_contexts"`
	Workers      []heartbeat.Entry `json:"workers"`
}

// Summarize collects queue counts, flags, error statistics, rate-limited
// contexts and worker liveness.
func Summarize(ctx context.Context, src Sources) (*Summary, error) {
	s := &Summary{
		Timestamp:    time.Now(),
		SystemStatus: SystemOperational,
		Queues:       make(map[string]int),
		RateLimited:  []string{},
		Workers:      []heartbeat.Entry{},
	}

	if src.Tasks != nil {
		counts, err := src.Tasks.Counts()
		if err != nil {
			return nil, fmt.Errorf("count queues: %w", err)
		}
		for q, n := range counts {
			s.Queues[string(q)] = n
		}
	}

	if src.Flags != nil {
		s.Flags = src.Flags.List()
		s.SystemStatus = systemStatus(s.Flags)
	}

	if src.Errors != nil {
		st, err := src.Errors.Stats()
		if err != nil {
			return nil, fmt.Errorf("error stats: %w", err)
		}
		s.Errors = st
	}

	if src.Limiter != nil {
		keys, err := src.Limiter.Limited(ctx)
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err)
		} else if keys != nil {
			s.RateLimited = keys
		}
	}

	if src.HeartbeatDir != "" {
		maxAge := src.HeartbeatMaxAge
		if maxAge <= 0 {
			maxAge = heartbeat.DefaultMaxAge
		}
		entries, err := heartbeat.Scan(src.HeartbeatDir, maxAge)
		if err != nil {
			slog.Warn("heartbeats unreadable", "error", err)
		} else if entries != nil {
			s.Workers = entries
		}
	}
	return s, nil
}

func systemStatus(flags []FlagState) string {
	status := SystemOperational
	for _, f := range flags {
		if !f.Active {
			continue
		}
		if f.Flag == FlagSafeMode {
			return SystemSafeMode
		}
		status = SystemAlert
	}
	return status
}

// Backup is the state snapshot written by BackupState.
type Backup struct {
	Timestamp    time.Time             `json:"timestamp"`
	SystemStatus string                `json:"system_status"`
	Queues       map[string]int        `json:"queues"`
	ErrorStats   recovery.Stats        `json:"error_stats"`
	RateLimited  []string              `json:"rate_limited_contexts"`
	RecentErrors []recovery.ErrorEvent `json:"recent_errors"`
}

// BackupState writes Backups/backup_<yyyymmdd_hhmmss>.json and returns its path.
func BackupState(ctx context.Context, v *vault.Vault, src Sources) (string, error) {
	sum, err := Summarize(ctx, src)
	if err != nil {
		return "", err
	}

	b := Backup{
		Timestamp:    sum.Timestamp,
		SystemStatus: sum.SystemStatus,
		Queues:       sum.Queues,
		ErrorStats:   sum.Errors,
		RateLimited:  sum.RateLimited,
		RecentErrors: []recovery.ErrorEvent{},
	}
	if src.Errors != nil {
		recent, err := src.Errors.Recent(10)
		if err != nil {
			return "", fmt.Errorf("recent errors: %w", err)
		}
		if recent != nil {
			b.RecentErrors = recent
		}
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	name := "backup_" + sum.Timestamp.Format("20060102_150405") + ".json"
	if err := v.WriteFileAtomic(vault.QueueBackups, name, data); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	slog.Info("state backed up", "file", name, "system_status", b.SystemStatus)
	return v.Path(vault.QueueBackups, name), nil
}
