package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLimiter keeps the rate window in a SQLite database so it survives restarts.
type SQLiteLimiter struct {
	db     *sql.DB
	policy LimitPolicy
	now    func() time.Time
}

// OpenSQLiteLimiter opens (or creates) the rate window database at path.
func OpenSQLiteLimiter(path string, policy LimitPolicy) (*SQLiteLimiter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rate window db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS rate_events (
			key TEXT NOT NULL,
			ts  INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_rate_events_key_ts ON rate_events(key, ts);",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init rate window db: %w", err)
		}
	}

	return &SQLiteLimiter{db: db, policy: policy.withDefaults(), now: time.Now}, nil
}

func (l *SQLiteLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rate_events WHERE key = ? AND ts <= ?", key, l.cutoff(now)); err != nil {
		return false, fmt.Errorf("evict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO rate_events (key, ts) VALUES (?, ?)", key, now.UnixNano()); err != nil {
		return false, fmt.Errorf("record: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM rate_events WHERE key = ?", key).Scan(&n); err != nil {
		return false, fmt.Errorf("count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > l.policy.Threshold, nil
}

func (l *SQLiteLimiter) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_events WHERE key = ? AND ts > ?", key, l.cutoff(l.now()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (l *SQLiteLimiter) Limited(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT key FROM rate_events WHERE ts > ? GROUP BY key HAVING COUNT(*) > ? ORDER BY key",
		l.cutoff(l.now()), l.policy.Threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query limited: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (l *SQLiteLimiter) Close() error { return l.db.Close() }

func (l *SQLiteLimiter) cutoff(now time.Time) int64 {
	return now.Add(-l.policy.Window).UnixNano()
}
