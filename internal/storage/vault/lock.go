package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockDir = ".locks"

var (
	// ErrLocked is returned when a lock is still held after the wait limit.
	ErrLocked = errors.New("vault: lock held")

	lockRetry = 2 * time.Millisecond
	lockWait  = 10 * time.Second
	// Holders keep a lock for one read-modify-write; anything older was
	// left behind by a process that died while holding it.
	lockStale = 30 * time.Second
)

// Lock takes an exclusive lock on key that holds across every process
// sharing the vault. The lock is a file created with O_EXCL under
// <root>/.locks. Call the returned function to release it.
func (v *Vault) Lock(key string) (func(), error) {
	dir := filepath.Join(v.root, lockDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	p := filepath.Join(dir, lockName(key))

	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(p) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}

		if info, statErr := os.Stat(p); statErr == nil && time.Since(info.ModTime()) > lockStale {
			// Rename first so only one waiter breaks a given stale lock.
			stale := fmt.Sprintf("%s.stale.%d", p, time.Now().UnixNano())
			if os.Rename(p, stale) == nil {
				os.Remove(stale)
			}
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, key)
		}
		time.Sleep(lockRetry)
	}
}

func lockName(key string) string {
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(key) + ".lock"
}
