// Package vault stores records as files inside named queue directories.
// Moving a file between queues is the state-transition mechanism, so moves
// never clobber an existing destination.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Queue names a directory inside the vault.
type Queue string

const (
	QueueRoot        Queue = ""
	QueuePending     Queue = "Tasks"
	QueueInProgress  Queue = "In_Progress"
	QueueDone        Queue = "Done"
	QueueNeedsAction Queue = "Needs_Action"
	QueueErrors      Queue = "Errors"
	QueueLogs        Queue = "Logs"
	QueueQuarantine  Queue = "Quarantine"
	QueueBackups     Queue = "Backups"
)

// Queues lists every queue created by Init.
var Queues = []Queue{
	QueuePending, QueueInProgress, QueueDone, QueueNeedsAction,
	QueueErrors, QueueLogs, QueueQuarantine, QueueBackups,
}

var (
	// ErrNotExist is returned when the source of a read or move is missing.
	ErrNotExist = errors.New("vault: file does not exist")
	// ErrExists is returned when a move destination is already taken.
	ErrExists = errors.New("vault: destination already exists")
)

// Vault is a directory tree of queues rooted at a single path.
type Vault struct {
	root string
	mu   sync.Mutex // serializes appends in-process; Lock covers other processes
}

// New creates a Vault rooted at root. Call Init before first use.
func New(root string) *Vault {
	return &Vault{root: root}
}

// Init creates the root and every queue directory.
func (v *Vault) Init() error {
	for _, q := range Queues {
		if err := os.MkdirAll(v.Dir(q), 0o755); err != nil {
			return fmt.Errorf("create queue %s: %w", q, err)
		}
	}
	return nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// Dir returns the directory of a queue.
func (v *Vault) Dir(q Queue) string {
	return filepath.Join(v.root, string(q))
}

// Path returns the path of a named file in a queue.
func (v *Vault) Path(q Queue, name string) string {
	return filepath.Join(v.root, string(q), name)
}

// Exists reports whether a named file is present in a queue.
func (v *Vault) Exists(q Queue, name string) bool {
	_, err := os.Stat(v.Path(q, name))
	return err == nil
}

// ReadFile reads a named file. Missing files return ErrNotExist.
func (v *Vault) ReadFile(q Queue, name string) ([]byte, error) {
	data, err := os.ReadFile(v.Path(q, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotExist, q, name)
		}
		return nil, fmt.Errorf("read %s/%s: %w", q, name, err)
	}
	return data, nil
}

// WriteFileAtomic writes content to a unique temp file in the queue directory
// and renames it over name, so concurrent writers never share a temp file.
func (v *Vault) WriteFileAtomic(q Queue, name string, content []byte) error {
	p := v.Path(q, name)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", q, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create %s tmp: %w", name, err)
	}
	tmp := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s tmp: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s tmp: %w", name, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s tmp: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Remove deletes a named file. Missing files are not an error.
func (v *Vault) Remove(q Queue, name string) error {
	if err := os.Remove(v.Path(q, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s/%s: %w", q, name, err)
	}
	return nil
}

// Move relocates a file between queues. At most one of several concurrent
// movers of the same source succeeds; the others get ErrNotExist or ErrExists.
func (v *Vault) Move(from Queue, fromName string, to Queue, toName string) error {
	if err := os.MkdirAll(v.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", to, err)
	}
	return moveNoReplace(v.Path(from, fromName), v.Path(to, toName))
}

// MoveIn relocates an arbitrary file (outside or inside the vault) into a queue.
func (v *Vault) MoveIn(src string, to Queue, toName string) error {
	if err := os.MkdirAll(v.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", to, err)
	}
	return moveNoReplace(src, v.Path(to, toName))
}

// moveNoReplace links dst to src and then unlinks src. A link never replaces
// an existing name, which makes the move exclusive across processes. When the
// filesystem refuses hard links, it falls back to a checked rename.
func moveNoReplace(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			// Another mover linked the same source elsewhere and unlinked it first.
			_ = os.Remove(dst)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotExist, src)
			}
			return fmt.Errorf("unlink %s: %w", src, err)
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrExists, dst)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotExist, src)
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, src)
		}
		return fmt.Errorf("rename %s: %w", src, err)
	}
	return nil
}

// List returns the file names in a queue matching a doublestar pattern, sorted.
func (v *Vault) List(q Queue, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(v.root), path.Join(string(q), pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q, err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, path.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of markdown records in a queue.
func (v *Vault) Count(q Queue) (int, error) {
	names, err := v.List(q, "*.md")
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// DailyName returns "<prefix>_YYYY-MM-DD.<ext>" for the day of t.
func DailyName(prefix string, t time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, t.Format("2006-01-02"), ext)
}

// AppendJSONArray appends an element to a JSON-array file, creating it if needed.
// A file holding a single object is promoted to an array; unreadable content
// is replaced by a fresh array.
func (v *Vault) AppendJSONArray(q Queue, name string, item any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	unlock, err := v.Lock("log-" + string(q) + "-" + name)
	if err != nil {
		return err
	}
	defer unlock()

	var items []json.RawMessage
	data, err := v.ReadFile(q, name)
	switch {
	case err == nil:
		items = decodeArray(data)
	case !errors.Is(err, ErrNotExist):
		return err
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}
	items = append(items, raw)

	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return v.WriteFileAtomic(q, name, out)
}

func decodeArray(data []byte) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		return items
	}
	var single map[string]json.RawMessage
	if err := json.Unmarshal(data, &single); err == nil {
		return []json.RawMessage{json.RawMessage(data)}
	}
	return nil
}

// LoadJSONArray reads a JSON-array file into a slice of T. Missing files
// yield nil, nil; elements that fail to decode are skipped.
func LoadJSONArray[T any](v *Vault, q Queue, name string) ([]T, error) {
	data, err := v.ReadFile(q, name)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []T
	for _, raw := range decodeArray(data) {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			continue // skip corrupted entries
		}
		out = append(out, item)
	}
	return out, nil
}

// AppendText appends entry to a text log, writing header first when the file is new.
func (v *Vault) AppendText(q Queue, name, header, entry string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	unlock, err := v.Lock("log-" + string(q) + "-" + name)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(v.Dir(q), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", q, err)
	}

	p := v.Path(q, name)
	_, statErr := os.Stat(p)
	isNew := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if isNew && header != "" {
		if _, err := f.WriteString(header); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
