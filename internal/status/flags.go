// Package status exposes the persistent operator flags and the system summary.
package status

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/metrics"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// Flag names a persistent, operator-cleared condition.
type Flag string

const (
	FlagSafeMode Flag = "safe_mode"
	FlagAlert    Flag = "alert"
)

// AllFlags lists every known flag.
var AllFlags = []Flag{FlagSafeMode, FlagAlert}

// ErrUnknownFlag is returned for flag names outside AllFlags.
var ErrUnknownFlag = errors.New("unknown flag")

// DefaultCacheTTL bounds how long a presence read is reused.
const DefaultCacheTTL = 2 * time.Second

// ParseFlag validates a flag name. Marker file names are accepted too.
func ParseFlag(s string) (Flag, error) {
	s = strings.TrimSpace(s)
	for _, f := range AllFlags {
		if s == string(f) || s == f.FileName() {
			return f, nil
		}
	}
	switch strings.ToLower(s) {
	case "safe-mode", "safemode":
		return FlagSafeMode, nil
	case "operator-alert", "alert_needed":
		return FlagAlert, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFlag, s)
}

// FileName is the marker document at the vault root.
func (f Flag) FileName() string {
	switch f {
	case FlagSafeMode:
		return "SAFE_MODE_ACTIVE.md"
	case FlagAlert:
		return "ALERT_NEEDED.md"
	}
	return ""
}

// FlagState describes one flag as read from its marker.
type FlagState struct {
	Flag     Flag       `json:"flag"`
	Active   bool       `json:"active"`
	RaisedAt *time.Time `json:"raised_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Context  string     `json:"context,omitempty"`
}

type marker struct {
	RaisedAt time.Time `yaml:"raised_at"`
	Flag     Flag      `yaml:"flag"`
	Context  string    `yaml:"context,omitempty"`
	Reason   string    `yaml:"reason"`
	Priority string    `yaml:"priority,omitempty"`
}

type cached struct {
	active bool
	at     time.Time
}

// Flags reads and writes the marker documents. Presence of a marker is
// the signal; its content is informational.
type Flags struct {
	v   *vault.Vault
	bus *events.Bus
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[Flag]cached
}

// NewFlags creates a flag surface over v. ttl 0 means DefaultCacheTTL;
// a negative ttl disables caching. bus may be nil.
func NewFlags(v *vault.Vault, bus *events.Bus, ttl time.Duration) *Flags {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &Flags{v: v, bus: bus, ttl: ttl, now: time.Now, cache: make(map[Flag]cached)}
}

// Raise writes the marker for flag. Raising an active flag refreshes its content.
func (f *Flags) Raise(flag Flag, reason, errCtx string) error {
	if flag.FileName() == "" {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	}
	now := f.now()

	data, err := renderMarker(flag, marker{RaisedAt: now, Flag: flag, Context: errCtx, Reason: reason, Priority: "high"})
	if err != nil {
		return err
	}
	if err := f.v.WriteFileAtomic(vault.QueueRoot, flag.FileName(), data); err != nil {
		return fmt.Errorf("raise %s: %w", flag, err)
	}
	f.store(flag, true)

	slog.Warn("status flag raised", "flag", flag, "reason", reason, "context", errCtx)
	f.bus.Publish(events.NewTypedEvent(events.SourceStatus, events.FlagPayload{
		Type:    events.EventFlagRaised,
		Flag:    string(flag),
		Reason:  reason,
		Context: errCtx,
	}))
	return nil
}

// RaiseAlert raises the operator alert.
func (f *Flags) RaiseAlert(reason, errCtx string) error {
	return f.Raise(FlagAlert, reason, errCtx)
}

// RaiseSafeMode raises safe mode.
func (f *Flags) RaiseSafeMode(reason, errCtx string) error {
	return f.Raise(FlagSafeMode, reason, errCtx)
}

// Clear removes the marker for flag. Clearing an inactive flag is a no-op.
func (f *Flags) Clear(flag Flag) error {
	if flag.FileName() == "" {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	}
	if err := f.v.Remove(vault.QueueRoot, flag.FileName()); err != nil {
		return err
	}
	f.store(flag, false)

	slog.Info("status flag cleared", "flag", flag)
	f.bus.Publish(events.NewTypedEvent(events.SourceStatus, events.FlagPayload{
		Type: events.EventFlagCleared,
		Flag: string(flag),
	}))
	return nil
}

// Active reports whether the marker for flag exists. Reads are reused for the cache TTL.
func (f *Flags) Active(flag Flag) bool {
	f.mu.Lock()
	c, ok := f.cache[flag]
	f.mu.Unlock()
	if ok && f.ttl > 0 && f.now().Sub(c.at) < f.ttl {
		return c.active
	}

	active := f.v.Exists(vault.QueueRoot, flag.FileName())
	f.store(flag, active)
	return active
}

// Paused reports whether any flag is active, which stops task processing.
func (f *Flags) Paused() bool {
	for _, flag := range AllFlags {
		if f.Active(flag) {
			return true
		}
	}
	return false
}

// List reads every flag marker, bypassing the cache.
func (f *Flags) List() []FlagState {
	out := make([]FlagState, 0, len(AllFlags))
	for _, flag := range AllFlags {
		st := FlagState{Flag: flag}
		data, err := f.v.ReadFile(vault.QueueRoot, flag.FileName())
		if err == nil {
			st.Active = true
			if m, ok := parseMarker(data); ok {
				st.RaisedAt = &m.RaisedAt
				st.Reason = m.Reason
				st.Context = m.Context
			}
		}
		f.store(flag, st.Active)
		out = append(out, st)
	}
	return out
}

func (f *Flags) store(flag Flag, active bool) {
	f.mu.Lock()
	f.cache[flag] = cached{active: active, at: f.now()}
	f.mu.Unlock()

	v := 0.0
	if active {
		v = 1
	}
	metrics.FlagActive.WithLabelValues(string(flag)).Set(v)
}

func renderMarker(flag Flag, m marker) ([]byte, error) {
	meta, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal marker: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")

	switch flag {
	case FlagSafeMode:
		b.WriteString("# SAFE MODE ACTIVE\n\nThe system has entered safe mode due to errors.\n\n")
		b.WriteString("## Current State\n- Normal operations paused\n- No new tasks are claimed\n- Awaiting human review\n\n")
		b.WriteString("## Next Steps\n1. Review error logs\n2. Fix underlying issues\n3. Run `warden flags clear safe_mode` or remove this file to resume\n")
	case FlagAlert:
		b.WriteString("# CRITICAL ALERT\n\n")
		fmt.Fprintf(&b, "**Message**: %s\n\n**Time**: %s\n\n", m.Reason, m.RaisedAt.Format("2006-01-02 15:04:05"))
		b.WriteString("## Action Required\nPlease review this alert and take appropriate action.\n\n")
		b.WriteString("## System Status\n- Errors may be accumulating\n- Task processing is paused\n- Human intervention required\n")
	}
	return b.Bytes(), nil
}

func parseMarker(data []byte) (marker, bool) {
	var m marker
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return m, false
	}
	end := strings.Index(text[4:], "\n---")
	if end < 0 {
		return m, false
	}
	if err := yaml.Unmarshal([]byte(text[4:4+end+1]), &m); err != nil {
		return m, false
	}
	return m, true
}
