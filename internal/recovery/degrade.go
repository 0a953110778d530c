package recovery

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/metrics"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// genericFallback is returned for services without a table entry.
var genericFallback = []string{"service temporarily unavailable"}

// builtinAlternatives is the fallback table for known services.
var builtinAlternatives = map[string][]string{
	"gmail_watcher":   {"check local email cache", "notify user of delayed processing"},
	"linkedin_poster": {"queue posts for later", "switch to manual posting"},
	"odoo_mcp":        {"switch to manual accounting", "use cached data"},
	"scheduler":       {"use fallback timing", "manual trigger required"},
}

// DegradationEntry is one entry of the daily degradation log.
type DegradationEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Service      string    `json:"service"`
	Reason       string    `json:"reason"`
	Alternatives []string  `json:"alternative_methods"`
}

// Degrader answers which fallback actions apply when a service fails.
// Its answers are advisory.
type Degrader struct {
	mu    sync.RWMutex
	table map[string][]string
	v     *vault.Vault
	bus   *events.Bus
	now   func() time.Time
}

// NewDegrader creates a Degrader whose table is the built-in one with
// overrides merged on top. bus may be nil.
func NewDegrader(v *vault.Vault, bus *events.Bus, overrides map[string][]string) *Degrader {
	d := &Degrader{v: v, bus: bus, now: time.Now}
	d.SetAlternatives(overrides)
	return d
}

// SetAlternatives replaces the configured overrides, keeping the built-in table.
func (d *Degrader) SetAlternatives(overrides map[string][]string) {
	table := maps.Clone(builtinAlternatives)
	for svc, alts := range overrides {
		table[svc] = slices.Clone(alts)
	}

	d.mu.Lock()
	d.table = table
	d.mu.Unlock()
}

// Alternatives returns the fallback actions for service without logging.
func (d *Degrader) Alternatives(service string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if alts, ok := d.table[service]; ok && len(alts) > 0 {
		return slices.Clone(alts)
	}
	return slices.Clone(genericFallback)
}

// Services lists every service with a table entry.
func (d *Degrader) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Sorted(maps.Keys(d.table))
}

// Degrade logs the degradation of service and returns its fallback actions.
// The list is returned even when the log write fails.
func (d *Degrader) Degrade(service, reason string) ([]string, error) {
	alts := d.Alternatives(service)
	now := d.now()

	metrics.Degradations.WithLabelValues(service).Inc()
	slog.Warn("service degraded", "service", service, "reason", reason, "fallbacks", alts)
	d.bus.Publish(events.NewTypedEvent(events.SourceRecovery, events.DegradedPayload{
		Service:   service,
		Reason:    reason,
		Fallbacks: alts,
	}))

	entry := DegradationEntry{Timestamp: now, Service: service, Reason: reason, Alternatives: alts}
	if err := d.v.AppendJSONArray(vault.QueueLogs, vault.DailyName("degradation_log", now, "json"), entry); err != nil {
		return alts, fmt.Errorf("append degradation log: %w", err)
	}
	return alts, nil
}
