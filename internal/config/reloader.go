package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// Reloader re-reads .env and the config file on demand and hands the
// sections that can change live to their owners: the log setup and the
// degradation table. Every other section is only read at startup; a reload
// that changes one logs that a restart is needed.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]

	mu         sync.Mutex // serializes reloads and listener registration
	logFns     []func(LogConfig)
	degradeFns []func(map[string][]string)
}

// NewReloader creates a Reloader. initial is the config as read from disk,
// before any command-line overrides.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the last loaded config.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnLogChange registers fn to run when the log section changes.
func (r *Reloader) OnLogChange(fn func(LogConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logFns = append(r.logFns, fn)
}

// OnDegradationChange registers fn to run when the degradation overrides change.
func (r *Reloader) OnDegradationChange(fn func(map[string][]string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degradeFns = append(r.degradeFns, fn)
}

// Changes lists what a reload picked up.
type Changes struct {
	Log         bool
	Degradation bool
	// Restart names sections that changed but only apply after a restart.
	Restart []string
}

// Reload re-reads the .env file and the config, then notifies the listeners
// of the sections that changed. A missing config file reloads to defaults.
func (r *Reloader) Reload() (Changes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return Changes{}, fmt.Errorf("reload dotenv: %w", err)
	}
	cfg, err := LoadOrDefault(r.configPath)
	if err != nil {
		return Changes{}, fmt.Errorf("reload config: %w", err)
	}

	prev := r.current.Swap(cfg)
	ch := diff(prev, cfg)

	if ch.Log {
		for _, fn := range r.logFns {
			fn(cfg.Log)
		}
	}
	if ch.Degradation {
		for _, fn := range r.degradeFns {
			fn(maps.Clone(cfg.Recovery.Degradation))
		}
	}
	if len(ch.Restart) > 0 {
		slog.Warn("config changes need a restart", "sections", ch.Restart)
	}
	slog.Info("config reloaded", "path", r.configPath, "log", ch.Log, "degradation", ch.Degradation)
	return ch, nil
}

// Watch reloads on every value received from sig until ctx is done.
// Reload failures are logged and the previous config stays in effect.
func (r *Reloader) Watch(ctx context.Context, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if _, err := r.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}
}

func diff(prev, next *Config) Changes {
	var ch Changes
	if prev == nil {
		return Changes{Log: true, Degradation: true}
	}
	ch.Log = prev.Log != next.Log
	ch.Degradation = !maps.EqualFunc(prev.Recovery.Degradation, next.Recovery.Degradation, slices.Equal[[]string])

	// Degradation is live; the rest of the recovery section is not.
	prevRec, nextRec := prev.Recovery, next.Recovery
	prevRec.Degradation, nextRec.Degradation = nil, nil

	restart := []struct {
		name       string
		prev, next any
	}{
		{"vault", prev.Vault, next.Vault},
		{"loop", prev.Loop, next.Loop},
		{"recovery", prevRec, nextRec},
		{"restart", prev.Restart, next.Restart},
		{"worker", prev.Worker, next.Worker},
		{"flags", prev.Flags, next.Flags},
		{"gateway", prev.Gateway, next.Gateway},
		{"events", prev.Events, next.Events},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.prev, s.next) {
			ch.Restart = append(ch.Restart, s.name)
		}
	}
	return ch
}
