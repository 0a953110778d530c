package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestReloader_Current(t *testing.T) {
	cfg := &Config{}
	cfg.Worker.Concurrency = 9

	r := NewReloader("", "", cfg)
	got := r.Current()
	if got.Worker.Concurrency != 9 {
		t.Errorf("Current().Worker.Concurrency = %d, want 9", got.Worker.Concurrency)
	}
}

func TestReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	configPath := filepath.Join(dir, "config.jsonc")

	if err := os.WriteFile(dotenvPath, []byte("MY_VAR=initial\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	configContent := `{
		"worker": {"concurrency": 4},
		"recovery": {"degradation": {"x": ["${{ .Env.MY_VAR }}"]}}
	}`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MY_VAR", "initial")
	initial := &Config{}
	r := NewReloader(configPath, dotenvPath, initial)

	var logCalls atomic.Int32
	r.OnLogChange(func(LogConfig) { logCalls.Add(1) })
	var degraded atomic.Pointer[map[string][]string]
	r.OnDegradationChange(func(m map[string][]string) { degraded.Store(&m) })

	if err := os.WriteFile(dotenvPath, []byte("MY_VAR=reloaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ch, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if os.Getenv("MY_VAR") != "reloaded" {
		t.Errorf("MY_VAR = %q, want 'reloaded'", os.Getenv("MY_VAR"))
	}
	// An empty initial config differs from the loaded defaults in every section.
	if !ch.Log || logCalls.Load() != 1 {
		t.Errorf("log change = %v, listener called %d times", ch.Log, logCalls.Load())
	}
	m := degraded.Load()
	if !ch.Degradation || m == nil || len((*m)["x"]) != 1 || (*m)["x"][0] != "reloaded" {
		t.Errorf("degradation change = %v, listener got %v", ch.Degradation, m)
	}

	got := r.Current()
	if got == initial {
		t.Fatal("Current() still returns initial config after reload")
	}
	if got.Worker.Concurrency != 4 {
		t.Errorf("concurrency: got %d, want 4", got.Worker.Concurrency)
	}
	if v := got.Recovery.Degradation["x"]; len(v) != 1 || v[0] != "reloaded" {
		t.Errorf("degradation x: got %v, want [reloaded]", v)
	}
}

func TestReloader_ReloadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewReloader(filepath.Join(dir, "config.jsonc"), filepath.Join(dir, ".env"), &Config{})

	if _, err := r.Reload(); err != nil {
		t.Fatalf("Reload with missing files: %v", err)
	}
	if r.Current().Loop.DefaultMaxIterations != 10 {
		t.Errorf("expected defaults after reload, got %+v", r.Current().Loop)
	}
}

func TestReloader_OnlyChangedSectionsNotify(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(`{"log": {"level": "info"}, "recovery": {"degradation": {"mail": ["queue"]}}}`)
	initial, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := NewReloader(configPath, filepath.Join(dir, ".env"), initial)

	var logs, degrades atomic.Int32
	r.OnLogChange(func(LogConfig) { logs.Add(1) })
	r.OnDegradationChange(func(map[string][]string) { degrades.Add(1) })

	// Unchanged file: nothing to apply.
	ch, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if ch.Log || ch.Degradation || len(ch.Restart) != 0 {
		t.Errorf("unchanged reload = %+v", ch)
	}

	// Log level and port change: the log listener runs, the port needs a restart.
	write(`{"log": {"level": "debug"}, "gateway": {"port": 9999}, "recovery": {"degradation": {"mail": ["queue"]}}}`)
	ch, err = r.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !ch.Log || ch.Degradation {
		t.Errorf("changes = %+v, want log only", ch)
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "gateway" {
		t.Errorf("Restart = %v, want [gateway]", ch.Restart)
	}
	if logs.Load() != 1 || degrades.Load() != 0 {
		t.Errorf("listeners: log %d, degradation %d; want 1, 0", logs.Load(), degrades.Load())
	}
	if r.Current().Log.Level != "debug" {
		t.Errorf("Current().Log.Level = %q", r.Current().Log.Level)
	}
}
