package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShellRestarter(t *testing.T) {
	dir := t.TempDir()
	r := NewShellRestarter(map[string]string{
		"gmail_watcher": `echo "restarting $WARDEN_SUBSYSTEM" > restarted.txt; echo done`,
		"broken":        "exit 3",
		"slow":          "while true; do :; done",
	}, dir, 200*time.Millisecond)

	out, err := r.Restart(context.Background(), "gmail_watcher")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if strings.TrimSpace(out) != "done" {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "restarted.txt"))
	if err != nil {
		t.Fatalf("command did not run in dir: %v", err)
	}
	if strings.TrimSpace(string(data)) != "restarting gmail_watcher" {
		t.Errorf("file = %q", data)
	}

	if _, err := r.Restart(context.Background(), "broken"); err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("broken: %v", err)
	}
	if _, err := r.Restart(context.Background(), "slow"); err == nil {
		t.Error("slow command should time out")
	}
	if _, err := r.Restart(context.Background(), "missing"); !errors.Is(err, ErrNoRestartCommand) {
		t.Errorf("missing: expected ErrNoRestartCommand, got %v", err)
	}
}
