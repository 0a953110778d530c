package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"Connection timeout while fetching", CategoryTransient},
		{"429 rate limit exceeded", CategoryTransient},
		{"Unauthorized: token expired", CategoryAuthentication},
		{"OAuth refresh rejected", CategoryAuthentication},
		{"No space left on device", CategorySystem},
		{"out of memory", CategorySystem},
		{"malformed JSON payload", CategoryData},
		{"index out of range [3] with length 2", CategoryData},
		{"nil pointer dereference", CategoryLogic},
		{"", CategoryLogic},
		// transient is checked before data
		{"timeout reading corrupt frame", CategoryTransient},
		// authentication before data
		{"invalid token", CategoryAuthentication},
		// system before data
		{"disk image is corrupt", CategorySystem},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := Classify("", tt.msg); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	for range 100 {
		if Classify("X", "Permission denied") != CategoryAuthentication {
			t.Fatal("classification changed between calls")
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(fmt.Errorf("fetch inbox: %w", context.DeadlineExceeded)); got != CategoryTransient {
		t.Errorf("deadline exceeded = %s, want transient", got)
	}
	if got := ClassifyError(fmt.Errorf("open: %w", os.ErrPermission)); got != CategoryAuthentication {
		t.Errorf("permission error = %s, want authentication", got)
	}
	if got := ClassifyError(errors.New("unexpected state")); got != CategoryLogic {
		t.Errorf("plain error = %s, want logic", got)
	}
}

func TestErrorType(t *testing.T) {
	_, err := os.Open("/definitely/not/here")
	wrapped := fmt.Errorf("load: %w", err)
	if got := ErrorType(wrapped); got != "syscall.Errno" {
		t.Errorf("ErrorType = %q, want syscall.Errno", got)
	}
	if ErrorType(nil) != "" {
		t.Error("ErrorType(nil) should be empty")
	}
}

func TestCategorySeverity(t *testing.T) {
	want := map[Category]Severity{
		CategoryTransient:      SeverityWarning,
		CategoryAuthentication: SeverityWarning,
		CategoryLogic:          SeverityError,
		CategoryData:           SeverityError,
		CategorySystem:         SeverityCritical,
	}
	for c, s := range want {
		if c.Severity() != s {
			t.Errorf("%s.Severity() = %s, want %s", c, c.Severity(), s)
		}
	}
}

func TestExternalError(t *testing.T) {
	err := fmt.Errorf("gmail: %w", &External{Type: "HttpError", Message: "401 Unauthorized"})
	if got := ErrorType(err); got != "HttpError" {
		t.Errorf("ErrorType = %q, want HttpError", got)
	}
	if got := ClassifyError(err); got != CategoryAuthentication {
		t.Errorf("ClassifyError = %s, want authentication", got)
	}
	if got := ErrorType(&External{Message: "no type"}); got != "*recovery.External" {
		t.Errorf("ErrorType without type = %q", got)
	}
}
