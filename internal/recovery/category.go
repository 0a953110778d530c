// Package recovery classifies failures and routes them to category-specific
// recovery handlers.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category is the recovery strategy bucket of an error.
type Category string

const (
	CategoryTransient      Category = "transient"
	CategoryAuthentication Category = "authentication"
	CategoryLogic          Category = "logic"
	CategoryData           Category = "data"
	CategorySystem         Category = "system"
)

// Severity is the log level of an error event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Severity returns the severity errors of this category are logged at.
func (c Category) Severity() Severity {
	switch c {
	case CategoryTransient, CategoryAuthentication:
		return SeverityWarning
	case CategorySystem:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// rules are checked in order; the first category with a matching keyword wins.
var rules = []struct {
	category Category
	keywords []string
}{
	{CategoryTransient, []string{
		"timeout", "connection", "network", "rate limit", "temporarily unavailable",
		"retry", "backoff", "congestion", "throttle",
	}},
	{CategoryAuthentication, []string{
		"authentication", "authorization", "permission", "unauthorized", "expired",
		"invalid token", "access denied", "oauth", "credential",
	}},
	{CategorySystem, []string{
		"memory", "disk", "file system", "no space left", "kernel", "hardware",
	}},
	{CategoryData, []string{
		"corrupt", "invalid", "malformed", "parse", "decode", "encode", "missing",
		"index out of range",
	}},
}

// Classify maps an error to a category by case-insensitive keyword matching
// on its message. Nothing matching means a logic error.
func Classify(errorType, message string) Category {
	msg := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.category
			}
		}
	}
	return CategoryLogic
}

// ClassifyError classifies a Go error. Deadlines and network timeouts are
// transient whatever their message says.
func ClassifyError(err error) Category {
	if err == nil {
		return CategoryLogic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}
	return Classify(ErrorType(err), err.Error())
}

// External is an error reported by an out-of-process producer, such as a
// watcher calling `warden errors raise`.
type External struct {
	Type    string
	Message string
}

func (e *External) Error() string { return e.Message }

// ErrorType names the concrete type of the innermost wrapped error, or the
// reported type of an External error.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var ext *External
	if errors.As(err, &ext) && ext.Type != "" {
		return ext.Type
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
