package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/metrics"
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// DefaultRateLimitPause is how long Recover blocks when a context is rate limited.
const DefaultRateLimitPause = 60 * time.Second

// Recovery outcomes recorded on error events.
const (
	OutcomeRecovered      = "recovered"
	OutcomeRetryExhausted = "retry_exhausted"
	OutcomeNoOperation    = "no_operation"
	OutcomeCancelled      = "cancelled"
	OutcomeRateLimited    = "rate_limited"
	OutcomeAlertRaised    = "alert_raised"
	OutcomeSafeMode       = "safe_mode"
	OutcomeQuarantined    = "quarantined"
	OutcomeQuarantineLog  = "quarantine_logged"
	OutcomeRestarted      = "restarted"
	OutcomeRestartFailed  = "restart_failed"
)

// FlagRaiser raises the persistent operator flags.
type FlagRaiser interface {
	RaiseAlert(reason, context string) error
	RaiseSafeMode(reason, context string) error
}

// RouterConfig holds dependencies for a Router.
type RouterConfig struct {
	Vault          *vault.Vault
	Log            *ErrorLog   // nil = NewErrorLog(Vault, Bus)
	Limiter        Limiter     // nil = in-memory limiter with defaults
	Flags          FlagRaiser  // optional
	Restarter      Restarter   // optional
	Bus            *events.Bus // optional
	MaxRetries     int
	Backoff        Backoff
	RateLimitPause time.Duration
}

// Router dispatches failures to the handler of their category.
type Router struct {
	v          *vault.Vault
	log        *ErrorLog
	limiter    Limiter
	flags      FlagRaiser
	restarter  Restarter
	bus        *events.Bus
	maxRetries int
	backoff    Backoff
	pause      time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a Router, filling unset policy with defaults.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		v:          cfg.Vault,
		log:        cfg.Log,
		limiter:    cfg.Limiter,
		flags:      cfg.Flags,
		restarter:  cfg.Restarter,
		bus:        cfg.Bus,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		pause:      cfg.RateLimitPause,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if r.log == nil {
		r.log = NewErrorLog(cfg.Vault, cfg.Bus)
	}
	if r.limiter == nil {
		r.limiter = NewMemoryLimiter(LimitPolicy{}, nil)
	}
	if r.maxRetries <= 0 {
		r.maxRetries = DefaultMaxRetries
	}
	if r.backoff.Base <= 0 {
		r.backoff.Base = DefaultBaseDelay
	}
	if r.backoff.Max <= 0 {
		r.backoff.Max = DefaultMaxDelay
	}
	if r.pause <= 0 {
		r.pause = DefaultRateLimitPause
	}
	return r
}

// Limiter returns the rate limiter used by the router.
func (r *Router) Limiter() Limiter { return r.limiter }

// ErrorLog returns the log the router writes to.
func (r *Router) ErrorLog() *ErrorLog { return r.log }

type recoverOptions struct {
	op        func(ctx context.Context) error
	artifact  string
	subsystem string
}

// Option configures a single Recover call.
type Option func(*recoverOptions)

// WithOperation supplies the operation a transient failure retries.
func WithOperation(op func(ctx context.Context) error) Option {
	return func(o *recoverOptions) { o.op = op }
}

// WithArtifact names the file a data failure quarantines.
func WithArtifact(path string) Option {
	return func(o *recoverOptions) { o.artifact = path }
}

// WithSubsystem names the subsystem a system failure restarts. Defaults to the context.
func WithSubsystem(name string) Option {
	return func(o *recoverOptions) { o.subsystem = name }
}

// Recover handles err raised in errCtx. It returns true only when a
// transient failure was retried successfully. Every call records exactly
// one error event.
func (r *Router) Recover(ctx context.Context, err error, errCtx string, opts ...Option) bool {
	if err == nil {
		return true
	}
	var o recoverOptions
	for _, opt := range opts {
		opt(&o)
	}

	category := ClassifyError(err)
	event := ErrorEvent{
		Timestamp: r.now(),
		Severity:  category.Severity(),
		Category:  category,
		Message:   err.Error(),
		Context:   errCtx,
		RawType:   ErrorType(err),
	}

	limited, lerr := r.limiter.IsLimited(ctx, errCtx)
	if lerr != nil {
		slog.Warn("rate limiter unavailable", "context", errCtx, "error", lerr)
	}
	if limited {
		metrics.RateLimited.Inc()
		slog.Warn("too many errors, pausing recovery", "context", errCtx, "pause", r.pause)
		_ = r.sleep(ctx, r.pause)
		event.Severity = SeverityWarning
		return r.finish(event, OutcomeRateLimited, false)
	}

	switch category {
	case CategoryTransient:
		return r.handleTransient(ctx, event, o)
	case CategoryAuthentication:
		return r.handleAuthentication(event)
	case CategoryData:
		return r.handleData(event, o)
	case CategorySystem:
		return r.handleSystem(ctx, event, o)
	default:
		return r.handleLogic(event)
	}
}

func (r *Router) handleTransient(ctx context.Context, event ErrorEvent, o recoverOptions) bool {
	if o.op == nil {
		return r.finish(event, OutcomeNoOperation, false)
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoff.Delay(attempt)); err != nil {
				event.Attempts = attempt
				return r.finish(event, OutcomeCancelled, false)
			}
		}
		metrics.RetryAttempts.Inc()
		err := o.op(ctx)
		if err == nil {
			event.Attempts = attempt + 1
			return r.finish(event, OutcomeRecovered, true)
		}
		slog.Debug("retry attempt failed", "context", event.Context, "attempt", attempt+1, "error", err)
	}

	event.Attempts = r.maxRetries
	return r.finish(event, OutcomeRetryExhausted, false)
}

func (r *Router) handleAuthentication(event ErrorEvent) bool {
	r.raise(func(f FlagRaiser) error {
		return f.RaiseAlert(fmt.Sprintf("Authentication failure in %s: %s", event.Context, event.Message), event.Context)
	})
	return r.finish(event, OutcomeAlertRaised, false)
}

func (r *Router) handleLogic(event ErrorEvent) bool {
	r.raise(func(f FlagRaiser) error {
		return f.RaiseSafeMode(fmt.Sprintf("Unexpected error in %s: %s", event.Context, event.Message), event.Context)
	})
	return r.finish(event, OutcomeSafeMode, false)
}

func (r *Router) handleData(event ErrorEvent, o recoverOptions) bool {
	outcome := OutcomeQuarantineLog
	action := "Quarantine requested, no artifact supplied"

	if o.artifact != "" {
		name := event.Timestamp.Format("20060102_150405") + "_" + filepath.Base(o.artifact)
		if err := r.v.MoveIn(o.artifact, vault.QueueQuarantine, name); err != nil {
			slog.Error("quarantine failed", "artifact", o.artifact, "error", err)
			action = fmt.Sprintf("Could not quarantine %s: %v", o.artifact, err)
		} else {
			outcome = OutcomeQuarantined
			action = fmt.Sprintf("Moved %s to %s/%s", o.artifact, vault.QueueQuarantine, name)
		}
	}

	entry := fmt.Sprintf("\n- **Time**: %s\n- **Context**: %s\n- **Error**: %s\n- **Action**: %s\n",
		event.Timestamp.Format("2006-01-02 15:04:05"), event.Context, event.Message, action)
	if err := r.v.AppendText(vault.QueueErrors, vault.DailyName("quarantine_log", event.Timestamp, "md"),
		"# Data Quarantine Log\n", entry); err != nil {
		slog.Error("append quarantine log", "error", err)
	}
	return r.finish(event, outcome, false)
}

func (r *Router) handleSystem(ctx context.Context, event ErrorEvent, o recoverOptions) bool {
	r.raise(func(f FlagRaiser) error {
		return f.RaiseAlert(fmt.Sprintf("Critical system error in %s. Immediate attention required.", event.Context), event.Context)
	})

	subsystem := o.subsystem
	if subsystem == "" {
		subsystem = event.Context
	}

	outcome := OutcomeRestartFailed
	result := "Manual restart may be required"
	if r.restarter != nil {
		out, err := r.restarter.Restart(ctx, subsystem)
		switch {
		case err != nil:
			result = "Restart failed: " + err.Error()
			metrics.RestartAttempts.WithLabelValues(subsystem, "failed").Inc()
		default:
			outcome = OutcomeRestarted
			result = "Restart command succeeded"
			metrics.RestartAttempts.WithLabelValues(subsystem, "ok").Inc()
		}
		if out != "" {
			slog.Debug("restart output", "subsystem", subsystem, "output", out)
		}
	}

	entry := fmt.Sprintf("\n- **Time**: %s\n- **Context**: %s\n- **Subsystem**: %s\n- **Action**: Attempted process restart\n- **Result**: %s\n",
		event.Timestamp.Format("2006-01-02 15:04:05"), event.Context, subsystem, result)
	if err := r.v.AppendText(vault.QueueLogs, vault.DailyName("restart_log", event.Timestamp, "md"),
		"# Process Restart Log\n", entry); err != nil {
		slog.Error("append restart log", "error", err)
	}
	return r.finish(event, outcome, false)
}

func (r *Router) raise(fn func(FlagRaiser) error) {
	if r.flags == nil {
		return
	}
	if err := fn(r.flags); err != nil {
		slog.Error("raise flag", "error", err)
	}
}

// finish records the single error event of a Recover call.
func (r *Router) finish(event ErrorEvent, outcome string, recovered bool) bool {
	event.Outcome = outcome
	if err := r.log.Record(event); err != nil {
		slog.Error("record error event", "context", event.Context, "error", err)
	}

	metrics.RecoveryOutcomes.WithLabelValues(string(event.Category), outcome).Inc()
	r.bus.Publish(events.NewTypedEvent(events.SourceRecovery, events.RecoveryPayload{
		Context:   event.Context,
		Category:  string(event.Category),
		Outcome:   outcome,
		Recovered: recovered,
	}))
	return recovered
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
