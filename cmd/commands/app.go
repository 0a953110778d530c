package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/logging"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/status"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
	"github.com/dohr-michael/warden/internal/worker"
)

// app bundles the components every command shares.
type app struct {
	cfg      *config.Config
	vault    *vault.Vault
	bus      *events.Bus
	store    *tasks.FileStore
	flags    *status.Flags
	errors   *recovery.ErrorLog
	limiter  recovery.Limiter
	router   *recovery.Router
	degrader *recovery.Degrader
}

// newApp loads config, sets up logging and opens the vault.
func newApp(cmd *cli.Command) (*app, error) {
	configPath := cmd.String("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.Bool("debug"))

	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	limiter, err := openLimiter(cfg.Recovery)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	a := &app{
		cfg:     cfg,
		vault:   v,
		bus:     bus,
		limiter: limiter,
		store: tasks.NewFileStore(v,
			tasks.WithBus(bus),
			tasks.WithDefaultMaxIterations(cfg.Loop.DefaultMaxIterations),
		),
		flags:    status.NewFlags(v, bus, cfg.Flags.CacheTTL.Duration()),
		errors:   recovery.NewErrorLog(v, bus),
		degrader: recovery.NewDegrader(v, bus, cfg.Recovery.Degradation),
	}
	a.router = recovery.NewRouter(recovery.RouterConfig{
		Vault:      v,
		Log:        a.errors,
		Limiter:    limiter,
		Flags:      a.flags,
		Restarter:  recovery.NewShellRestarter(cfg.Restart.Commands, cfg.Restart.Dir, cfg.Restart.Timeout.Duration()),
		Bus:        bus,
		MaxRetries: cfg.Recovery.MaxRetries,
		Backoff: recovery.Backoff{
			Base: cfg.Recovery.BaseDelay.Duration(),
			Max:  cfg.Recovery.MaxDelay.Duration(),
		},
		RateLimitPause: cfg.Recovery.RateLimitPause.Duration(),
	})
	slog.Debug("vault opened", "path", v.Root(), "limiter", cfg.Recovery.Limiter.Driver)
	return a, nil
}

// Close releases the limiter backend and the event bus.
func (a *app) Close() {
	if err := a.limiter.Close(); err != nil {
		slog.Warn("close rate limiter", "error", err)
	}
	a.bus.Close()
}

func openLimiter(rc config.RecoveryConfig) (recovery.Limiter, error) {
	policy := recovery.LimitPolicy{
		Threshold: rc.RateLimitThreshold,
		Window:    rc.RateWindow.Duration(),
	}
	switch rc.Limiter.Driver {
	case "", "memory":
		return recovery.NewMemoryLimiter(policy, nil), nil
	case "sqlite":
		l, err := recovery.OpenSQLiteLimiter(rc.Limiter.Path, policy)
		if err != nil {
			return nil, fmt.Errorf("open sqlite limiter: %w", err)
		}
		return l, nil
	case "redis":
		l, err := recovery.NewRedisLimiter(rc.Limiter.RedisURL, policy)
		if err != nil {
			return nil, fmt.Errorf("connect redis limiter: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown limiter driver %q", rc.Limiter.Driver)
	}
}

// sources returns the status inputs backed by this app.
func (a *app) sources() status.Sources {
	return status.Sources{
		Tasks:        a.store,
		Flags:        a.flags,
		Errors:       a.errors,
		Limiter:      a.limiter,
		HeartbeatDir: config.HeartbeatDir(a.vault.Root()),
	}
}

// recoverer routes work-hook failures through the recovery router. The failed
// iteration is handed over as the operation transient errors retry.
func (a *app) recoverer() tasks.Recoverer {
	return func(ctx context.Context, err error, errCtx string, retry func(context.Context) error) bool {
		var opts []recovery.Option
		if retry != nil {
			opts = append(opts, recovery.WithOperation(retry))
		}
		return a.router.Recover(ctx, err, errCtx, opts...)
	}
}

// newLoop builds a task loop. An empty script means no external work hook:
// steps are then marked done by other processes (`warden step`).
func (a *app) newLoop(script string) *tasks.Loop {
	var work tasks.WorkFunc
	if script != "" {
		work = worker.ExecWork(script, a.cfg.Worker.ExecDir, a.cfg.Worker.ExecTimeout.Duration())
	}
	return tasks.NewLoop(tasks.LoopConfig{
		Store:    a.store,
		Bus:      a.bus,
		Interval: a.cfg.Loop.Interval.Duration(),
		Work:     work,
		Recover:  a.recoverer(),
		Pauser:   a.flags,
	})
}
