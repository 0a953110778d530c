package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/gateway"
	"github.com/dohr-michael/warden/internal/logging"
	"github.com/dohr-michael/warden/internal/storage"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/worker"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the worker pool and the status gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Tasks run at once",
			},
			&cli.BoolFlag{
				Name:  "no-gateway",
				Usage: "Run the worker pool only",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	// The reloader compares against the file as read, not the overridden copy.
	fromFile := *cfg

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("concurrency") {
		cfg.Worker.Concurrency = int(cmd.Int("concurrency"))
	}

	activityDir := filepath.Join(a.vault.Dir(vault.QueueLogs), "activity")
	activity := storage.NewActivityLogger(activityDir, a.bus)
	defer activity.Close()

	pool := worker.NewPool(worker.Config{
		Store:        a.store,
		Loop:         a.newLoop(cfg.Worker.Exec),
		Pauser:       a.flags,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval.Duration(),
		HeartbeatDir: config.HeartbeatDir(a.vault.Root()),
	})
	pool.Start()
	defer pool.Stop()

	// SIGHUP reloads .env and config.
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), &fromFile)
	reloader.OnLogChange(func(lc config.LogConfig) {
		logging.Setup(lc.Level, lc.Format, cmd.Bool("debug"))
	})
	reloader.OnDegradationChange(a.degrader.SetAlternatives)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloader.Watch(ctx, hup)

	if cmd.Bool("no-gateway") {
		<-ctx.Done()
		slog.Info("shutting down...")
		return nil
	}

	server := gateway.NewServer(gateway.Deps{
		Bus:         a.bus,
		Tasks:       a.store,
		Status:      a.sources(),
		ActivityDir: activityDir,
		Canceller:   pool,
	}, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
