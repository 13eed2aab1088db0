package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/taskhub/internal/catalog"
	"github.com/dohr-michael/taskhub/internal/config"
	"github.com/dohr-michael/taskhub/internal/coproc"
	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/gateway"
	"github.com/dohr-michael/taskhub/internal/heartbeat"
	"github.com/dohr-michael/taskhub/internal/hub"
	"github.com/dohr-michael/taskhub/internal/lock"
	"github.com/dohr-michael/taskhub/internal/metrics"
	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/store"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the taskhub server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Storage driver (memory, sqlite, dir)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("storage") {
		cfg.Storage.Driver = cmd.String("storage")
	}
	level := setupLogging(cmd, cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	var audit *storage.AuditLog
	if cfg.Events.AuditDir != "" {
		audit = storage.NewAuditLog(cfg.Events.AuditDir, bus)
		defer audit.Close()
	}

	backend, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	buckets := make(map[string]storage.KV, 3)
	for _, name := range []string{store.BucketActive, store.BucketInstances, store.BucketOutputs} {
		kv, err := backend.Bucket(name)
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", name, err)
		}
		buckets[name] = kv
	}

	cat, err := catalog.Load(cfg.Catalog.Dirs...)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	policy, err := coproc.ParsePolicy(cfg.Hub.CoProcessorPolicy)
	if err != nil {
		return err
	}

	locks := lock.NewManager()
	reg := registry.New()
	m := metrics.New()

	active := store.NewActiveTasks(buckets[store.BucketActive])
	recovered, err := active.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover active tasks: %w", err)
	}
	m.SetActiveTasks(recovered)

	router := coproc.NewRouter(reg, policy)
	instances := store.NewInstances(buckets[store.BucketInstances])
	outputs := store.NewFamilyOutputs(buckets[store.BucketOutputs], locks)

	h := hub.New(hub.Deps{
		Registry:    reg,
		Locks:       locks,
		Active:      active,
		Instances:   instances,
		Outputs:     outputs,
		Router:      router,
		Initializer: cat,
		Bus:         bus,
		Metrics:     m,
	}, hub.Options{HashSnapshots: cfg.Hub.HashSnapshots})

	server := gateway.NewServer(gateway.Deps{
		Hub:       h,
		Registry:  reg,
		Active:    active,
		Instances: instances,
		Outputs:   outputs,
		Bus:       bus,
		Audit:     audit,
		Metrics:   m,
	}, gateway.Options{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		WSPath:     cfg.Server.WSPath,
		SendBuffer: cfg.Hub.SendBuffer,
	})

	// Lock watchdog
	watchdog := lock.NewWatchdog(locks, lock.WatchdogConfig{
		StuckAfter: cfg.Locks.StuckAfter.Duration(),
		IdleAfter:  cfg.Locks.IdleAfter.Duration(),
		OnStuck: func(held lock.Holding) {
			m.LockStuck()
			bus.Publish(events.NewTypedEventForInstance(events.SourceLock, events.LockStuckPayload{
				Description: held.Description,
				HeldFor:     held.Held,
			}, held.ID))
		},
	})
	sched := cron.New()
	if _, err := watchdog.Schedule(sched, cfg.Locks.WatchdogInterval.Duration()); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	hb := heartbeat.NewWriter(config.HeartbeatPath(), 0, func() heartbeat.Stats {
		return heartbeat.Stats{
			Addr:        server.Addr(),
			Connections: server.Connections(),
			Processors:  len(reg.IDs()),
			ActiveTasks: active.Len(),
		}
	})
	hb.Start()
	defer hb.Stop()

	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	reloader.OnReload(func(next *config.Config) {
		applyLevel(level, next.Log, cmd.Bool("debug"))
		if p, err := coproc.ParsePolicy(next.Hub.CoProcessorPolicy); err == nil {
			if err := router.SetPolicy(p); err != nil {
				slog.Warn("apply coprocessor policy", "error", err)
			}
		}
		h.SetHashSnapshots(next.Hub.HashSnapshots)
	})

	slog.Info("taskhub starting",
		"addr", server.Addr(),
		"storage", cfg.Storage.Driver,
		"recovered", recovered,
		"coprocessor_policy", policy,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		reloader.Watch(gctx, syscall.SIGHUP)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
