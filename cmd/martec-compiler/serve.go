package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/martec-compiler/internal/api"
	"github.com/mattjoyce/martec-compiler/internal/config"
	"github.com/mattjoyce/martec-compiler/internal/events"
	"github.com/mattjoyce/martec-compiler/internal/history"
	"github.com/mattjoyce/martec-compiler/internal/lock"
	"github.com/mattjoyce/martec-compiler/internal/log"
	"github.com/mattjoyce/martec-compiler/internal/metrics"
	"github.com/mattjoyce/martec-compiler/internal/runner"
	"github.com/mattjoyce/martec-compiler/internal/session"
	"github.com/mattjoyce/martec-compiler/internal/storage"
	"github.com/mattjoyce/martec-compiler/internal/sweeper"
	"github.com/mattjoyce/martec-compiler/internal/workspace"
)

// ServeCmd runs the HTTP API and the retention sweeper until SIGINT/SIGTERM.
type ServeCmd struct{}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.SettingsPath())
	if err != nil {
		return err
	}

	log.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("martec-compiler starting",
		"version", version,
		"config", cfg.Path,
		"config_fingerprint", cfg.Fingerprint,
		"temp_directory", cfg.TempDirectory)

	pidLock, err := lock.AcquirePIDLock(cfg.PIDPath())
	if err != nil {
		return fmt.Errorf("failed to acquire PID lock: %w", err)
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(256)
	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	disk, err := workspace.NewFSManager(cfg.TempDirectory)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace root: %w", err)
	}

	opts := []session.Option{session.WithEvents(hub), session.WithMetrics(rec)}
	var hist api.History
	if cfg.History.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer db.Close()

		store := history.New(db)
		n, err := store.RecoverInterrupted(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("marked sessions from previous run as failed", "count", n)
		}
		logger.Info("history enabled", "path", cfg.History.Path)
		opts = append(opts, session.WithRecorder(store))
		hist = store
	}

	factory := runner.NewFactory(disk, runnerConfig(cfg))
	provision := session.ProvisionerFunc(func(ctx context.Context, id string) (session.Builder, error) {
		return factory.New(ctx, id)
	})
	registry := session.NewRegistry(provision, opts...)

	policy, _ := sweeper.PolicyFromConfig(cfg.Period, cfg.KeepFor, cfg.TrimTo, log.WithComponent("sweeper"))
	sweepOpts := []sweeper.Option{sweeper.WithEvents(hub), sweeper.WithMetrics(rec)}
	if cfg.Retention.GuardRunning() {
		sweepOpts = append(sweepOpts, sweeper.WithGuard(registry))
	}
	sw := sweeper.New(disk, policy, sweepOpts...)

	server := api.New(api.Config{
		Listen:      cfg.ListenAddr(),
		APIKey:      cfg.APIKey,
		LogFile:     cfg.Build.LogFile,
		Fingerprint: cfg.Fingerprint,
	}, registry, hist, hub, rec, log.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)
	if err := sw.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		return sw.Stop()
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("martec-compiler running", "listen", cfg.ListenAddr())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("martec-compiler stopped")
	return nil
}

func runnerConfig(cfg *config.Settings) runner.Config {
	return runner.Config{
		Docker:         cfg.Build.Docker,
		Image:          cfg.Build.Image,
		MountPoint:     cfg.Build.MountPoint,
		Command:        cfg.Build.Command,
		LogFile:        cfg.Build.LogFile,
		StrictExitCode: cfg.Build.StrictExitCode,
	}
}
