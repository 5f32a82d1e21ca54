package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389-research/fleetd/internal/config"
	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/fleet"
	"github.com/2389-research/fleetd/internal/hooks"
	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/spawnqueue"
	"github.com/2389-research/fleetd/internal/storage"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
	"github.com/2389-research/fleetd/internal/supervisor"
	"github.com/2389-research/fleetd/internal/tracing"
	"github.com/2389-research/fleetd/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator: open the store, recover any workers left
pending/ready/busy from a prior run, and run until signalled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "tracer shutdown failed", err)
		}
	}()

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New()
	sup := supervisor.New(bus)

	var hookMode hooks.Mode
	if cfg.HookMode == "advisory" {
		hookMode = hooks.ModeAdvisory
	} else {
		hookMode = hooks.ModeEnforce
	}
	pipeline := hooks.New(hookMode)
	for _, h := range hooks.DefaultHooks() {
		pipeline.Register(h)
	}

	var worktrees *worktree.Manager
	if cfg.WorktreesEnabled {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		worktrees = worktree.NewManager(worktree.Config{
			RepoDir:           workDir,
			BaseDir:           cfg.WorktreeBaseDir,
			BranchPrefix:      cfg.BranchPrefix,
			DefaultBaseBranch: cfg.DefaultBaseBranch,
			Remote:            cfg.Remote,
		})

		orphans, err := worktree.NewOrphanWatcher(worktrees, 0)
		if err != nil {
			log.ErrorErr(log.CatConfig, "worktree orphan watcher unavailable, continuing without it", err)
		} else if err := orphans.Start(); err != nil {
			log.ErrorErr(log.CatConfig, "worktree orphan watcher failed to start", err)
		} else {
			defer func() { _ = orphans.Stop() }()
		}
	}

	fl := fleet.New(fleet.Config{
		MaxWorkers:        cfg.MaxWorkers,
		StaleThreshold:    time.Duration(cfg.StaleThresholdMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		WorktreesEnabled:  cfg.WorktreesEnabled,
		Command:           func(fleet.SpawnOptions) []string { return cfg.WorkerCommand },
	}, db, worktrees, sup, bus)

	scheduler := spawnqueue.New(spawnqueue.Config{
		MaxDepth:   cfg.MaxDepth,
		MaxWorkers: cfg.MaxWorkers,
		Policy: func(item *storage.SpawnQueueItem) (bool, string) {
			res, err := pipeline.Check(hooks.Context{Operation: hooks.OpBashCommand, Command: item.Task, Handle: item.RequesterHandle})
			if err != nil || !res.Allowed {
				return false, res.Reason
			}
			return true, ""
		},
	}, db.SpawnQueue(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info(log.CatConfig, "recovering workers from prior run")
	if err := fl.Recover(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "recovery failed", err)
	}

	fl.StartHeartbeatSweep(ctx)
	scheduler.StartEvaluateSweep(ctx, time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond, func() int {
		live, err := fl.List(storage.WorkerFilter{IncludeDismissed: false})
		if err != nil {
			log.ErrorErr(log.CatQueue, "spawn queue evaluation: listing live workers failed", err)
			return 0
		}
		return len(live)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("orchestratord started, press Ctrl+C to stop")
	sig := <-sigCh
	fmt.Printf("received %s, shutting down\n", sig)

	cancel()
	return nil
}
