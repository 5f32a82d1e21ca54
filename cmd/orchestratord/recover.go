package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/fleet"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
	"github.com/2389-research/fleetd/internal/supervisor"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover workers left pending/ready/busy from a prior run",
	Long: `Run WorkerManager.Recover against an existing store without starting a
server: useful after a crash to re-assert worker state before a full serve.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(_ *cobra.Command, _ []string) error {
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New()
	sup := supervisor.New(bus)

	fl := fleet.New(fleet.Config{
		MaxWorkers: cfg.MaxWorkers,
		Command:    func(fleet.SpawnOptions) []string { return cfg.WorkerCommand },
	}, db, nil, sup, bus)

	if err := fl.Recover(context.Background()); err != nil {
		return fmt.Errorf("recovering workers: %w", err)
	}

	fmt.Println("recovery complete")
	return nil
}
