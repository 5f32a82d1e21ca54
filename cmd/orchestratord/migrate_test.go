package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunMigrateCreatesStoreAtConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "fleet.db")

	require.NoError(t, runMigrate(migrateCmd, nil))
	require.FileExists(t, cfg.Storage.Path)
}

func TestRunMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "fleet.db")

	require.NoError(t, runMigrate(migrateCmd, nil))
	require.NoError(t, runMigrate(migrateCmd, nil))
}
