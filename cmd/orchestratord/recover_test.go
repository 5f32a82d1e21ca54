package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRecoverAgainstEmptyStoreSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "fleet.db")
	cfg.MaxWorkers = 10
	cfg.WorkerCommand = []string{"true"}

	require.NoError(t, runRecover(recoverCmd, nil))
}
