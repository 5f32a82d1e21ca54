package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsPassValidate(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidateRejectsNonPositiveMaxWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.MaxWorkers = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownHookMode(t *testing.T) {
	cfg := Defaults()
	cfg.HookMode = "yolo"
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsEmptyWorkerCommand(t *testing.T) {
	cfg := Defaults()
	cfg.WorkerCommand = nil
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsUnsupportedStorageBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Backend = "postgres"
	require.Error(t, Validate(cfg))
}

func TestWriteDefaultConfigCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))
	require.FileExists(t, path)
}
