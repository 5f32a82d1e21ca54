package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/2389-research/fleetd/internal/config"
	"github.com/2389-research/fleetd/internal/log"
)

var (
	cfgFile     string
	storagePath string
	cfg         config.Config

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Agent-fleet orchestrator daemon",
	Long:  `orchestratord spawns, supervises, and coordinates interactive coding-agent worker subprocesses.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/fleetd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-path", "", "path to the sqlite store (overrides config)")
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("storage-path"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("max_workers", defaults.MaxWorkers)
	viper.SetDefault("max_depth", defaults.MaxDepth)
	viper.SetDefault("heartbeat_interval_ms", defaults.HeartbeatIntervalMS)
	viper.SetDefault("stale_threshold_ms", defaults.StaleThresholdMS)
	viper.SetDefault("worktrees_enabled", defaults.WorktreesEnabled)
	viper.SetDefault("worktree_base_dir", defaults.WorktreeBaseDir)
	viper.SetDefault("branch_prefix", defaults.BranchPrefix)
	viper.SetDefault("default_base_branch", defaults.DefaultBaseBranch)
	viper.SetDefault("remote", defaults.Remote)
	viper.SetDefault("hook_mode", defaults.HookMode)
	viper.SetDefault("worker_command", defaults.WorkerCommand)
	viper.SetDefault("addr", defaults.Addr)
	viper.SetDefault("storage.backend", defaults.Storage.Backend)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "fleetd"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			home, _ := os.UserHomeDir()
			defaultPath := filepath.Join(home, ".config", "fleetd", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
				log.Info(log.CatConfig, "config loaded", "path", defaultPath)
			}
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.ErrorErr(log.CatConfig, "failed to unmarshal config", err)
	}
}
