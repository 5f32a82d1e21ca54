package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configDumpCmd = &cobra.Command{
	Use:   "config-dump",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the fully-resolved configuration (defaults, config file, flags, env) as YAML.`,
	RunE:  runConfigDump,
}

func init() {
	rootCmd.AddCommand(configDumpCmd)
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
