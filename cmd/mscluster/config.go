package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)

		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n# ⚠ not valid for node start: %v\n", err)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
