package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apwifi/internal/config"
)

func newBuildCmd() *cobra.Command {
	var r runOptions

	cmd := &cobra.Command{
		Use:   "build <scenario.yaml>",
		Short: "Build a topology from a YAML scenario and run it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading scenario file: %w", err)
			}

			sc, err := config.LoadScenario(data)
			if err != nil {
				return err
			}

			return runForeground(sc, r)
		},
	}

	addRunFlags(cmd.Flags(), &r)

	return cmd
}
