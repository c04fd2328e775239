package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apwifi/internal/config"
	"apwifi/internal/persist"
)

func newLoadCmd() *cobra.Command {
	var r runOptions

	cmd := &cobra.Command{
		Use:   "load <topology.json>",
		Short: "Rebuild a topology from a persisted JSON document (spec.md §6) and run it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading persisted topology file: %w", err)
			}

			doc, err := persist.Load(data)
			if err != nil {
				return err
			}

			sc := config.FromDocument(doc)

			return runForeground(sc, r)
		},
	}

	addRunFlags(cmd.Flags(), &r)

	return cmd
}
