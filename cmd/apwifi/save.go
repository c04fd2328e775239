package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apwifi/internal/config"
	"apwifi/internal/persist"
)

func newSaveCmd() *cobra.Command {
	var r runOptions
	var out string

	cmd := &cobra.Command{
		Use:   "save <scenario.yaml>",
		Short: "Build a scenario, persist its resulting topology as JSON (spec.md §6), then tear it down",
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

			o, err := newOrchestrator(sc, r)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := o.Build(ctx, sc); err != nil {
				return err
			}

			doc, err := persist.Save(o.Topology(), sc.Application)
			if err != nil {
				_ = o.Stop(context.Background())
				return err
			}

			if err := os.WriteFile(out, doc, 0644); err != nil {
				_ = o.Stop(context.Background())
				return fmt.Errorf("writing persisted topology: %w", err)
			}

			fmt.Printf("wrote persisted topology to %s\n", out)

			return o.Stop(context.Background())
		},
	}

	addRunFlags(cmd.Flags(), &r)
	cmd.Flags().StringVar(&out, "out", "topology.json", "path to write the persisted JSON document")

	return cmd
}
