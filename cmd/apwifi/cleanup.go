package main

import (
	"context"

	"github.com/spf13/cobra"

	"apwifi/internal/driver"
	"apwifi/internal/orchestrator"
	"apwifi/internal/propagation"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep the host for leftover namespaces, bridges, phys, and processes from a crashed build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := orchestrator.New(topo.Config{}, propagation.Config{}, driver.NewShell(), "")
			if err != nil {
				return xerrors.ResourceError("constructing orchestrator", err)
			}

			return o.Stop(context.Background())
		},
	}

	return cmd
}
