package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"apwifi/internal/store"
	"apwifi/internal/xerrors"
)

// nodeStatus mirrors the exported fields of topo.Node that the snapshot
// store persists, decoded independently so this command has no dependency
// on a live orchestrator.
type nodeStatus struct {
	Name    string
	Kind    string
	PID     int
	Phase   int
	Bridge  string
	Gateway string
}

var phaseNames = []string{"created", "configured", "started", "terminated"}

func newStatusCmd() *cobra.Command {
	var snapPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last-known topology state from a snapshot store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapPath == "" {
				return xerrors.ConfigError("status requires --snapshot-store (pass the same path given to `build --snapshot-store`)", nil)
			}

			s, err := store.Open(snapPath)
			if err != nil {
				return err
			}
			defer s.Close()

			raw, err := s.Nodes()
			if err != nil {
				return err
			}

			var nodes []nodeStatus
			for name, data := range raw {
				var n nodeStatus
				if err := json.Unmarshal(data, &n); err != nil {
					log.Warn("decoding snapshot for node %s: %v", name, err)
					continue
				}
				nodes = append(nodes, n)
			}

			sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Kind", "PID", "Phase", "Bridge", "Gateway"})

			for _, n := range nodes {
				phase := "unknown"
				if n.Phase >= 0 && n.Phase < len(phaseNames) {
					phase = phaseNames[n.Phase]
				}
				table.Append([]string{n.Name, n.Kind, fmt.Sprint(n.PID), phase, n.Bridge, n.Gateway})
			}

			table.Render()

			return nil
		},
	}

	cmd.Flags().StringVar(&snapPath, "snapshot-store", "", "path to the bbolt snapshot store to read")

	return cmd
}
