// Package topo implements the process-wide topology data model from
// spec.md §3: nodes, wireless/wired interfaces, links, media, and the
// cleanup-action log. Per the Design Notes (spec.md §9), the node/interface/
// link graph is cyclic (a node's interface points at its peer's interface,
// which points back at its owning node), so cross-references are small
// integer IDs into an arena rather than pointers -- nothing here owns
// another package's memory, and the Topology's single mutex is the only
// lock needed to keep the arena and the name index in agreement.
package topo

import "fmt"

type NodeID int
type IntfID int
type LinkID int

const (
	InvalidNodeID NodeID = -1
	InvalidIntfID IntfID = -1
	InvalidLinkID LinkID = -1
)

func (id NodeID) String() string { return fmt.Sprintf("node#%d", int(id)) }
func (id IntfID) String() string { return fmt.Sprintf("intf#%d", int(id)) }
func (id LinkID) String() string { return fmt.Sprintf("link#%d", int(id)) }
