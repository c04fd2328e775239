package topo

import (
	"fmt"
	"sort"
	"sync"
)

// Kind identifies a Node variant (spec.md §3/§4.3).
type Kind string

const (
	KindStation    Kind = "station"
	KindAP         Kind = "ap"
	KindHost       Kind = "host"
	KindSwitch     Kind = "switch"
	KindController Kind = "controller"
	KindWLC        Kind = "wlc"
	KindNAT        Kind = "nat"
)

// Position is a node's location in meters, with optional mobility
// parameters (spec.md §3 "Position & kinematics").
type Position struct {
	X, Y, Z float64

	// Mobile nodes only.
	Mobile    bool
	VMin      float64
	VMax      float64
	ModelName string
	ModelSeed int64

	// Model-specific parameters (waypoints, time windows, ...), decoded
	// per-model by internal/mobility.
	ModelParams map[string]interface{}
}

// Phase is where a Node sits in its lifecycle (spec.md §3 "Lifecycle:
// created by orchestrator → configured → started → terminated").
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseConfigured
	PhaseStarted
	PhaseTerminated
)

// Node is the single struct backing every node variant; Kind selects which
// fields are meaningful, following the Design Notes' "tagged variant"
// guidance in place of the source's deep class hierarchy.
type Node struct {
	mu sync.Mutex

	ID   NodeID
	Name string
	Kind Kind

	PID        int
	Namespaced bool
	Phase      Phase

	Position Position

	// wlanIndex -> IntfID, ifName -> IntfID (spec.md §3 "Node").
	wlans map[int]IntfID
	ifs   map[string]IntfID

	// Variant-specific configuration, decoded via mapstructure from the
	// generic param bag the persisted document carries (SPEC_FULL §3.3).
	Params map[string]interface{}

	// Bridge is the OVS bridge name this node's master interfaces (AP) or
	// switch ports attach to; empty for nodes with no bridge.
	Bridge string

	// Gateway is the default-route next hop for a Station/Host.
	Gateway string

	Controllers []string
}

func NewNode(id NodeID, name string, kind Kind) *Node {
	return &Node{
		ID:     id,
		Name:   name,
		Kind:   kind,
		wlans:  make(map[int]IntfID),
		ifs:    make(map[string]IntfID),
		Params: make(map[string]interface{}),
	}
}

// BindWireless records the wlan index -> interface mapping under the
// node's lock; intf slots are assigned once by the orchestrator during
// build phase 3 and never reassigned.
func (n *Node) BindWireless(idx int, id IntfID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wlans[idx] = id
}

func (n *Node) BindIntf(name string, id IntfID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ifs[name] = id
}

func (n *Node) WlanIntf(idx int) (IntfID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.wlans[idx]
	return id, ok
}

func (n *Node) Intf(name string) (IntfID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.ifs[name]
	return id, ok
}

// Wlans returns a stable-ordered snapshot of wlan indices bound on this
// node.
func (n *Node) Wlans() []int {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]int, 0, len(n.wlans))
	for idx := range n.wlans {
		out = append(out, idx)
	}
	sort.Ints(out)

	return out
}

func (n *Node) SetPhase(p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Phase = p
}

func (n *Node) CurrentPhase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Phase
}

// GetPosition returns a snapshot of this node's position, safe to call
// concurrently with SetPosition from the mobility coordinator.
func (n *Node) GetPosition() Position {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Position
}

// SetPosition updates the node's location; called once per tick by the
// active mobility model (spec.md §4.7).
func (n *Node) SetPosition(p Position) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Position = p
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Kind)
}

// IsWireless reports whether this node kind ever carries a WirelessIntf.
func (k Kind) IsWireless() bool {
	switch k {
	case KindStation, KindAP, KindWLC:
		return true
	default:
		return false
	}
}
