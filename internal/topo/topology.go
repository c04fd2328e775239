package topo

import (
	"fmt"
	"sync"
)

// Config carries the process-wide settings from spec.md §3 "Topology":
// IP base, propagation params, wmediumd mode, auto-association flags.
type Config struct {
	IPBase           string
	AutoAssociate    bool
	WmediumdMode     RFMode
	ACMethod         string // "ssf", "llf", or "manual" (spec.md §4.8)
	MobilityEnabled  bool
	MobilityTickMS   int
	PropagationModel string
	PathLossExponent float64
	NoiseThresholdDBm float64
	FadingCoefficient float64

	// BgscanThresholdDBm is the per-station roam trigger from spec.md §4.8:
	// once an associated station's current AP RSSI falls below this, C8
	// looks for a better candidate. Zero disables the crossing notification.
	BgscanThresholdDBm float64
}

// Topology is the single-writer, process-wide store of nodes, interfaces,
// links, and media (spec.md §3). Every mutation goes through this struct's
// mutex; internal/orchestrator is the only package that calls the mutating
// methods, everything else (mobility, association, propagation) reads via
// the accessor methods, which take the same lock.
type Topology struct {
	mu sync.RWMutex

	Config Config

	nodes    []*Node
	nodeIdx  map[string]NodeID

	intfs     []*WirelessIntf
	wiredIntfs []*Intf

	links []*Link

	media map[int]*Medium

	nextNodeID NodeID
	nextIntfID IntfID
	nextWiredIntfID IntfID
	nextLinkID LinkID
}

func New(cfg Config) *Topology {
	return &Topology{
		Config:  cfg,
		nodeIdx: make(map[string]NodeID),
		media:   map[int]*Medium{DefaultMediumID: NewMedium(DefaultMediumID)},
	}
}

var ErrDuplicateName = fmt.Errorf("node name already exists in topology")
var ErrNotFound = fmt.Errorf("not found")

// AddNode inserts a node under a globally unique name (spec.md §3 invariant).
func (t *Topology) AddNode(name string, kind Kind) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodeIdx[name]; exists {
		return nil, ErrDuplicateName
	}

	id := t.nextNodeID
	t.nextNodeID++

	n := NewNode(id, name, kind)
	t.nodes = append(t.nodes, n)
	t.nodeIdx[name] = id

	return n, nil
}

func (t *Topology) Node(id NodeID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) < 0 || int(id) >= len(t.nodes) {
		return nil, false
	}

	return t.nodes[id], true
}

func (t *Topology) NodeByName(name string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.nodeIdx[name]
	if !ok {
		return nil, false
	}

	return t.nodes[id], true
}

// Nodes returns a stable-ordered snapshot (declaration order) for iteration.
func (t *Topology) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, len(t.nodes))
	copy(out, t.nodes)

	return out
}

func (t *Topology) NodesByKind(kind Kind) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Node
	for _, n := range t.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}

	return out
}

// AddWirelessIntf allocates and binds a WirelessIntf on the owning node's
// wlan index (spec.md §4.9 build phase 3).
func (t *Topology) AddWirelessIntf(node NodeID, wlanIndex int, name string) (*WirelessIntf, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(node) < 0 || int(node) >= len(t.nodes) {
		return nil, ErrNotFound
	}

	id := t.nextIntfID
	t.nextIntfID++

	w := NewWirelessIntf(id, node, wlanIndex, name)
	w.MediumID = DefaultMediumID
	t.intfs = append(t.intfs, w)

	t.nodes[node].BindWireless(wlanIndex, id)
	t.media[DefaultMediumID].Members[id] = true

	return w, nil
}

func (t *Topology) WirelessIntf(id IntfID) (*WirelessIntf, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) < 0 || int(id) >= len(t.intfs) {
		return nil, false
	}

	return t.intfs[id], true
}

// WirelessIntfs returns every wireless interface in the topology.
func (t *Topology) WirelessIntfs() []*WirelessIntf {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*WirelessIntf, len(t.intfs))
	copy(out, t.intfs)

	return out
}

// MediumMembers returns the wireless interfaces sharing the given medium id
// (spec.md §3 "Medium" invariant: every wireless interface belongs to
// exactly one medium).
func (t *Topology) MediumMembers(mediumID int) []*WirelessIntf {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.media[mediumID]
	if !ok {
		return nil
	}

	var out []*WirelessIntf
	for id := range m.Members {
		out = append(out, t.intfs[id])
	}

	return out
}

// SetMedium reassigns a wireless interface to a (possibly new) medium id.
func (t *Topology) SetMedium(intf IntfID, mediumID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.intfs[intf]

	if old, ok := t.media[w.MediumID]; ok {
		delete(old.Members, intf)
	}

	if _, ok := t.media[mediumID]; !ok {
		t.media[mediumID] = NewMedium(mediumID)
	}

	t.media[mediumID].Members[intf] = true
	w.MediumID = mediumID
}

func (t *Topology) AddWiredIntf(node NodeID, name string) (*Intf, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(node) < 0 || int(node) >= len(t.nodes) {
		return nil, ErrNotFound
	}

	id := t.nextWiredIntfID
	t.nextWiredIntfID++

	intf := &Intf{ID: id, Node: node, Name: name}
	t.wiredIntfs = append(t.wiredIntfs, intf)
	t.nodes[node].BindIntf(name, id)

	return intf, nil
}

func (t *Topology) WiredIntf(id IntfID) (*Intf, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) < 0 || int(id) >= len(t.wiredIntfs) {
		return nil, false
	}

	return t.wiredIntfs[id], true
}

// AddLink appends a link to the mutable link list (spec.md §3 "Topology").
func (t *Topology) AddLink(l Link) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.ID = t.nextLinkID
	t.nextLinkID++

	stored := l
	t.links = append(t.links, &stored)

	return &stored
}

func (t *Topology) Links() []*Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Link, len(t.links))
	copy(out, t.links)

	return out
}

func (t *Topology) RemoveLink(id LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, l := range t.links {
		if l.ID == id {
			t.links = append(t.links[:i], t.links[i+1:]...)
			return
		}
	}
}

// CheckInvariants validates the names-unique / index-agrees invariant from
// spec.md §3; intended for tests and for the orchestrator to assert at
// quiescent points (after build, before/after live add).
func (t *Topology) CheckInvariants() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.nodeIdx) != len(t.nodes) {
		return fmt.Errorf("node index size %d disagrees with node collection size %d", len(t.nodeIdx), len(t.nodes))
	}

	for name, id := range t.nodeIdx {
		if int(id) >= len(t.nodes) || t.nodes[id].Name != name {
			return fmt.Errorf("node index entry %q -> %v does not match node collection", name, id)
		}
	}

	for _, w := range t.intfs {
		m, ok := t.media[w.MediumID]
		if !ok || !m.Members[w.ID] {
			return fmt.Errorf("wireless interface %v missing from its own medium %d", w.ID, w.MediumID)
		}
	}

	return nil
}
