package mobility

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"apwifi/internal/minilog"
	"apwifi/internal/propagation"
	"apwifi/internal/topo"
	"apwifi/internal/wmediumd"
)

var log = minilog.Named("mobility")

// pairKey identifies an unordered pair of wireless interfaces for the
// hysteresis bookkeeping below.
type pairKey struct {
	a, b topo.IntfID
}

func makePairKey(a, b topo.IntfID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// RFConnector is the subset of the wmediumd connector the coordinator pushes
// per-tick geometry updates through, closing spec.md §2's dataflow ("C7
// ticks positions -> C6 recomputes pairwise RSSI -> C5 is updated") and
// §4.7 step 2 ("ask C6 for new RSSI/SNR ... push an update through C5").
// Satisfied by *wmediumd.Client; left nil (the default) disables the push.
type RFConnector interface {
	UpdatePosition(ctx context.Context, mac wmediumd.MAC, x, y, z float64) error
	UpdateSnr(ctx context.Context, a, b wmediumd.MAC, snrDB float64) error
}

// Event reports a threshold crossing between two wireless interfaces
// (spec.md §4.7 step 4, "notifies the association controller"). Consumers
// read Events() and re-evaluate association policy on Entered/left, or on
// Bgscan crossings once BgscanBelow is true.
type Event struct {
	Tick    uint64
	Time    time.Time
	A, B    topo.IntfID
	Entered bool // true: A and B just came into range; false: they just left

	// Bgscan marks this as a per-station bgscan-threshold crossing (spec.md
	// §4.7 step 3, §4.8 "current AP's RSSI falls below bgscan_threshold")
	// rather than a range crossing; Entered is meaningless on such events.
	Bgscan bool
	// BgscanBelow is only meaningful when Bgscan is true: true if RSSI for
	// this pair just fell below Coordinator.BgscanThresholdDBm, false if it
	// just rose back above it.
	BgscanBelow bool
}

// Snapshot is the read-only view of the topology published to telemetry
// subscribers after each tick, grounded in the push-don't-poll contract
// described by the design notes.
type Snapshot struct {
	Tick      uint64
	Time      time.Time
	Positions map[topo.NodeID]topo.Position
}

type nodeModel struct {
	node  *topo.Node
	model Model
	rng   *rand.Rand
}

// Coordinator steps every mobile node's model on a fixed tick, recomputes
// in-range sets through the propagation engine, and emits threshold-crossing
// Events (spec.md §4.7). It owns no topology-wide lock beyond what
// Topology's own accessor methods already take.
type Coordinator struct {
	top      *topo.Topology
	propCfg  propagation.Config
	bounds   Bounds
	tick     time.Duration
	registry *GroupRegistry

	// HysteresisDB widens the in-range/out-of-range boundary by this many dB
	// in whichever direction preserves the current state, to suppress
	// flapping from RSSI noise right at the threshold.
	HysteresisDB float64

	// BgscanThresholdDBm is the per-pair roam trigger from spec.md §4.8: a
	// zero value (the default) disables the crossing notification entirely,
	// since not every deployment sets ac_method to something that roams.
	BgscanThresholdDBm float64

	// Plot, if set, is called once per tick with a snapshot of every mobile
	// node's position -- the seam the telemetry websocket broadcaster hooks
	// into.
	Plot func(Snapshot)

	// OnTick, if set, is called once per tick with the tick's wall-clock
	// duration -- the seam the /metrics endpoint hooks into.
	OnTick func(time.Duration)

	// RF, if set, receives a position push for every tracked node each
	// tick and, when RFMode is topo.RFModeInterference, a symmetric SNR
	// push for every same-medium pair whose RSSI has moved by more than
	// HysteresisDB since the last push to that pair.
	RF     RFConnector
	RFMode topo.RFMode

	ctx context.Context

	mu         sync.Mutex
	models     map[topo.NodeID]*nodeModel
	lastInRange map[pairKey]bool
	lastBelowBgscan map[pairKey]bool
	generation uint64
	paused     bool

	lastPushedSNR *gocache.Cache

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator builds a coordinator over the given topology. tickPeriod
// should match Config.MobilityTickMS (spec.md §4.7, nominally 100ms).
func NewCoordinator(top *topo.Topology, propCfg propagation.Config, bounds Bounds, tickPeriod time.Duration) *Coordinator {
	if tickPeriod <= 0 {
		tickPeriod = 100 * time.Millisecond
	}

	return &Coordinator{
		top:           top,
		propCfg:       propCfg,
		bounds:        bounds,
		tick:          tickPeriod,
		registry:      NewGroupRegistry(),
		HysteresisDB:  1,
		ctx:           context.Background(),
		models:        make(map[topo.NodeID]*nodeModel),
		lastInRange:   make(map[pairKey]bool),
		lastBelowBgscan: make(map[pairKey]bool),
		lastPushedSNR: gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		events:        make(chan Event, 256),
	}
}

// Events returns the channel association policy listens on for threshold
// crossings. Callers must drain it; NewCoordinator sizes it generously but
// a stalled consumer will eventually block tick processing.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Track registers a mobile node with the coordinator, building its Model
// from the node's current Position metadata.
func (c *Coordinator) Track(n *topo.Node, trackSource func() (topo.Position, bool), trackSeries []topo.Position) error {
	pos := n.GetPosition()

	model, rng, err := NewModel(pos, c.registry, trackSource, trackSeries)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.models[n.ID] = &nodeModel{node: n, model: model, rng: rng}
	c.mu.Unlock()

	return nil
}

// Untrack removes a node from mobility stepping, e.g. after it is deleted
// via a live topology change.
func (c *Coordinator) Untrack(id topo.NodeID) {
	c.mu.Lock()
	delete(c.models, id)
	c.mu.Unlock()
}

// Pause/Resume implement the operator-facing controls from spec.md §6
// (build/stop leave mobility running; an explicit pause is a Non-goal of
// spec.md but is trivial to carry alongside cancellation, so it is kept
// here rather than only exposed via the CLI).
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Run drives the tick loop until ctx is canceled, mirroring the
// ticker-plus-listener shape used elsewhere in the corpus for simulation
// clocks, but with cooperative cancellation and a bounded grace period on
// stop instead of an unbounded listener fan-out.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx = ctx

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	log.Info("mobility coordinator started, tick=%s", c.tick)

	for {
		select {
		case <-ctx.Done():
			log.Info("mobility coordinator stopping: %v", ctx.Err())
			return
		case now := <-ticker.C:
			c.step(now)
		}
	}
}

func (c *Coordinator) step(now time.Time) {
	start := time.Now()
	defer func() {
		if c.OnTick != nil {
			c.OnTick(time.Since(start))
		}
	}()

	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation

	in := StepInput{Dt: c.tick, Bounds: c.bounds, Tick: gen}

	snapshot := Snapshot{Tick: gen, Time: now, Positions: make(map[topo.NodeID]topo.Position, len(c.models))}

	for id, nm := range c.models {
		in.Rng = nm.rng
		next := nm.model.Step(nm.node.GetPosition(), in)
		nm.node.SetPosition(next)
		snapshot.Positions[id] = next
	}
	c.mu.Unlock()

	if c.Plot != nil {
		c.Plot(snapshot)
	}

	c.recomputeRanges(gen, now)
}

// recomputeRanges reevaluates every wireless-interface pair sharing a medium
// (spec.md §4.7 step 3) and emits Events for pairs that crossed the
// threshold since the last tick.
func (c *Coordinator) recomputeRanges(gen uint64, now time.Time) {
	intfs := c.top.WirelessIntfs()

	c.pushPositions(intfs)

	byMedium := make(map[int][]*topo.WirelessIntf)
	for _, w := range intfs {
		byMedium[w.MediumID] = append(byMedium[w.MediumID], w)
	}

	inRangeNow := make(map[pairKey]bool)
	belowNowRange := make(map[pairKey]bool)
	apsFor := make(map[topo.IntfID]map[topo.IntfID]bool)
	staFor := make(map[topo.IntfID]map[topo.IntfID]bool)

	for _, members := range byMedium {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]

				n1, ok1 := c.top.Node(a.Node)
				n2, ok2 := c.top.Node(b.Node)
				if !ok1 || !ok2 {
					continue
				}

				p1, p2 := n1.GetPosition(), n2.GetPosition()
				dist := distance3(p1, p2)

				rssi := propagation.RSSI(c.propCfg, a.TxPowerDBm, a.AntennaGainDBi, b.AntennaGainDBi, dist)
				key := makePairKey(a.ID, b.ID)

				was := c.lastInRange[key]
				threshold := c.propCfg.NoiseThresholdDBm
				if was {
					threshold -= c.HysteresisDB
				} else {
					threshold += c.HysteresisDB
				}

				isInRange := rssi >= threshold
				inRangeNow[key] = isInRange

				if isInRange {
					addPeer(apsFor, staFor, a, b)
					addPeer(apsFor, staFor, b, a)
				}

				if isInRange != was {
					c.events <- Event{Tick: gen, Time: now, A: a.ID, B: b.ID, Entered: isInRange}
				}

				if c.BgscanThresholdDBm != 0 {
					belowNow := rssi < c.BgscanThresholdDBm
					belowNowRange[key] = belowNow
					if belowNow != c.lastBelowBgscan[key] {
						c.events <- Event{Tick: gen, Time: now, A: a.ID, B: b.ID, Bgscan: true, BgscanBelow: belowNow}
					}
				}

				c.pushSNR(key, a, b, rssi)
			}
		}
	}

	for _, w := range intfs {
		w.SetInRange(apsFor[w.ID], staFor[w.ID])
	}

	c.mu.Lock()
	c.lastInRange = inRangeNow
	c.lastBelowBgscan = belowNowRange
	c.mu.Unlock()
}

// pushPositions forwards every wireless interface's owning-node position to
// C5, a no-op when no RFConnector was wired in. Positions move every tick
// under mobility, so unlike pushSNR there is nothing to gate on hysteresis.
func (c *Coordinator) pushPositions(intfs []*topo.WirelessIntf) {
	if c.RF == nil {
		return
	}

	for _, w := range intfs {
		mac, err := wmediumd.ParseMAC(w.MAC)
		if err != nil {
			continue
		}

		n, ok := c.top.Node(w.Node)
		if !ok {
			continue
		}

		pos := n.GetPosition()
		if err := c.RF.UpdatePosition(c.ctx, mac, pos.X, pos.Y, pos.Z); err != nil {
			log.Warn("pushing position for %s to wmediumd: %v", w.Name, err)
		}
	}
}

// pushSNR forwards a pair's freshly computed RSSI to C5 as a symmetric SNR
// update, but only in interference mode and only once the RSSI has moved by
// more than HysteresisDB since the last push for this pair -- the
// last-pushed-RSSI hysteresis cache that keeps mobility from flooding the RF
// daemon with a message every tick for links that haven't meaningfully
// changed.
func (c *Coordinator) pushSNR(key pairKey, a, b *topo.WirelessIntf, rssi float64) {
	if c.RF == nil || c.RFMode != topo.RFModeInterference {
		return
	}

	cacheKey := fmt.Sprintf("%d:%d", key.a, key.b)
	if last, ok := c.lastPushedSNR.Get(cacheKey); ok {
		if math.Abs(rssi-last.(float64)) < c.HysteresisDB {
			return
		}
	}
	c.lastPushedSNR.Set(cacheKey, rssi, gocache.NoExpiration)

	macA, errA := wmediumd.ParseMAC(a.MAC)
	macB, errB := wmediumd.ParseMAC(b.MAC)
	if errA != nil || errB != nil {
		return
	}

	snr := rssi - c.propCfg.NoiseThresholdDBm

	if err := c.RF.UpdateSnr(c.ctx, macA, macB, snr); err != nil {
		log.Warn("pushing snr %s<->%s to wmediumd: %v", a.Name, b.Name, err)
	}
	if err := c.RF.UpdateSnr(c.ctx, macB, macA, snr); err != nil {
		log.Warn("pushing snr %s<->%s to wmediumd: %v", b.Name, a.Name, err)
	}
}

func addPeer(apsFor, staFor map[topo.IntfID]map[topo.IntfID]bool, owner, peer *topo.WirelessIntf) {
	var dst map[topo.IntfID]map[topo.IntfID]bool
	if peer.IsMaster() {
		dst = apsFor
	} else {
		dst = staFor
	}

	if dst[owner.ID] == nil {
		dst[owner.ID] = make(map[topo.IntfID]bool)
	}
	dst[owner.ID][peer.ID] = true
}

func distance3(a, b topo.Position) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
