// Package assoc implements the association controller: the per-station
// state machine (disconnected/authenticating/associated), the roaming
// policy that reacts to mobility threshold crossings, and the retry
// backoff schedule of spec.md §4.8.
package assoc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"apwifi/internal/minilog"
	"apwifi/internal/mobility"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("assoc")

// Policy selects how a disconnected station picks among in-range APs
// (spec.md §4.8).
type Policy string

const (
	// PolicySSF associates with the strongest-signal AP currently in range.
	PolicySSF Policy = "ssf"
	// PolicyLLF associates with the AP carrying the fewest associated
	// stations among those in range; ties keep the lowest IntfID, as under
	// ssf.
	PolicyLLF Policy = "llf"
	// PolicyManual disables automatic (re)association entirely; the
	// operator or a script drives Associate/Disassociate directly.
	PolicyManual Policy = "manual"
)

// State is a station's position in the association lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateAssociated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateAssociated:
		return "associated"
	default:
		return "unknown"
	}
}

// backoffSchedule is the retry delay ladder from spec.md §4.8. attemptLoop
// waits 0.5s after the first failed attempt and 1s after the second; the
// third failure (maxAttempts) gives up until the next threshold-crossing
// event without waiting, so the 2s entry is not reached.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

const maxAttempts = 3
const authTimeout = 5 * time.Second

// Driver performs the actual association/disassociation work against the
// wireless stack (wmediumd connector plus netlink state); the controller
// is deliberately decoupled from how that happens (spec.md §4.8 design
// notes).
type Driver interface {
	Associate(ctx context.Context, station, ap topo.IntfID) error
	Disassociate(ctx context.Context, station, ap topo.IntfID) error
}

type stationState struct {
	mu       sync.Mutex
	state    State
	peer     topo.IntfID
	attempts int
	cancel   context.CancelFunc
}

// Controller runs the association state machine for every managed (station)
// wireless interface in a topology.
type Controller struct {
	top    *topo.Topology
	driver Driver
	policy Policy

	backoff *gocache.Cache

	mu       sync.Mutex
	stations map[topo.IntfID]*stationState
}

// New builds a Controller. backoffTTL bounds how long a station's retry
// bookkeeping is retained after it goes quiet (go-cache expires entries
// lazily, so this also caps idle memory use across a long-running build).
func New(top *topo.Topology, driver Driver, policy Policy, backoffTTL time.Duration) *Controller {
	if backoffTTL <= 0 {
		backoffTTL = 10 * time.Minute
	}

	return &Controller{
		top:      top,
		driver:   driver,
		policy:   policy,
		backoff:  gocache.New(backoffTTL, backoffTTL/2),
		stations: make(map[topo.IntfID]*stationState),
	}
}

func (c *Controller) stationFor(id topo.IntfID) *stationState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stations[id]
	if !ok {
		s = &stationState{state: StateDisconnected, peer: topo.InvalidIntfID}
		c.stations[id] = s
	}
	return s
}

// State returns a station's current association state and, if associated
// or authenticating, the peer AP.
func (c *Controller) State(station topo.IntfID) (State, topo.IntfID) {
	s := c.stationFor(station)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.peer
}

// Counts tallies every tracked station by its current state, keyed by the
// state's String() form, for the ambient /metrics endpoint.
func (c *Controller) Counts() map[string]int {
	c.mu.Lock()
	stations := make([]*stationState, 0, len(c.stations))
	for _, s := range c.stations {
		stations = append(stations, s)
	}
	c.mu.Unlock()

	out := make(map[string]int)
	for _, s := range stations {
		s.mu.Lock()
		out[s.state.String()]++
		s.mu.Unlock()
	}
	return out
}

// Run consumes mobility threshold-crossing events until ctx is canceled,
// driving roaming decisions under PolicySSF/PolicyLLF (spec.md §4.8
// "association reacts to mobility").
func (c *Controller) Run(ctx context.Context, events <-chan mobility.Event) {
	log.Info("association controller started, policy=%s", c.policy)

	for {
		select {
		case <-ctx.Done():
			log.Info("association controller stopping: %v", ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev mobility.Event) {
	if c.policy == PolicyManual {
		return
	}

	station, ap, ok := c.classify(ev)
	if !ok {
		return
	}

	if ev.Bgscan {
		if ev.BgscanBelow {
			c.onBgscanThresholdCrossed(ctx, station, ap)
		}
		return
	}

	if ev.Entered {
		c.onAPEnteredRange(ctx, station, ap)
	} else {
		c.onAPLeftRange(ctx, station, ap)
	}
}

// onBgscanThresholdCrossed implements the primary roam trigger of spec.md
// §4.8: "if station is ASSOCIATED and current AP's RSSI falls below
// bgscan_threshold and a better candidate exists -> issue roam command."
func (c *Controller) onBgscanThresholdCrossed(ctx context.Context, station, ap topo.IntfID) {
	s := c.stationFor(station)

	s.mu.Lock()
	associated := s.state == StateAssociated && s.peer == ap
	s.mu.Unlock()

	if !associated {
		return
	}

	if best := c.pickBest(station); best != topo.InvalidIntfID && best != ap {
		c.beginAssociation(ctx, station, best)
	}
}

// classify figures out which side of the event pair is the managed station
// and which is the master AP; events between two non-station/AP interfaces
// (e.g. two mesh nodes) are ignored by this controller.
func (c *Controller) classify(ev mobility.Event) (station, ap topo.IntfID, ok bool) {
	a, aok := c.top.WirelessIntf(ev.A)
	b, bok := c.top.WirelessIntf(ev.B)
	if !aok || !bok {
		return 0, 0, false
	}

	switch {
	case !a.IsMaster() && b.IsMaster():
		return a.ID, b.ID, true
	case a.IsMaster() && !b.IsMaster():
		return b.ID, a.ID, true
	default:
		return 0, 0, false
	}
}

func (c *Controller) onAPEnteredRange(ctx context.Context, station, ap topo.IntfID) {
	s := c.stationFor(station)

	s.mu.Lock()
	current := s.state
	currentPeer := s.peer
	s.mu.Unlock()

	if current == StateAssociated {
		if c.policy == PolicySSF && c.signalOf(station, ap) > c.signalOf(station, currentPeer)+3 {
			c.beginAssociation(ctx, station, ap)
		}
		return
	}

	if current == StateDisconnected {
		best := c.pickBest(station)
		if best != topo.InvalidIntfID {
			c.beginAssociation(ctx, station, best)
		}
	}
}

func (c *Controller) onAPLeftRange(ctx context.Context, station, ap topo.IntfID) {
	s := c.stationFor(station)

	s.mu.Lock()
	wasPeer := s.peer == ap && s.state == StateAssociated
	s.mu.Unlock()

	if !wasPeer {
		return
	}

	if err := c.driver.Disassociate(ctx, station, ap); err != nil {
		log.Warn("disassociate station=%v ap=%v: %v", station, ap, err)
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.peer = topo.InvalidIntfID
	s.mu.Unlock()

	if best := c.pickBest(station); best != topo.InvalidIntfID {
		c.beginAssociation(ctx, station, best)
	}
}

// pickBest selects an AP among the ones currently in range of station
// according to the configured policy (spec.md §4.8 "ssf"/"llf").
func (c *Controller) pickBest(station topo.IntfID) topo.IntfID {
	w, ok := c.top.WirelessIntf(station)
	if !ok {
		return topo.InvalidIntfID
	}

	candidates := w.APsInRange()
	if len(candidates) == 0 {
		return topo.InvalidIntfID
	}

	ids := make([]topo.IntfID, 0, len(candidates))
	for apID := range candidates {
		ids = append(ids, apID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := topo.InvalidIntfID
	bestScore := -1e18

	for _, apID := range ids {
		ap, ok := c.top.WirelessIntf(apID)
		if !ok {
			continue
		}

		var score float64
		switch c.policy {
		case PolicyLLF:
			score = -float64(len(ap.AssociatedStations()))
		default: // PolicySSF
			score = c.signalOf(station, apID)
		}

		// Strict > keeps the first (lowest-IntfID, thanks to the sort
		// above) candidate on a tie, satisfying spec.md §4.8 "ties broken
		// by smaller AP index."
		if score > bestScore {
			bestScore = score
			best = apID
		}
	}

	return best
}

// signalOf is a coarse proxy for RSSI used only to rank candidates the
// mobility coordinator has already admitted into range; the actual
// association path re-measures via the wmediumd connector.
func (c *Controller) signalOf(station, ap topo.IntfID) float64 {
	s, ok1 := c.top.WirelessIntf(station)
	a, ok2 := c.top.WirelessIntf(ap)
	if !ok1 || !ok2 {
		return -1e18
	}
	return a.TxPowerDBm + a.AntennaGainDBi + s.AntennaGainDBi
}

// beginAssociation drives the authenticating -> associated transition with
// the spec.md §4.8 exponential backoff and a bounded authentication
// timeout, recording the attempt count in go-cache under a station:ap key.
// Each call restarts that count at zero and cancels any authenticating
// goroutine the station already had.
func (c *Controller) beginAssociation(ctx context.Context, station, ap topo.IntfID) {
	s := c.stationFor(station)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateAuthenticating
	s.peer = ap
	s.mu.Unlock()

	key := attemptKey(station, ap)
	c.backoff.Set(key, 0, gocache.DefaultExpiration)

	go c.attemptLoop(attemptCtx, station, ap, key)
}

func attemptKey(station, ap topo.IntfID) string {
	return fmt.Sprintf("%v:%v", station, ap)
}

func (c *Controller) attemptLoop(ctx context.Context, station, ap topo.IntfID, key string) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		authCtx, cancel := context.WithTimeout(ctx, authTimeout)
		err := c.driver.Associate(authCtx, station, ap)
		cancel()

		if err == nil {
			s := c.stationFor(station)
			s.mu.Lock()
			if s.peer == ap {
				s.state = StateAssociated
				s.attempts = 0
			}
			s.mu.Unlock()
			c.backoff.Delete(key)
			return
		}

		log.Warn("association attempt %d/%d station=%v ap=%v: %v", attempt+1, maxAttempts, station, ap, err)
		c.backoff.Set(key, attempt+1, gocache.DefaultExpiration)

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffSchedule[attempt]):
		}
	}

	s := c.stationFor(station)
	s.mu.Lock()
	if s.peer == ap {
		s.state = StateDisconnected
		s.peer = topo.InvalidIntfID
	}
	s.mu.Unlock()

	log.Error("association exhausted after %d attempts station=%v ap=%v", maxAttempts, station, ap)
}

// Associate and Disassociate expose the same transitions Run drives
// automatically, for PolicyManual or for operator-issued CLI commands
// (spec.md §6 "set.<node>.associate(...)").
func (c *Controller) Associate(ctx context.Context, station, ap topo.IntfID) error {
	if _, ok := c.top.WirelessIntf(station); !ok {
		return xerrors.AssociationError("unknown station interface", nil)
	}
	if _, ok := c.top.WirelessIntf(ap); !ok {
		return xerrors.AssociationError("unknown ap interface", nil)
	}

	c.beginAssociation(ctx, station, ap)
	return nil
}

func (c *Controller) Disassociate(ctx context.Context, station, ap topo.IntfID) error {
	s := c.stationFor(station)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if err := c.driver.Disassociate(ctx, station, ap); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.peer = topo.InvalidIntfID
	s.mu.Unlock()

	return nil
}
