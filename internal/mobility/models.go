// Package mobility implements the node-kinematics models and the
// time-stepped coordinator of spec.md §4.7: positions advance on a fixed
// tick, in-range sets are recomputed from the propagation engine, and
// threshold crossings are reported to the association controller.
package mobility

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mitchellh/mapstructure"

	"apwifi/internal/topo"
)

// Bounds constrains model-generated positions to the configured arena
// (spec.md §4.7 "mobility area"); models that would leave the area reflect
// or clamp depending on the model's own semantics.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

func (b Bounds) clamp(p topo.Position) topo.Position {
	p.X = math.Min(math.Max(p.X, b.MinX), b.MaxX)
	p.Y = math.Min(math.Max(p.Y, b.MinY), b.MaxY)
	p.Z = math.Min(math.Max(p.Z, b.MinZ), b.MaxZ)
	return p
}

func (b Bounds) randomPoint(rng *rand.Rand) (x, y float64) {
	x = b.MinX + rng.Float64()*(b.MaxX-b.MinX)
	y = b.MinY + rng.Float64()*(b.MaxY-b.MinY)
	return
}

// StepInput carries everything a Model needs to advance one tick; models
// hold no reference to the coordinator or the topology.
type StepInput struct {
	Dt     time.Duration
	Bounds Bounds
	Rng    *rand.Rand
	// Tick is the coordinator's monotonically increasing step counter; group
	// models use it to advance their shared anchor exactly once per tick
	// regardless of how many members step in that tick.
	Tick uint64
}

// Model advances a single node's position by one tick (spec.md §4.7
// "model(node, dt) -> position"). Implementations are stateful per node:
// the coordinator constructs one Model instance per mobile node.
type Model interface {
	Step(cur topo.Position, in StepInput) topo.Position
}

func dtSeconds(dt time.Duration) float64 {
	return dt.Seconds()
}

func clampSpeed(v, vMin, vMax float64) float64 {
	if vMax <= 0 {
		vMax = 1.0
	}
	if vMin < 0 {
		vMin = 0
	}
	if v < vMin {
		return vMin
	}
	if v > vMax {
		return vMax
	}
	return v
}

// --- RandomWaypoint -------------------------------------------------------

type randomWaypoint struct {
	vMin, vMax   float64
	targetX, targetY float64
	speed        float64
	havePending  bool
}

func newRandomWaypoint(vMin, vMax float64) *randomWaypoint {
	return &randomWaypoint{vMin: vMin, vMax: vMax}
}

func (m *randomWaypoint) Step(cur topo.Position, in StepInput) topo.Position {
	if !m.havePending {
		m.targetX, m.targetY = in.Bounds.randomPoint(in.Rng)
		m.speed = clampSpeed(m.vMin+in.Rng.Float64()*(m.vMax-m.vMin), m.vMin, m.vMax)
		m.havePending = true
	}

	dx := m.targetX - cur.X
	dy := m.targetY - cur.Y
	dist := math.Hypot(dx, dy)

	step := m.speed * dtSeconds(in.Dt)
	if dist <= step || dist == 0 {
		cur.X, cur.Y = m.targetX, m.targetY
		m.havePending = false
		return in.Bounds.clamp(cur)
	}

	cur.X += dx / dist * step
	cur.Y += dy / dist * step

	return in.Bounds.clamp(cur)
}

// --- RandomDirection -------------------------------------------------------

type randomDirection struct {
	vMin, vMax float64
	heading    float64
	speed      float64
	remaining  time.Duration
	have       bool
}

func newRandomDirection(vMin, vMax float64) *randomDirection {
	return &randomDirection{vMin: vMin, vMax: vMax}
}

func (m *randomDirection) pickHeading(in StepInput) {
	m.heading = in.Rng.Float64() * 2 * math.Pi
	m.speed = clampSpeed(m.vMin+in.Rng.Float64()*(m.vMax-m.vMin), m.vMin, m.vMax)
	m.remaining = time.Duration(1+in.Rng.Intn(5)) * time.Second
	m.have = true
}

func (m *randomDirection) Step(cur topo.Position, in StepInput) topo.Position {
	if !m.have || m.remaining <= 0 {
		m.pickHeading(in)
	}

	step := m.speed * dtSeconds(in.Dt)
	next := cur
	next.X += math.Cos(m.heading) * step
	next.Y += math.Sin(m.heading) * step

	clamped := in.Bounds.clamp(next)
	if clamped.X != next.X || clamped.Y != next.Y || clamped.Z != next.Z {
		// Hit a boundary: pick a new heading next tick instead of sliding
		// along the wall.
		m.remaining = 0
	} else {
		m.remaining -= in.Dt
	}

	return clamped
}

// --- Gauss-Markov -----------------------------------------------------------

// gaussMarkovParams is decoded from Node.Position.ModelParams via
// mapstructure (spec.md §3 "Model-specific parameters").
type gaussMarkovParams struct {
	Alpha     float64 `mapstructure:"alpha"`
	MeanSpeed float64 `mapstructure:"meanSpeed"`
}

type gaussMarkov struct {
	vMin, vMax float64
	alpha      float64
	meanSpeed  float64
	meanAngle  float64
	speed      float64
	angle      float64
	init       bool
}

func newGaussMarkov(vMin, vMax float64, p gaussMarkovParams) *gaussMarkov {
	alpha := p.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.75
	}
	meanSpeed := p.MeanSpeed
	if meanSpeed <= 0 {
		meanSpeed = (vMin + vMax) / 2
	}
	return &gaussMarkov{vMin: vMin, vMax: vMax, alpha: alpha, meanSpeed: meanSpeed}
}

func (m *gaussMarkov) Step(cur topo.Position, in StepInput) topo.Position {
	if !m.init {
		m.speed = m.meanSpeed
		m.angle = in.Rng.Float64() * 2 * math.Pi
		m.meanAngle = m.angle
		m.init = true
	}

	sqrt := math.Sqrt(1 - m.alpha*m.alpha)
	m.speed = m.alpha*m.speed + (1-m.alpha)*m.meanSpeed + sqrt*in.Rng.NormFloat64()
	m.angle = m.alpha*m.angle + (1-m.alpha)*m.meanAngle + sqrt*in.Rng.NormFloat64()*0.3

	m.speed = clampSpeed(m.speed, m.vMin, m.vMax)

	step := m.speed * dtSeconds(in.Dt)
	cur.X += math.Cos(m.angle) * step
	cur.Y += math.Sin(m.angle) * step

	return in.Bounds.clamp(cur)
}

// --- group models: ReferencePoint and Coherence -----------------------------

// groupCenter is the shared moving reference point multiple members track;
// exactly one randomWaypoint mover per group, advanced once per tick no
// matter how many members share it (guarded by a generation counter).
type groupCenter struct {
	mover      *randomWaypoint
	pos        topo.Position
	generation uint64
}

// GroupRegistry hands out shared group centers by name so that every member
// of a ReferencePoint or Coherence group moves relative to the same moving
// anchor (spec.md §4.7 "group mobility").
type GroupRegistry struct {
	centers map[string]*groupCenter
}

func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{centers: make(map[string]*groupCenter)}
}

func (g *GroupRegistry) center(name string, vMin, vMax float64, origin topo.Position) *groupCenter {
	c, ok := g.centers[name]
	if !ok {
		c = &groupCenter{mover: newRandomWaypoint(vMin, vMax), pos: origin}
		g.centers[name] = c
	}
	return c
}

func (c *groupCenter) advance(tick uint64, in StepInput) topo.Position {
	if c.generation != tick {
		c.pos = c.mover.Step(c.pos, in)
		c.generation = tick
	}
	return c.pos
}

type referencePointParams struct {
	Group     string  `mapstructure:"group"`
	OffsetMax float64 `mapstructure:"offsetMax"`
}

type referencePoint struct {
	registry  *GroupRegistry
	groupName string
	offsetMax float64
	offsetX   float64
	offsetY   float64
	have      bool
}

func newReferencePoint(registry *GroupRegistry, p referencePointParams) *referencePoint {
	offsetMax := p.OffsetMax
	if offsetMax <= 0 {
		offsetMax = 5
	}
	return &referencePoint{registry: registry, groupName: p.Group, offsetMax: offsetMax}
}

func (m *referencePoint) Step(cur topo.Position, in StepInput) topo.Position {
	if !m.have {
		m.offsetX = (in.Rng.Float64()*2 - 1) * m.offsetMax
		m.offsetY = (in.Rng.Float64()*2 - 1) * m.offsetMax
		m.have = true
	}

	center := m.registry.center(m.groupName, 1, 3, cur)
	anchor := center.advance(in.Tick, in)

	next := topo.Position{X: anchor.X + m.offsetX, Y: anchor.Y + m.offsetY, Z: cur.Z}
	return in.Bounds.clamp(next)
}

type coherenceParams struct {
	Group            string  `mapstructure:"group"`
	CoherenceFactor  float64 `mapstructure:"coherenceFactor"`
}

// coherence is the Reference Point Group Mobility variant where member
// velocity is a weighted blend of the group's velocity and an individual
// random component, parameterized by coherenceFactor in [0,1].
type coherence struct {
	registry *GroupRegistry
	group    string
	factor   float64
	lastPos  topo.Position
	have     bool
}

func newCoherence(registry *GroupRegistry, p coherenceParams) *coherence {
	factor := p.CoherenceFactor
	if factor <= 0 || factor > 1 {
		factor = 0.6
	}
	return &coherence{registry: registry, group: p.Group, factor: factor}
}

func (m *coherence) Step(cur topo.Position, in StepInput) topo.Position {
	center := m.registry.center(m.group, 1, 3, cur)
	anchorPrev := center.pos
	anchor := center.advance(in.Tick, in)

	groupDX := anchor.X - anchorPrev.X
	groupDY := anchor.Y - anchorPrev.Y

	randomDX := in.Rng.NormFloat64() * 0.5
	randomDY := in.Rng.NormFloat64() * 0.5

	cur.X += m.factor*groupDX + (1-m.factor)*randomDX
	cur.Y += m.factor*groupDY + (1-m.factor)*randomDY

	m.lastPos = cur
	m.have = true

	return in.Bounds.clamp(cur)
}

// --- Tracked -----------------------------------------------------------------

// Tracked reports positions from an external source (e.g. a GPS feed or a
// driving simulator bridged in over the socket server) rather than
// computing them; the coordinator polls Source once per tick and holds the
// last known position if the source has nothing new (spec.md §4.7 "tracked
// nodes").
type Tracked struct {
	Source func() (topo.Position, bool)
	last   topo.Position
	have   bool
}

func (m *Tracked) Step(cur topo.Position, in StepInput) topo.Position {
	if m.Source == nil {
		return cur
	}
	if p, ok := m.Source(); ok {
		m.last = p
		m.have = true
	}
	if m.have {
		return in.Bounds.clamp(m.last)
	}
	return cur
}

// --- Replaying ---------------------------------------------------------------

type replayingParams struct {
	Loop bool `mapstructure:"loop"`
}

// replaying steps through a pre-recorded track deterministically; used for
// reproducing a captured run (spec.md §4.7 "replaying a recorded track").
type replaying struct {
	track []topo.Position
	idx   int
	loop  bool
}

func newReplaying(track []topo.Position, p replayingParams) *replaying {
	return &replaying{track: track, loop: p.Loop}
}

func (m *replaying) Step(cur topo.Position, in StepInput) topo.Position {
	if len(m.track) == 0 {
		return cur
	}
	if m.idx >= len(m.track) {
		if !m.loop {
			return m.track[len(m.track)-1]
		}
		m.idx = 0
	}
	p := m.track[m.idx]
	m.idx++
	return in.Bounds.clamp(p)
}

// decodeParams is a thin mapstructure.Decode wrapper sharing one error
// message shape across every model constructor below.
func decodeParams(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	if err := mapstructure.Decode(raw, out); err != nil {
		return fmt.Errorf("decoding mobility model parameters: %w", err)
	}
	return nil
}
