package mobility

import (
	"math/rand"
	"testing"
	"time"

	"apwifi/internal/topo"
)

func testBounds() Bounds {
	return Bounds{MinX: 0, MaxX: 100, MinY: 0, MaxY: 100, MinZ: 0, MaxZ: 0}
}

func TestRandomWaypointStaysInBounds(t *testing.T) {
	m := newRandomWaypoint(1, 2)
	rng := rand.New(rand.NewSource(42))

	pos := topo.Position{X: 50, Y: 50}
	in := StepInput{Dt: time.Second, Bounds: testBounds(), Rng: rng}

	for i := 0; i < 500; i++ {
		pos = m.Step(pos, in)
		if pos.X < 0 || pos.X > 100 || pos.Y < 0 || pos.Y > 100 {
			t.Fatalf("position escaped bounds at step %d: %+v", i, pos)
		}
	}
}

func TestRandomDirectionStaysInBounds(t *testing.T) {
	m := newRandomDirection(1, 3)
	rng := rand.New(rand.NewSource(7))

	pos := topo.Position{X: 50, Y: 50}
	in := StepInput{Dt: 500 * time.Millisecond, Bounds: testBounds(), Rng: rng}

	for i := 0; i < 500; i++ {
		pos = m.Step(pos, in)
		if pos.X < 0 || pos.X > 100 || pos.Y < 0 || pos.Y > 100 {
			t.Fatalf("position escaped bounds at step %d: %+v", i, pos)
		}
	}
}

func TestGaussMarkovSpeedStaysWithinBounds(t *testing.T) {
	m := newGaussMarkov(0.5, 2, gaussMarkovParams{Alpha: 0.8, MeanSpeed: 1})
	rng := rand.New(rand.NewSource(11))

	pos := topo.Position{X: 50, Y: 50}
	in := StepInput{Dt: 200 * time.Millisecond, Bounds: testBounds(), Rng: rng}

	for i := 0; i < 200; i++ {
		pos = m.Step(pos, in)
		if m.speed < 0.5-1e-9 || m.speed > 2+1e-9 {
			t.Fatalf("gauss-markov speed %v escaped [0.5,2] at step %d", m.speed, i)
		}
	}
}

func TestReferencePointMembersStayNearAnchor(t *testing.T) {
	registry := NewGroupRegistry()
	rng := rand.New(rand.NewSource(3))

	members := make([]*referencePoint, 4)
	positions := make([]topo.Position, 4)
	for i := range members {
		members[i] = newReferencePoint(registry, referencePointParams{Group: "g1", OffsetMax: 3})
		positions[i] = topo.Position{X: 50, Y: 50}
	}

	in := StepInput{Dt: time.Second, Bounds: testBounds(), Rng: rng}

	for tick := uint64(1); tick <= 50; tick++ {
		in.Tick = tick
		for i, m := range members {
			positions[i] = m.Step(positions[i], in)
		}

		cx, cy := 0.0, 0.0
		for _, p := range positions {
			cx += p.X
			cy += p.Y
		}
		cx /= float64(len(positions))
		cy /= float64(len(positions))

		for _, p := range positions {
			dx, dy := p.X-cx, p.Y-cy
			if dx*dx+dy*dy > 36 { // offsetMax(3)*2, squared, generous slack
				t.Fatalf("group member drifted too far from centroid: %+v vs (%v,%v)", p, cx, cy)
			}
		}
	}
}

func TestReplayingStopsAtLastPointWithoutLoop(t *testing.T) {
	track := []topo.Position{{X: 1}, {X: 2}, {X: 3}}
	m := newReplaying(track, replayingParams{Loop: false})

	in := StepInput{Dt: time.Second, Bounds: testBounds()}

	var last topo.Position
	for i := 0; i < 10; i++ {
		last = m.Step(topo.Position{}, in)
	}

	if last.X != 3 {
		t.Fatalf("expected replay to hold at the final recorded point, got %+v", last)
	}
}

func TestReplayingLoops(t *testing.T) {
	track := []topo.Position{{X: 1}, {X: 2}}
	m := newReplaying(track, replayingParams{Loop: true})

	in := StepInput{Dt: time.Second, Bounds: testBounds()}

	seen := []float64{}
	for i := 0; i < 5; i++ {
		p := m.Step(topo.Position{}, in)
		seen = append(seen, p.X)
	}

	if seen[0] != 1 || seen[1] != 2 || seen[2] != 1 {
		t.Fatalf("expected replay to loop back to the start, got %v", seen)
	}
}

func TestTrackedHoldsLastKnownPositionWhenSourceIsIdle(t *testing.T) {
	calls := 0
	m := &Tracked{Source: func() (topo.Position, bool) {
		calls++
		if calls == 1 {
			return topo.Position{X: 10, Y: 10}, true
		}
		return topo.Position{}, false
	}}

	in := StepInput{Bounds: testBounds()}

	first := m.Step(topo.Position{}, in)
	second := m.Step(first, in)

	if second.X != 10 || second.Y != 10 {
		t.Fatalf("expected tracked position to persist once the source goes idle, got %+v", second)
	}
}
