package mobility

import (
	"context"
	"sync"
	"testing"
	"time"

	"apwifi/internal/propagation"
	"apwifi/internal/topo"
	"apwifi/internal/wmediumd"
)

type fakeRF struct {
	mu        sync.Mutex
	positions int
	snrPushes int
}

func (f *fakeRF) UpdatePosition(ctx context.Context, mac wmediumd.MAC, x, y, z float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions++
	return nil
}

func (f *fakeRF) UpdateSnr(ctx context.Context, a, b wmediumd.MAC, snrDB float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snrPushes++
	return nil
}

func (f *fakeRF) counts() (positions, snrPushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.snrPushes
}

func newTestTopology(t *testing.T) (*topo.Topology, *topo.WirelessIntf, *topo.WirelessIntf) {
	t.Helper()

	top := topo.New(topo.Config{})

	ap, err := top.AddNode("ap1", topo.KindAP)
	if err != nil {
		t.Fatal(err)
	}
	sta, err := top.AddNode("sta1", topo.KindStation)
	if err != nil {
		t.Fatal(err)
	}

	apIntf, err := top.AddWirelessIntf(ap.ID, 0, "ap1-wlan0")
	if err != nil {
		t.Fatal(err)
	}
	apIntf.Mode = topo.ModeMaster
	apIntf.TxPowerDBm = 20
	apIntf.AntennaGainDBi = 2

	staIntf, err := top.AddWirelessIntf(sta.ID, 0, "sta1-wlan0")
	if err != nil {
		t.Fatal(err)
	}
	staIntf.Mode = topo.ModeManaged
	staIntf.TxPowerDBm = 15
	staIntf.AntennaGainDBi = 1

	ap.SetPosition(topo.Position{X: 0, Y: 0})
	sta.SetPosition(topo.Position{X: 5, Y: 0})

	return top, apIntf, staIntf
}

func TestRecomputeRangesIsSymmetric(t *testing.T) {
	top, apIntf, staIntf := newTestTopology(t)

	propCfg := propagation.Config{Model: propagation.LogDistance, Exponent: 3, NoiseThresholdDBm: -90}
	c := NewCoordinator(top, propCfg, Bounds{MaxX: 100, MaxY: 100}, 100*time.Millisecond)

	go func() {
		for range c.Events() {
		}
	}()

	c.recomputeRanges(1, time.Now())

	apStations := apIntf.StationsInRange()
	staAPs := staIntf.APsInRange()

	if !apStations[staIntf.ID] {
		t.Fatalf("expected ap to see the station in range")
	}
	if !staAPs[apIntf.ID] {
		t.Fatalf("expected station to see the ap in range")
	}
}

func TestRecomputeRangesEmitsEventOnlyOnCrossing(t *testing.T) {
	top, apIntf, staIntf := newTestTopology(t)
	_ = staIntf

	propCfg := propagation.Config{Model: propagation.LogDistance, Exponent: 3, NoiseThresholdDBm: -90}
	c := NewCoordinator(top, propCfg, Bounds{MaxX: 100, MaxY: 100}, 100*time.Millisecond)

	events := 0
	done := make(chan struct{})
	go func() {
		for range c.Events() {
			events++
		}
		close(done)
	}()

	c.recomputeRanges(1, time.Now())
	c.recomputeRanges(2, time.Now())
	c.recomputeRanges(3, time.Now())

	close(c.events)
	<-done

	if events != 1 {
		t.Fatalf("expected exactly one entered-range event across three identical ticks, got %d", events)
	}

	_ = apIntf
}

func TestStepInvokesOnTickWithDuration(t *testing.T) {
	top, _, sta := newTestTopology(t)

	propCfg := propagation.Config{Model: propagation.LogDistance, Exponent: 3, NoiseThresholdDBm: -90}
	c := NewCoordinator(top, propCfg, Bounds{MaxX: 100, MaxY: 100}, 100*time.Millisecond)

	go func() {
		for range c.Events() {
		}
	}()

	node, _ := top.Node(sta.Node)
	if err := c.Track(node, nil, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}

	called := false
	c.OnTick = func(d time.Duration) {
		called = true
		if d < 0 {
			t.Errorf("expected a non-negative tick duration, got %v", d)
		}
	}

	c.step(time.Now())

	if !called {
		t.Fatal("expected OnTick to be invoked by step")
	}
}

func TestRecomputeRangesPushesPositionAndGatedSNRToRF(t *testing.T) {
	top, apIntf, staIntf := newTestTopology(t)
	apIntf.MAC = "02:00:00:00:00:01"
	staIntf.MAC = "02:00:00:00:00:02"

	propCfg := propagation.Config{Model: propagation.LogDistance, Exponent: 3, NoiseThresholdDBm: -90}
	c := NewCoordinator(top, propCfg, Bounds{MaxX: 100, MaxY: 100}, 100*time.Millisecond)
	c.RFMode = topo.RFModeInterference

	rf := &fakeRF{}
	c.RF = rf

	go func() {
		for range c.Events() {
		}
	}()

	c.recomputeRanges(1, time.Now())

	positions, snrPushes := rf.counts()
	if positions != 2 {
		t.Fatalf("expected a position push per wireless interface, got %d", positions)
	}
	if snrPushes != 2 {
		t.Fatalf("expected a symmetric SNR push on the first tick for this pair, got %d", snrPushes)
	}

	// A second tick at an identical geometry must not re-push SNR: the
	// last-pushed-RSSI hysteresis cache should suppress it since nothing
	// moved past HysteresisDB.
	c.recomputeRanges(2, time.Now())

	_, snrPushes = rf.counts()
	if snrPushes != 2 {
		t.Fatalf("expected no additional SNR push when RSSI hasn't crossed the hysteresis band, got %d total", snrPushes)
	}
}

func TestRecomputeRangesEmitsBgscanCrossing(t *testing.T) {
	top, _, _ := newTestTopology(t)

	propCfg := propagation.Config{Model: propagation.LogDistance, Exponent: 3, NoiseThresholdDBm: -90}
	c := NewCoordinator(top, propCfg, Bounds{MaxX: 100, MaxY: 100}, 100*time.Millisecond)
	c.BgscanThresholdDBm = -30 // well above the ~-38dBm RSSI at 5m, so the pair starts below it

	events := make(chan Event, 8)
	go func() {
		for ev := range c.Events() {
			events <- ev
		}
	}()

	c.recomputeRanges(1, time.Now())

	// The pair also crosses into range on this same tick, so an Entered
	// event precedes the Bgscan one; scan past it.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Bgscan {
				if !ev.BgscanBelow {
					t.Fatalf("expected a bgscan-below crossing, got %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("expected a bgscan crossing event")
		}
	}
}
