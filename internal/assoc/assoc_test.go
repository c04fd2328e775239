package assoc

import (
	"context"
	"sync"
	"testing"
	"time"

	"apwifi/internal/mobility"
	"apwifi/internal/topo"
)

type fakeDriver struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	associated map[topo.IntfID]topo.IntfID
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{associated: make(map[topo.IntfID]topo.IntfID)}
}

func (f *fakeDriver) Associate(ctx context.Context, station, ap topo.IntfID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failUntil {
		return context.DeadlineExceeded
	}
	f.associated[station] = ap
	return nil
}

func (f *fakeDriver) Disassociate(ctx context.Context, station, ap topo.IntfID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.associated, station)
	return nil
}

func buildAPAndStation(t *testing.T) (*topo.Topology, *topo.WirelessIntf, *topo.WirelessIntf) {
	t.Helper()

	top := topo.New(topo.Config{})

	ap, _ := top.AddNode("ap1", topo.KindAP)
	sta, _ := top.AddNode("sta1", topo.KindStation)

	apIntf, _ := top.AddWirelessIntf(ap.ID, 0, "ap1-wlan0")
	apIntf.Mode = topo.ModeMaster

	staIntf, _ := top.AddWirelessIntf(sta.ID, 0, "sta1-wlan0")
	staIntf.Mode = topo.ModeManaged

	return top, apIntf, staIntf
}

func TestOnAPEnteredRangeAssociatesDisconnectedStation(t *testing.T) {
	top, apIntf, staIntf := buildAPAndStation(t)
	staIntf.SetInRange(map[topo.IntfID]bool{apIntf.ID: true}, nil)

	driver := newFakeDriver()
	c := New(top, driver, PolicySSF, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.onAPEnteredRange(ctx, staIntf.ID, apIntf.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, _ := c.State(staIntf.ID); state == StateAssociated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("expected station to reach associated state")
}

func TestAssociationRetriesThenSucceeds(t *testing.T) {
	top, apIntf, staIntf := buildAPAndStation(t)
	staIntf.SetInRange(map[topo.IntfID]bool{apIntf.ID: true}, nil)

	driver := newFakeDriver()
	driver.failUntil = 2 // fail first two attempts, succeed on the third

	c := New(top, driver, PolicySSF, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.beginAssociation(ctx, staIntf.ID, apIntf.ID)

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := c.State(staIntf.ID); state == StateAssociated {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("expected association to eventually succeed after retries")
}

func TestClassifyIgnoresNonStationAPPairs(t *testing.T) {
	top := topo.New(topo.Config{})
	n1, _ := top.AddNode("mesh1", topo.KindStation)
	n2, _ := top.AddNode("mesh2", topo.KindStation)

	i1, _ := top.AddWirelessIntf(n1.ID, 0, "mesh1-wlan0")
	i1.Mode = topo.ModeMesh
	i2, _ := top.AddWirelessIntf(n2.ID, 0, "mesh2-wlan0")
	i2.Mode = topo.ModeMesh

	c := New(top, newFakeDriver(), PolicySSF, time.Minute)

	_, _, ok := c.classify(mobility.Event{A: i1.ID, B: i2.ID, Entered: true})
	if ok {
		t.Fatalf("expected a mesh/mesh pair to not classify as station/ap")
	}
}

func TestManualPolicyIgnoresEvents(t *testing.T) {
	top, apIntf, staIntf := buildAPAndStation(t)
	staIntf.SetInRange(map[topo.IntfID]bool{apIntf.ID: true}, nil)

	driver := newFakeDriver()
	c := New(top, driver, PolicyManual, time.Minute)

	ctx := context.Background()
	c.handleEvent(ctx, mobility.Event{A: staIntf.ID, B: apIntf.ID, Entered: true})

	state, _ := c.State(staIntf.ID)
	if state != StateDisconnected {
		t.Fatalf("expected manual policy to leave station disconnected, got %v", state)
	}
}

// TestPickBestBreaksTiesBySmallerAPIndex exercises spec.md §4.8's "under ssf
// ... ties broken by smaller AP index": two APs with identical signal must
// always yield the lower IntfID, regardless of map iteration order.
func TestPickBestBreaksTiesBySmallerAPIndex(t *testing.T) {
	top := topo.New(topo.Config{})

	sta, _ := top.AddNode("sta1", topo.KindStation)
	staIntf, _ := top.AddWirelessIntf(sta.ID, 0, "sta1-wlan0")
	staIntf.Mode = topo.ModeManaged

	inRange := make(map[topo.IntfID]bool)
	var lowest topo.IntfID
	for i, name := range []string{"ap1", "ap2", "ap3"} {
		apNode, _ := top.AddNode(name, topo.KindAP)
		apIntf, _ := top.AddWirelessIntf(apNode.ID, 0, name+"-wlan0")
		apIntf.Mode = topo.ModeMaster
		apIntf.TxPowerDBm = 20
		apIntf.AntennaGainDBi = 2

		inRange[apIntf.ID] = true
		if i == 0 {
			lowest = apIntf.ID
		}
	}
	staIntf.SetInRange(inRange, nil)

	c := New(top, newFakeDriver(), PolicySSF, time.Minute)

	for i := 0; i < 20; i++ {
		if best := c.pickBest(staIntf.ID); best != lowest {
			t.Fatalf("expected tie to always resolve to the lowest IntfID %v, got %v", lowest, best)
		}
	}
}

// TestOnBgscanThresholdCrossedRoamsToBetterAP exercises spec.md §4.8's
// primary roam trigger: an associated station whose current AP's RSSI falls
// below bgscan_threshold roams to a better in-range candidate.
func TestOnBgscanThresholdCrossedRoamsToBetterAP(t *testing.T) {
	top, weakAP, staIntf := buildAPAndStation(t)
	weakAP.TxPowerDBm = 5

	strongNode, _ := top.AddNode("ap2", topo.KindAP)
	strongAP, _ := top.AddWirelessIntf(strongNode.ID, 0, "ap2-wlan0")
	strongAP.Mode = topo.ModeMaster
	strongAP.TxPowerDBm = 20

	staIntf.SetInRange(map[topo.IntfID]bool{weakAP.ID: true}, nil)

	driver := newFakeDriver()
	c := New(top, driver, PolicySSF, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.onAPEnteredRange(ctx, staIntf.ID, weakAP.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, peer := c.State(staIntf.ID); state == StateAssociated && peer == weakAP.ID {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state, peer := c.State(staIntf.ID); state != StateAssociated || peer != weakAP.ID {
		t.Fatalf("expected station to first associate with the weak AP, got state=%v peer=%v", state, peer)
	}

	staIntf.SetInRange(map[topo.IntfID]bool{weakAP.ID: true, strongAP.ID: true}, nil)
	c.handleEvent(ctx, mobility.Event{A: staIntf.ID, B: weakAP.ID, Bgscan: true, BgscanBelow: true})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, peer := c.State(staIntf.ID); peer == strongAP.ID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("expected bgscan crossing to roam the station to the stronger AP")
}

func TestCountsTalliesStationsByState(t *testing.T) {
	top, apIntf, staIntf := buildAPAndStation(t)
	staIntf.SetInRange(map[topo.IntfID]bool{apIntf.ID: true}, nil)

	driver := newFakeDriver()
	c := New(top, driver, PolicySSF, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.onAPEnteredRange(ctx, staIntf.ID, apIntf.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, _ := c.State(staIntf.ID); state == StateAssociated {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	counts := c.Counts()
	if counts[StateAssociated.String()] != 1 {
		t.Fatalf("expected one associated station, got counts: %v", counts)
	}
}
