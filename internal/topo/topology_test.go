package topo

import "testing"

func TestAddNodeDuplicateName(t *testing.T) {
	top := New(Config{})

	if _, err := top.AddNode("sta1", KindStation); err != nil {
		t.Fatalf("unexpected error adding sta1: %v", err)
	}

	if _, err := top.AddNode("sta1", KindStation); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestWirelessIntfDefaultMedium(t *testing.T) {
	top := New(Config{})

	n, err := top.AddNode("ap1", KindAP)
	if err != nil {
		t.Fatal(err)
	}

	w, err := top.AddWirelessIntf(n.ID, 0, "ap1-wlan0")
	if err != nil {
		t.Fatal(err)
	}

	if w.MediumID != DefaultMediumID {
		t.Fatalf("expected default medium, got %d", w.MediumID)
	}

	members := top.MediumMembers(DefaultMediumID)
	if len(members) != 1 || members[0].ID != w.ID {
		t.Fatalf("expected interface to be a member of the default medium")
	}

	if err := top.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestAssociationInvariant(t *testing.T) {
	top := New(Config{})

	ap, _ := top.AddNode("ap1", KindAP)
	sta, _ := top.AddNode("sta1", KindStation)

	apIntf, _ := top.AddWirelessIntf(ap.ID, 0, "ap1-wlan0")
	staIntf, _ := top.AddWirelessIntf(sta.ID, 0, "sta1-wlan0")

	staIntf.SetAssociatedTo(apIntf.ID)
	apIntf.AddAssociatedStation(staIntf.ID)

	peer, ok := staIntf.AssociatedTo()
	if !ok || peer != apIntf.ID {
		t.Fatalf("expected sta1 associated with ap1")
	}

	stations := apIntf.AssociatedStations()
	if len(stations) != 1 || stations[0] != staIntf.ID {
		t.Fatalf("expected ap1 to list sta1 as an associated station")
	}
}

func TestSetMediumMovesMembership(t *testing.T) {
	top := New(Config{})

	n, _ := top.AddNode("sta1", KindStation)
	w, _ := top.AddWirelessIntf(n.ID, 0, "sta1-wlan0")

	top.SetMedium(w.ID, 7)

	if len(top.MediumMembers(DefaultMediumID)) != 0 {
		t.Fatalf("expected default medium to be empty after reassignment")
	}

	members := top.MediumMembers(7)
	if len(members) != 1 || members[0].ID != w.ID {
		t.Fatalf("expected interface to move to medium 7")
	}
}
