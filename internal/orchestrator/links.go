package orchestrator

import (
	"context"
	"fmt"

	"apwifi/internal/config"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

// AddLink dispatches a link spec by class (spec.md §4.4 table): wired
// links get a veth+tc pair; wireless classes are routed through C5's peer
// table in either error-prob or interference mode. It is called both by
// Build's phase 5 and by the live-add path (addLink after build), which is
// why it takes a context instead of reading o.ctx -- live callers pass
// their own caller-scoped context, not the build-wide one.
func (o *Orchestrator) AddLink(ctx context.Context, spec config.LinkSpec) error {
	class := topo.LinkClass(spec.Class)

	switch class {
	case topo.LinkWired:
		return o.addWiredLink(ctx, spec)
	case topo.LinkManaged:
		return o.addManagedLink(ctx, spec)
	case topo.LinkMesh, topo.LinkAdHoc, topo.LinkITS:
		return o.addSingleEndpointRFLink(ctx, spec, class)
	case topo.LinkWifiDirect:
		return o.addWifiDirectLink(ctx, spec)
	case topo.Link4Address:
		return o.add4AddressLink(ctx, spec)
	case topo.LinkPhysicalMesh:
		return o.addPhysicalMeshLink(ctx, spec)
	default:
		return xerrors.ConfigError(fmt.Sprintf("unknown link class %q", spec.Class), nil)
	}
}

// resolveWiredEndpoint finds or creates the named wired interface on a
// node, per the "node:intf" endpoint syntax (spec.md §3 "Link").
func (o *Orchestrator) resolveWiredEndpoint(s string) (*topo.Node, *topo.Intf, error) {
	nodeName, intfName, err := splitEndpoint(s)
	if err != nil {
		return nil, nil, err
	}

	n, ok := o.top.NodeByName(nodeName)
	if !ok {
		return nil, nil, xerrors.ConfigError(fmt.Sprintf("link endpoint references unknown node %q", nodeName), nil)
	}

	if intfName == "" {
		intfName = fmt.Sprintf("%s-eth%d", nodeName, len(n.Wlans()))
	}

	id, ok := n.Intf(intfName)
	if ok {
		intf, _ := o.top.WiredIntf(id)
		return n, intf, nil
	}

	intf, err := o.top.AddWiredIntf(n.ID, intfName)
	if err != nil {
		return nil, nil, err
	}

	return n, intf, nil
}

// resolveWirelessEndpoint finds the named wlan on a node, or its first
// bound wlan if no interface name is given.
func (o *Orchestrator) resolveWirelessEndpoint(s string) (*topo.Node, *topo.WirelessIntf, error) {
	nodeName, intfName, err := splitEndpoint(s)
	if err != nil {
		return nil, nil, err
	}

	n, ok := o.top.NodeByName(nodeName)
	if !ok {
		return nil, nil, xerrors.ConfigError(fmt.Sprintf("link endpoint references unknown node %q", nodeName), nil)
	}

	for _, idx := range n.Wlans() {
		id, _ := n.WlanIntf(idx)
		w, ok := o.top.WirelessIntf(id)
		if !ok {
			continue
		}
		if intfName == "" || w.Name == intfName {
			return n, w, nil
		}
	}

	return nil, nil, xerrors.ConfigError(fmt.Sprintf("node %q has no wireless interface matching %q", nodeName, intfName), nil)
}

// addWiredLink creates a veth pair between two wired endpoints and applies
// TC shaping (spec.md §4.4 "Wired" row).
func (o *Orchestrator) addWiredLink(ctx context.Context, spec config.LinkSpec) error {
	nodeA, intfA, err := o.resolveWiredEndpoint(spec.A)
	if err != nil {
		return err
	}
	nodeB, intfB, err := o.resolveWiredEndpoint(spec.B)
	if err != nil {
		return err
	}

	nsA, err := o.drv.NsByName(o.nsName(nodeA.ID))
	if err != nil {
		return err
	}
	nsB, err := o.drv.NsByName(o.nsName(nodeB.ID))
	if err != nil {
		return err
	}

	if err := o.drv.Veth(ctx, intfA.Name, intfB.Name, "", "", nsA, nsB); err != nil {
		return err
	}

	if err := o.drv.SetUp(ctx, o.nsName(nodeA.ID), intfA.Name, true); err != nil {
		return err
	}
	if err := o.drv.SetUp(ctx, o.nsName(nodeB.ID), intfB.Name, true); err != nil {
		return err
	}

	tc := topo.TCParams{
		BandwidthKbit: spec.BandwidthKbit,
		DelayMS:       spec.DelayMS,
		JitterMS:      spec.JitterMS,
		LossPercent:   spec.LossPercent,
		MaxQueue:      spec.MaxQueue,
	}

	if !tc.IsZero() {
		if err := o.drv.ConfigWLink(ctx, o.nsName(nodeA.ID), intfA.Name, tc, ""); err != nil {
			return err
		}
	}

	intfA.TC = tc
	intfB.TC = tc

	o.top.AddLink(topo.Link{
		Class:     topo.LinkWired,
		EndpointA: topo.Endpoint{Node: nodeA.ID, Intf: topo.IntfID(intfA.ID)},
		EndpointB: topo.Endpoint{Node: nodeB.ID, Intf: topo.IntfID(intfB.ID)},
		TC:        tc,
	})

	return nil
}

// addManagedLink records a station<->AP wireless link into C5's peer table
// (spec.md §4.4 "Managed" row). Association itself is driven by C8, not
// by this call -- addLink only records the RF relationship (error-prob or
// interference) so the RF daemon has the parameters to act on once C8
// issues associate.
func (o *Orchestrator) addManagedLink(ctx context.Context, spec config.LinkSpec) error {
	_, wa, err := o.resolveWirelessEndpoint(spec.A)
	if err != nil {
		return err
	}
	_, wb, err := o.resolveWirelessEndpoint(spec.B)
	if err != nil {
		return err
	}

	rf := topo.RFMode(spec.RF)
	if rf == "" {
		rf = o.cfg.WmediumdMode
	}

	if err := o.recordRF(ctx, wa, wb, rf, spec.ErrorProb); err != nil {
		return err
	}

	tc := tcFromSpec(spec)
	if !tc.IsZero() {
		if err := o.ifc.ConfigWLink(ctx, wa, tc, len(wa.AssociatedStations()) > 1); err != nil {
			return err
		}
	}

	o.top.AddLink(topo.Link{
		Class:     topo.LinkManaged,
		EndpointA: topo.Endpoint{Node: wa.Node, Intf: wa.ID},
		EndpointB: topo.Endpoint{Node: wb.Node, Intf: wb.ID},
		RF:        rf,
		ErrorProb: spec.ErrorProb,
		TC:        tcFromSpec(spec),
	})

	return nil
}

func tcFromSpec(spec config.LinkSpec) topo.TCParams {
	return topo.TCParams{
		BandwidthKbit: spec.BandwidthKbit,
		DelayMS:       spec.DelayMS,
		JitterMS:      spec.JitterMS,
		LossPercent:   spec.LossPercent,
		MaxQueue:      spec.MaxQueue,
	}
}

// recordRF pushes the link's RF parameters to wmediumd: either an explicit
// error probability or, in interference mode, the pairwise SNR computed
// from current positions (spec.md §4.4 "two modes").
func (o *Orchestrator) recordRF(ctx context.Context, a, b *topo.WirelessIntf, rf topo.RFMode, errorProb float64) error {
	if o.wmd == nil {
		return nil
	}

	macA, err := parseOrSkip(a.MAC)
	if err != nil {
		return nil
	}
	macB, err := parseOrSkip(b.MAC)
	if err != nil {
		return nil
	}

	if rf == topo.RFModeErrorProb {
		return o.wmd.UpdateErrorProb(ctx, macA, macB, errorProb)
	}

	na, ok1 := o.top.Node(a.Node)
	nb, ok2 := o.top.Node(b.Node)
	if !ok1 || !ok2 {
		return nil
	}

	dist := distanceBetween(na.GetPosition(), nb.GetPosition())
	rssi := propagationRSSI(o.propCfg, a, b, dist)
	snr := rssi - o.propCfg.NoiseThresholdDBm

	if err := o.wmd.UpdateSnr(ctx, macA, macB, snr); err != nil {
		return err
	}
	return o.wmd.UpdateSnr(ctx, macB, macA, snr)
}

// addSingleEndpointRFLink joins a single interface to a mesh/adhoc/ITS
// network (spec.md §4.4 "Mesh / AdHoc / ITS" row); the "link" is really a
// membership declaration, repeatable across many nodes that all join the
// same network id.
func (o *Orchestrator) addSingleEndpointRFLink(ctx context.Context, spec config.LinkSpec, class topo.LinkClass) error {
	n, w, err := o.resolveWirelessEndpoint(spec.A)
	if err != nil {
		return err
	}

	ns := o.nsName(n.ID)
	netID := w.SSID

	switch class {
	case topo.LinkMesh, topo.LinkITS:
		w.Mode = topo.ModeMesh
		if err := o.drv.SetMode(ctx, ns, w.Name, "mp"); err != nil {
			return err
		}
		if err := o.drv.MeshJoin(ctx, ns, w.Name, netID, w.Channel); err != nil {
			return err
		}
	case topo.LinkAdHoc:
		w.Mode = topo.ModeIBSS
		if err := o.drv.SetMode(ctx, ns, w.Name, "ibss"); err != nil {
			return err
		}
		if err := o.drv.IBSSJoin(ctx, ns, w.Name, netID, w.Channel); err != nil {
			return err
		}
	}

	o.top.AddLink(topo.Link{
		Class:     class,
		EndpointA: topo.Endpoint{Node: n.ID, Intf: w.ID},
		TC:        tcFromSpec(spec),
	})

	return nil
}

// addWifiDirectLink connects two stations peer-to-peer via the
// supplicant's p2p_connect (spec.md §4.4 "WifiDirect" row).
func (o *Orchestrator) addWifiDirectLink(ctx context.Context, spec config.LinkSpec) error {
	na, wa, err := o.resolveWirelessEndpoint(spec.A)
	if err != nil {
		return err
	}
	_, wb, err := o.resolveWirelessEndpoint(spec.B)
	if err != nil {
		return err
	}

	wa.Mode = topo.ModeWifiDirect
	wb.Mode = topo.ModeWifiDirect

	ns := o.nsName(na.ID)
	if _, err := o.drv.RunIn(ctx, ns, []string{"wpa_cli", "-i", wa.Name, "p2p_connect", wb.MAC, "pbc"}, 0, nil); err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("p2p_connect %s -> %s", wa.Name, wb.Name), err)
	}

	if err := o.recordRF(ctx, wa, wb, o.cfg.WmediumdMode, spec.ErrorProb); err != nil {
		return err
	}

	o.top.AddLink(topo.Link{
		Class:     topo.LinkWifiDirect,
		EndpointA: topo.Endpoint{Node: wa.Node, Intf: wa.ID},
		EndpointB: topo.Endpoint{Node: wb.Node, Intf: wb.ID},
	})

	return nil
}

// add4AddressLink wires two AP interfaces in WDS (4-address) mode, one as
// the 4addr client and one as the 4addr server (spec.md §4.4 "4Address"
// row).
func (o *Orchestrator) add4AddressLink(ctx context.Context, spec config.LinkSpec) error {
	na, wa, err := o.resolveWirelessEndpoint(spec.A)
	if err != nil {
		return err
	}
	nb, wb, err := o.resolveWirelessEndpoint(spec.B)
	if err != nil {
		return err
	}

	wa.Mode = topo.Mode4AddrClient
	wb.Mode = topo.Mode4AddrAP

	if err := o.drv.SetMode(ctx, o.nsName(na.ID), wa.Name, "managed"); err != nil {
		return err
	}
	if err := o.drv.SetMode(ctx, o.nsName(nb.ID), wb.Name, "__ap"); err != nil {
		return err
	}

	o.top.AddLink(topo.Link{
		Class:     topo.Link4Address,
		EndpointA: topo.Endpoint{Node: wa.Node, Intf: wa.ID},
		EndpointB: topo.Endpoint{Node: wb.Node, Intf: wb.ID},
	})

	return nil
}

// addPhysicalMeshLink moves a real (non-virtual) phy into a node's
// namespace for pass-through use in a mesh, rather than registering a
// fresh virtual radio (spec.md §4.4 "PhysicalMesh" row).
func (o *Orchestrator) addPhysicalMeshLink(ctx context.Context, spec config.LinkSpec) error {
	nodeName, phyName, err := splitEndpoint(spec.A)
	if err != nil {
		return err
	}

	n, ok := o.top.NodeByName(nodeName)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("physical-mesh link references unknown node %q", nodeName), nil)
	}

	if err := o.drv.MovePhyToNetns(ctx, phyName, n.PID); err != nil {
		return err
	}

	o.top.AddLink(topo.Link{
		Class:     topo.LinkPhysicalMesh,
		EndpointA: topo.Endpoint{Node: n.ID},
	})

	return nil
}

// AddStation performs the live "addSta" operation (spec.md §4.9 "addSta /
// addAP / addLink are also legal after build"): it reuses build phases
// 2-4 and 6 for a single new station, then -- if auto-association is enabled --
// lets C8 pick it up on the next mobility tick or threshold crossing.
func (o *Orchestrator) AddStation(ctx context.Context, spec config.NodeSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createNode(spec, topo.KindStation); err != nil {
		return err
	}
	if err := o.createRadios(spec); err != nil {
		return err
	}
	if err := o.configureAddresses(spec); err != nil {
		return err
	}

	if err := o.startStation(spec); err != nil {
		return err
	}

	o.snapshotNode(spec.Name)
	return nil
}

// AddAP performs the live "addAP" operation. Per spec.md §4.9 "Live add of
// an AP dynamically registers new radios on the fly (C1's on-the-fly
// path) so the kernel driver need not be reloaded" -- createRadios already
// takes that path since RegisterPhy always registers on demand rather
// than requiring a fixed `radios=<n>` reload.
func (o *Orchestrator) AddAP(ctx context.Context, spec config.NodeSpec, controllers []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createNode(spec, topo.KindAP); err != nil {
		return err
	}
	if err := o.createRadios(spec); err != nil {
		return err
	}
	if err := o.configureAddresses(spec); err != nil {
		return err
	}

	if err := o.startAP(spec, controllers); err != nil {
		return err
	}

	o.snapshotNode(spec.Name)
	return nil
}
