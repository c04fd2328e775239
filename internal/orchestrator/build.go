package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"strings"

	"apwifi/internal/config"
	"apwifi/internal/propagation"
	"apwifi/internal/topo"
	"apwifi/internal/wmediumd"
	"apwifi/internal/xerrors"
)

// validate checks the scenario for spec.md §7 ConfigErrors before any
// resource is touched: empty or duplicate node names, unknown wlan modes,
// missing or malformed link endpoints, and link endpoints naming an
// undeclared node, so such a scenario never reaches C1. The IP base and
// the interface half of a link endpoint are not checked here.
func (o *Orchestrator) validate(sc *config.Scenario) error {
	seen := make(map[string]bool)

	all := [][]config.NodeSpec{sc.Controllers, sc.Switches, sc.Hosts, sc.WLCs, sc.APs, sc.Stations, sc.NATs}
	for _, group := range all {
		for _, spec := range group {
			if spec.Name == "" {
				return xerrors.ConfigError("node declared with an empty name", nil)
			}
			if seen[spec.Name] {
				return xerrors.ConfigError(fmt.Sprintf("duplicate node name %q", spec.Name), nil)
			}
			seen[spec.Name] = true

			for _, w := range spec.Wlans {
				switch topo.WirelessMode(w.Mode) {
				case topo.ModeManaged, topo.ModeMaster, topo.ModeAdhoc, topo.ModeMesh, topo.ModeIBSS,
					topo.Mode4AddrClient, topo.Mode4AddrAP, topo.ModePhyAP, topo.ModeITS, topo.ModeWifiDirect, "":
				default:
					return xerrors.ConfigError(fmt.Sprintf("node %q wlan %q: unknown mode %q", spec.Name, w.Name, w.Mode), nil)
				}
			}
		}
	}

	for _, l := range sc.Links {
		if strings.TrimSpace(l.A) == "" {
			return xerrors.ConfigError("link declared with an empty endpoint A", nil)
		}
		nodeA, _, err := splitEndpoint(l.A)
		if err != nil {
			return err
		}
		if !seen[nodeA] {
			return xerrors.ConfigError(fmt.Sprintf("link %s references undeclared node %q", l.A, nodeA), nil)
		}
		if !(topo.Link{Class: topo.LinkClass(l.Class)}).IsSingleEndpoint() {
			if strings.TrimSpace(l.B) == "" {
				return xerrors.ConfigError(fmt.Sprintf("link %s: two-endpoint class %q needs endpoint B", l.A, l.Class), nil)
			}
			nodeB, _, err := splitEndpoint(l.B)
			if err != nil {
				return err
			}
			if !seen[nodeB] {
				return xerrors.ConfigError(fmt.Sprintf("link %s references undeclared node %q", l.B, nodeB), nil)
			}
		}
	}

	return nil
}

// splitEndpoint parses the "node:intf" endpoint syntax spec.md §3 "Link"
// describes.
func splitEndpoint(s string) (node, intf string, err error) {
	parts := strings.SplitN(s, ":", 2)
	node = parts[0]
	if node == "" {
		return "", "", xerrors.ConfigError(fmt.Sprintf("endpoint %q missing a node name", s), nil)
	}
	if len(parts) == 2 {
		intf = parts[1]
	}
	return node, intf, nil
}

// createNode runs build phase 2 for one node: allocate it in the topology,
// seed its position/params, and (for every kind except Controller, which
// runs as a plain subprocess outside any namespace, and Switch, whose OVS
// bridge lives in the root namespace) give it its own network namespace
// (spec.md §4.9 phase 2 "Create nodes in declaration order (C3 → C1)").
func (o *Orchestrator) createNode(spec config.NodeSpec, kind topo.Kind) error {
	n, err := o.top.AddNode(spec.Name, kind)
	if err != nil {
		return xerrors.ConfigError(fmt.Sprintf("adding node %q", spec.Name), err)
	}

	n.Params = spec.Params
	if n.Params == nil {
		n.Params = make(map[string]interface{})
	}

	pos := topo.Position{Mobile: spec.Mobile, VMin: spec.VMin, VMax: spec.VMax, ModelName: spec.Model, ModelSeed: spec.Seed}
	if spec.Position != "" {
		parts := strings.Split(spec.Position, ",")
		if len(parts) == 3 {
			fmt.Sscanf(parts[0], "%g", &pos.X)
			fmt.Sscanf(parts[1], "%g", &pos.Y)
			fmt.Sscanf(parts[2], "%g", &pos.Z)
		}
	}
	n.SetPosition(pos)

	if gw, ok := spec.Params["gateway"].(string); ok {
		n.Gateway = gw
	}

	if kind == topo.KindController || kind == topo.KindSwitch {
		n.SetPhase(topo.PhaseCreated)
		return nil
	}

	pid, err := o.drv.CreateNetns(o.ctx, o.nsName(n.ID))
	if err != nil {
		return xerrors.ResourceError(fmt.Sprintf("creating namespace for %q", spec.Name), err)
	}

	n.PID = pid
	n.Namespaced = true
	n.SetPhase(topo.PhaseCreated)

	return nil
}

// createRadios runs build phase 3 for one node's WlanSpecs: register a phy
// per wlan, move it into the node's namespace, rename it to the spec's
// name, and bind a WirelessIntf (spec.md §4.9 phase 3).
func (o *Orchestrator) createRadios(spec config.NodeSpec) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("createRadios: unknown node %q", spec.Name), nil)
	}

	for idx, wspec := range spec.Wlans {
		_, dev, err := o.drv.RegisterPhy(o.ctx, o.radioPrefix, true)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("registering radio for %s/%s", spec.Name, wspec.Name), err)
		}
		o.radiosLoaded = true

		if err := o.drv.MovePhyToNetns(o.ctx, dev, n.PID); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("moving phy %s into %s's namespace", dev, spec.Name), err)
		}

		ns := o.nsName(n.ID)
		wifName := wspec.Name
		if wifName == "" {
			wifName = fmt.Sprintf("%s-wlan%d", spec.Name, idx)
		}

		nsHandle, err := o.drv.NsByName(ns)
		if err != nil {
			return err
		}

		// The phy's managed interface is created by the kernel with a
		// default name derived from the phy; aprf_drv always names it
		// "<phy>-intf0" (spec.md §6 "Radio driver"), which renameIntf
		// moves to the spec's requested name.
		if err := o.drv.RenameIntf(o.ctx, nsHandle, dev+"-intf0", wifName); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("renaming radio for %s to %s", spec.Name, wifName), err)
		}

		w, err := o.top.AddWirelessIntf(n.ID, idx, wifName)
		if err != nil {
			return err
		}

		w.MAC = randomMAC()
		w.Mode = topo.WirelessMode(wspec.Mode)
		w.SSID = wspec.SSID
		w.Channel = wspec.Channel
		w.IEEE = topo.IEEEMode(wspec.IEEE)
		w.Encryption = topo.Encryption(wspec.Encryption)
		w.Passphrase = wspec.Passphrase
		w.TxPowerDBm = wspec.TxPowerDBm
		w.AntennaGainDBi = wspec.AntennaGain

		if wspec.Medium != 0 {
			o.top.SetMedium(w.ID, wspec.Medium)
		}

		if err := o.drv.SetMode(o.ctx, ns, wifName, string(w.Mode)); err != nil {
			return err
		}
		if w.Channel > 0 {
			if err := o.drv.SetChannel(o.ctx, ns, wifName, w.Channel); err != nil {
				return err
			}
		}
	}

	return nil
}

// randomMAC generates a locally-administered unicast MAC, used for every
// virtual radio this engine creates (spec.md §3 WirelessIntf "MAC").
func randomMAC() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	b[0] = (b[0] | 0x02) & 0xfe // locally administered, unicast

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// configureAddresses runs build phase 4: addresses, routes, MACs, read from
// the generic param bag per spec.md §3 "Node... a bag of typed params"
// (SPEC_FULL.md §3.3 "decoded from the generic YAML/JSON map").
func (o *Orchestrator) configureAddresses(spec config.NodeSpec) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("configureAddresses: unknown node %q", spec.Name), nil)
	}

	if !n.Namespaced {
		return nil
	}

	if ip, ok2 := spec.Params["ip"].(string); ok2 && ip != "" {
		targetName := ""
		if len(spec.Wlans) > 0 {
			targetName = spec.Wlans[0].Name
			if targetName == "" {
				targetName = fmt.Sprintf("%s-wlan0", spec.Name)
			}
		} else if eth, ok3 := spec.Params["intf"].(string); ok3 {
			targetName = eth
		} else {
			targetName = "eth0"
		}

		var intf *topo.WirelessIntf
		if idx, ok3 := n.WlanIntf(0); ok3 {
			intf, _ = o.top.WirelessIntf(idx)
		}

		if intf != nil {
			if err := o.ifc.SetIP(o.ctx, wirelessAsIntf(intf), ip); err != nil {
				return err
			}
		} else {
			if err := o.drv.SetIP(o.ctx, o.nsName(n.ID), targetName, ip); err != nil {
				return err
			}
			if err := o.drv.SetUp(o.ctx, o.nsName(n.ID), targetName, true); err != nil {
				return err
			}
		}
	}

	if n.Gateway != "" {
		if err := o.drv.SetDefaultRoute(o.ctx, o.nsName(n.ID), n.Gateway); err != nil {
			return err
		}
	}

	return nil
}

// wirelessAsIntf adapts a WirelessIntf to the plain topo.Intf shape
// ifctl.Controller.SetIP expects, since the interface model (C2) operates
// on either kind through the same node+name pair.
func wirelessAsIntf(w *topo.WirelessIntf) *topo.Intf {
	return &topo.Intf{ID: topo.IntfID(w.ID), Node: w.Node, Name: w.Name}
}

// startNodes runs build phase 6: controllers, then switches/APs, then
// stations, each in the declared order (spec.md §4.9 phase 6).
func (o *Orchestrator) startNodes(sc *config.Scenario) error {
	controllerAddrs := make([]string, 0, len(sc.Controllers))
	for _, c := range sc.Controllers {
		controllerAddrs = append(controllerAddrs, c.Name)
	}

	for _, spec := range sc.Controllers {
		if err := o.startController(spec); err != nil {
			return err
		}
	}

	for _, spec := range sc.Switches {
		if err := o.startSwitch(spec, controllerAddrs); err != nil {
			return err
		}
	}

	for _, spec := range sc.APs {
		if err := o.startAP(spec, controllerAddrs); err != nil {
			return err
		}
	}

	for _, spec := range sc.Stations {
		if err := o.startStation(spec); err != nil {
			return err
		}
	}

	for _, spec := range sc.NATs {
		if err := o.startNAT(spec); err != nil {
			return err
		}
	}

	return nil
}

// startNAT runs the NAT variant of build phase 6 (spec.md §3 Node variants,
// §4.3 "NAT installs masquerade + forward rules whose removal is registered
// with C10"): bring up the node's external interface and install the
// masquerade/forward rule triple against it. The external interface name
// comes from the node's "extIf" param, defaulting to "eth0" when the
// scenario doesn't name one.
func (o *Orchestrator) startNAT(spec config.NodeSpec) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("startNAT: unknown node %q", spec.Name), nil)
	}

	extIf, _ := spec.Params["extIf"].(string)
	if extIf == "" {
		extIf = "eth0"
	}

	if err := o.drv.SetUp(o.ctx, o.nsName(n.ID), extIf, true); err != nil {
		return err
	}

	if err := o.drv.NATMasquerade(o.ctx, extIf); err != nil {
		return err
	}

	n.SetPhase(topo.PhaseStarted)
	log.Info("nat %s started, masquerading out %s", spec.Name, extIf)
	return nil
}

func (o *Orchestrator) startController(spec config.NodeSpec) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("startController: unknown node %q", spec.Name), nil)
	}

	n.Controllers = []string{spec.Name}
	n.SetPhase(topo.PhaseStarted)
	log.Info("controller %s started", spec.Name)
	return nil
}

func (o *Orchestrator) startSwitch(spec config.NodeSpec, controllers []string) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("startSwitch: unknown node %q", spec.Name), nil)
	}

	bridge := "br-" + spec.Name
	if err := o.drv.OVSAddBridge(o.ctx, bridge, controllers); err != nil {
		return err
	}

	n.Bridge = bridge
	n.Controllers = controllers
	n.SetPhase(topo.PhaseStarted)

	o.bridges[spec.Name] = bridge
	return nil
}

// flushInitialRF runs build phase 7's first half: push every wireless
// interface's current position/gain/txpower to wmediumd and, in
// interference mode, the pairwise SNR for every same-medium pair, so C8's
// first association decisions have real RF state to evaluate (spec.md
// §4.9 phase 7 "flush initial pairwise propagation state to C5").
func (o *Orchestrator) flushInitialRF() {
	intfs := o.top.WirelessIntfs()

	for _, w := range intfs {
		mac, err := parseOrSkip(w.MAC)
		if err != nil {
			continue
		}

		if err := o.wmd.RegisterInterface(o.ctx, mac, int32(w.MediumID)); err != nil {
			log.Warn("registering %s with wmediumd: %v", w.Name, err)
		}

		if n, ok := o.top.Node(w.Node); ok {
			p := n.GetPosition()
			if err := o.wmd.UpdatePosition(o.ctx, mac, p.X, p.Y, p.Z); err != nil {
				log.Warn("pushing initial position for %s: %v", w.Name, err)
			}
		}

		if err := o.wmd.UpdateGain(o.ctx, mac, w.AntennaGainDBi); err != nil {
			log.Warn("pushing initial gain for %s: %v", w.Name, err)
		}
		if err := o.wmd.UpdateTxPower(o.ctx, mac, w.TxPowerDBm); err != nil {
			log.Warn("pushing initial txpower for %s: %v", w.Name, err)
		}
	}

	if o.cfg.WmediumdMode != topo.RFModeInterference {
		return
	}

	byMedium := make(map[int][]*topo.WirelessIntf)
	for _, w := range intfs {
		byMedium[w.MediumID] = append(byMedium[w.MediumID], w)
	}

	for _, members := range byMedium {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				o.pushInterferenceSNR(members[i], members[j])
			}
		}
	}
}

func (o *Orchestrator) pushInterferenceSNR(a, b *topo.WirelessIntf) {
	na, ok1 := o.top.Node(a.Node)
	nb, ok2 := o.top.Node(b.Node)
	if !ok1 || !ok2 {
		return
	}

	pa, pb := na.GetPosition(), nb.GetPosition()
	dist := distanceBetween(pa, pb)

	rssi := propagationRSSI(o.propCfg, a, b, dist)
	snr := rssi - o.propCfg.NoiseThresholdDBm

	macA, errA := parseOrSkip(a.MAC)
	macB, errB := parseOrSkip(b.MAC)
	if errA != nil || errB != nil {
		return
	}

	if err := o.wmd.UpdateSnr(o.ctx, macA, macB, snr); err != nil {
		log.Warn("pushing initial snr %s<->%s: %v", a.Name, b.Name, err)
	}
	if err := o.wmd.UpdateSnr(o.ctx, macB, macA, snr); err != nil {
		log.Warn("pushing initial snr %s<->%s: %v", b.Name, a.Name, err)
	}
}

// assocDriver adapts the orchestrator's ifctl/wmediumd plumbing to the
// assoc.Driver interface C8 expects (spec.md §4.8 "Driver performs the
// actual association/disassociation work").
type assocDriver struct {
	o *Orchestrator
}

func (d *assocDriver) Associate(ctx context.Context, station, ap topo.IntfID) error {
	o := d.o

	sw, ok := o.top.WirelessIntf(station)
	if !ok {
		return xerrors.AssociationError("unknown station interface", nil)
	}
	aw, ok := o.top.WirelessIntf(ap)
	if !ok {
		return xerrors.AssociationError("unknown ap interface", nil)
	}

	if o.cfg.WmediumdMode == topo.RFModeInterference {
		if _, inRange := sw.APsInRange()[ap]; !inRange {
			return xerrors.AssociationError(fmt.Sprintf("%s is out of range of %s", sw.Name, aw.Name), nil)
		}
	}

	sw.SetAssociatedTo(ap)
	aw.AddAssociatedStation(station)

	if o.wmd != nil {
		macS, errS := parseOrSkip(sw.MAC)
		macA, errA := parseOrSkip(aw.MAC)
		if errS == nil && errA == nil {
			if err := o.wmd.SetMedium(ctx, macS, int32(aw.MediumID)); err != nil {
				log.Warn("setting medium on associate %s<->%s: %v", sw.Name, aw.Name, err)
			}
		}
	}

	o.recordAssocEvent(sw.Name, aw.Name, true)
	o.snapshotNode(sw.Name)
	o.snapshotNode(aw.Name)
	o.broadcastAssoc(sw.Name, aw.Name, true)

	log.Info("station %s associated with ap %s", sw.Name, aw.Name)
	return nil
}

func (d *assocDriver) Disassociate(ctx context.Context, station, ap topo.IntfID) error {
	o := d.o

	sw, ok := o.top.WirelessIntf(station)
	if !ok {
		return nil
	}
	aw, ok := o.top.WirelessIntf(ap)
	if !ok {
		return nil
	}

	o.ifc.Disconnect(ctx, sw, aw)

	o.recordAssocEvent(sw.Name, aw.Name, false)
	o.snapshotNode(sw.Name)
	o.snapshotNode(aw.Name)
	o.broadcastAssoc(sw.Name, aw.Name, false)

	log.Info("station %s disassociated from ap %s", sw.Name, aw.Name)
	return nil
}

// parseOrSkip parses a colon-hex MAC, returning an error a caller can
// treat as "skip this interface" rather than aborting the whole flush
// (an interface without a usable MAC yet is not itself fatal).
func parseOrSkip(s string) (wmediumd.MAC, error) {
	return wmediumd.ParseMAC(s)
}

func distanceBetween(a, b topo.Position) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// propagationRSSI mirrors internal/mobility's per-tick RSSI computation,
// used here once at build time to seed the first SNR push (spec.md §4.9
// phase 7).
func propagationRSSI(cfg propagation.Config, a, b *topo.WirelessIntf, dist float64) float64 {
	return propagation.RSSI(cfg, a.TxPowerDBm, a.AntennaGainDBi, b.AntennaGainDBi, dist)
}
