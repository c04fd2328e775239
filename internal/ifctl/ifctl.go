// Package ifctl implements part of C2, the interface model of spec.md
// §4.2: setIP, setChannel, setTxPower, setAntennaGain, setRange,
// configWLink and disconnect, translated into C1 driver calls and topology
// updates. Of these, setTxPower and setAntennaGain also notify C5 so the RF
// daemon stays in sync. setMAC, up/down, setMode and associate are not
// implemented in this package.
package ifctl

import (
	"context"
	"fmt"

	"apwifi/internal/driver"
	"apwifi/internal/minilog"
	"apwifi/internal/propagation"
	"apwifi/internal/topo"
	"apwifi/internal/wmediumd"
)

var log = minilog.Named("ifctl")

// Controller binds the topology's interface objects to the resource
// driver and the wmediumd connector. nsName resolves a Node to the
// namespace name the driver operates on.
type Controller struct {
	top     *topo.Topology
	drv     *driver.Driver
	wmd     *wmediumd.Client
	nsName  func(topo.NodeID) string
	propCfg propagation.Config
}

func New(top *topo.Topology, drv *driver.Driver, wmd *wmediumd.Client, nsName func(topo.NodeID) string, propCfg propagation.Config) *Controller {
	return &Controller{top: top, drv: drv, wmd: wmd, nsName: nsName, propCfg: propCfg}
}

// SetIP assigns an address and brings the interface up (spec.md §4.2
// setIP).
func (c *Controller) SetIP(ctx context.Context, intf *topo.Intf, cidr string) error {
	ns := c.nsName(intf.Node)

	if err := c.drv.SetIP(ctx, ns, intf.Name, cidr); err != nil {
		return err
	}

	return c.drv.SetUp(ctx, ns, intf.Name, true)
}

// SetChannel changes a wireless interface's channel, updating both kernel
// state and the topology record (spec.md §4.2 setChannel).
func (c *Controller) SetChannel(ctx context.Context, w *topo.WirelessIntf, channel int) error {
	ns := c.nsName(w.Node)

	if err := c.drv.SetChannel(ctx, ns, w.Name, channel); err != nil {
		return err
	}

	w.Channel = channel
	return nil
}

// SetTxPower changes tx power and pushes the change to wmediumd so
// interference-mode RSSI stays consistent with the kernel's actual radio
// setting (spec.md §4.2 "notification to C5").
func (c *Controller) SetTxPower(ctx context.Context, w *topo.WirelessIntf, dBm float64) error {
	ns := c.nsName(w.Node)

	if err := c.drv.SetTxPower(ctx, ns, w.Name, int(dBm*100)); err != nil {
		return err
	}

	w.TxPowerDBm = dBm

	if c.wmd != nil {
		mac, err := wmediumd.ParseMAC(w.MAC)
		if err == nil {
			if err := c.wmd.UpdateTxPower(ctx, mac, dBm); err != nil {
				log.Warn("pushing txpower update for %s to wmediumd: %v", w.Name, err)
			}
		}
	}

	// Recomputing the advertised range is deferred to the mobility
	// coordinator's next tick (spec.md §4.2 invariant (a)); clearing it
	// here just marks it stale so the next RangeFor call recomputes
	// instead of returning a cached value from the old tx power.
	w.RangeM = 0

	return nil
}

// SetAntennaGain mirrors SetTxPower for antenna gain (spec.md §4.2
// setAntennaGain).
func (c *Controller) SetAntennaGain(ctx context.Context, w *topo.WirelessIntf, dBi float64) error {
	w.AntennaGainDBi = dBi
	w.RangeM = 0

	if c.wmd != nil {
		mac, err := wmediumd.ParseMAC(w.MAC)
		if err == nil {
			if err := c.wmd.UpdateGain(ctx, mac, dBi); err != nil {
				log.Warn("pushing gain update for %s to wmediumd: %v", w.Name, err)
			}
		}
	}

	return nil
}

// SetRange records an operator-supplied range override; an interface whose
// RangeM is left at zero has it derived lazily by propagation.RangeFor
// (spec.md §4.6).
func (c *Controller) SetRange(w *topo.WirelessIntf, meters float64) {
	w.RangeM = meters
}

// EffectiveRange returns the interface's configured range, deriving it from
// the propagation model if unset (spec.md §4.2 invariant (a)).
func (c *Controller) EffectiveRange(w *topo.WirelessIntf) float64 {
	if w.RangeM > 0 {
		return w.RangeM
	}

	return propagation.RangeFor(c.propCfg, w.TxPowerDBm, w.AntennaGainDBi)
}

// ConfigWLink installs the tc hierarchy for a link's TC parameters,
// shifting onto a per-peer IFB mirror when the interface is shared by
// multiple peers (spec.md §4.2 "shaping is moved onto a per-peer IFB
// mirror indexed by interface index").
func (c *Controller) ConfigWLink(ctx context.Context, w *topo.WirelessIntf, tc topo.TCParams, sharedByMultiplePeers bool) error {
	ns := c.nsName(w.Node)

	ifb := ""
	if sharedByMultiplePeers {
		ifb = fmt.Sprintf("ifb-%d", w.ID)
		w.IFBIndex = int(w.ID)
	}

	return c.drv.ConfigWLink(ctx, ns, w.Name, tc, ifb)
}

// Disconnect clears the association on both sides in the topology records
// (spec.md §4.2 disconnect). It issues no driver call and sends nothing to
// C5.
func (c *Controller) Disconnect(ctx context.Context, a, b *topo.WirelessIntf) {
	a.ClearAssociation()
	if a.IsMaster() {
		a.RemoveAssociatedStation(b.ID)
	}

	b.ClearAssociation()
	if b.IsMaster() {
		b.RemoveAssociatedStation(a.ID)
	}
}
