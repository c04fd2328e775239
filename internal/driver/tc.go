package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"apwifi/internal/cleanup"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

// ConfigWLink installs the tc htb+netem hierarchy for bandwidth/delay/
// jitter/loss/max-queue shaping on an interface (spec.md §4.2 configWLink).
// If ifb is non-empty, the hierarchy is installed on that IFB mirror
// instead -- the caller (internal/orchestrator) decides to route through an
// IFB when the interface is shared by multiple peers, e.g. a master AP
// shaping per-associated-station (spec.md §4.2).
func (d *Driver) ConfigWLink(ctx context.Context, nsName, ifName string, tc topo.TCParams, ifb string) error {
	target := ifName
	if ifb != "" {
		target = ifb

		if rc, err := d.RunIn(ctx, nsName, []string{"ip", "link", "add", ifb, "type", "ifb"}, 0, nil); rc != 0 || err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("creating ifb %s: rc=%d", ifb, rc), err)
		}

		if rc, err := d.RunIn(ctx, nsName, []string{"ip", "link", "set", ifb, "up"}, 0, nil); rc != 0 || err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("upping ifb %s: rc=%d", ifb, rc), err)
		}

		redirect := []string{
			"tc", "qdisc", "add", "dev", ifName, "handle", "ffff:", "ingress",
		}
		if rc, err := d.RunIn(ctx, nsName, redirect, 0, nil); rc != 0 || err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("adding ingress qdisc on %s: rc=%d", ifName, rc), err)
		}
	}

	// Tear down any previous qdisc for idempotence.
	_, _ = d.RunIn(ctx, nsName, []string{"tc", "qdisc", "del", "dev", target, "root"}, 0, nil)

	if tc.IsZero() {
		return nil
	}

	htbRate := "1000mbit"
	if tc.BandwidthKbit > 0 {
		htbRate = strconv.Itoa(tc.BandwidthKbit) + "kbit"
	}

	root := []string{"tc", "qdisc", "add", "dev", target, "root", "handle", "1:", "htb", "default", "10"}
	if rc, err := d.RunIn(ctx, nsName, root, 0, nil); rc != 0 || err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("adding htb root on %s", target), err)
	}

	class := []string{"tc", "class", "add", "dev", target, "parent", "1:", "classid", "1:10", "htb", "rate", htbRate}
	if rc, err := d.RunIn(ctx, nsName, class, 0, nil); rc != 0 || err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("adding htb class on %s", target), err)
	}

	netem := []string{"tc", "qdisc", "add", "dev", target, "parent", "1:10", "handle", "10:", "netem"}
	if tc.DelayMS > 0 {
		netem = append(netem, "delay", fmt.Sprintf("%dms", tc.DelayMS))
		if tc.JitterMS > 0 {
			netem = append(netem, fmt.Sprintf("%dms", tc.JitterMS))
		}
	}
	if tc.LossPercent > 0 {
		netem = append(netem, "loss", fmt.Sprintf("%.4f%%", tc.LossPercent))
	}
	if tc.MaxQueue > 0 {
		netem = append(netem, "limit", strconv.Itoa(tc.MaxQueue))
	}

	if len(netem) > 7 {
		if rc, err := d.RunIn(ctx, nsName, netem, 0, nil); rc != 0 || err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("adding netem on %s", target), err)
		}
	}

	return nil
}

// OVSAddBridge creates an OVS bridge for an AP's master interfaces
// (spec.md §4.3 AP variant) and wires it to the named controllers.
func (d *Driver) OVSAddBridge(ctx context.Context, bridge string, controllers []string) error {
	d.cleanup.Record(cleanup.DeleteBridge, bridge)

	if _, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "--if-exists", "del-br", bridge); err != nil {
		_ = stderr // idempotent delete-before-create; absence is not an error
	}

	if _, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "add-br", bridge); err != nil {
		return xerrors.ResourceError(fmt.Sprintf("creating bridge %s: %s", bridge, strings.TrimSpace(string(stderr))), err)
	}

	for _, c := range controllers {
		if _, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "set-controller", bridge, c); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("setting controller %s on bridge %s: %s", c, bridge, strings.TrimSpace(string(stderr))), err)
		}
	}

	return nil
}

// ListOVSBridges enumerates every bridge currently present, for C10's
// sweep-and-verify pass (spec.md §4.10 step 4).
func (d *Driver) ListOVSBridges(ctx context.Context) ([]string, error) {
	stdout, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "list-br")
	if err != nil {
		return nil, xerrors.ExternalToolError(fmt.Sprintf("ovs-vsctl list-br: %s", strings.TrimSpace(string(stderr))), err)
	}

	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// RemoveOVSBridge deletes a bridge by name if it exists.
func (d *Driver) RemoveOVSBridge(ctx context.Context, bridge string) error {
	_, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "--if-exists", "del-br", bridge)
	if err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("ovs-vsctl del-br %s: %s", bridge, strings.TrimSpace(string(stderr))), err)
	}
	return nil
}

// OVSAddPort adds ifName as a port on bridge.
func (d *Driver) OVSAddPort(ctx context.Context, bridge, ifName string) error {
	_, stderr, err := d.shell.Run(ctx, "ovs-vsctl", "add-port", bridge, ifName)
	if err != nil {
		return xerrors.ResourceError(fmt.Sprintf("adding port %s to bridge %s: %s", ifName, bridge, strings.TrimSpace(string(stderr))), err)
	}
	return nil
}

// NATMasquerade installs the MASQUERADE and FORWARD rules spec.md §4.3
// requires for a NAT node's external interface (one MASQUERADE rule and two
// FORWARD accept rules), recording each rule's inverse (DetachIptablesRule)
// right before that rule goes in so a crash mid-install still leaves a
// usable cleanup entry.
func (d *Driver) NATMasquerade(ctx context.Context, extIf string) error {
	d.cleanup.Record(cleanup.DetachIptablesRule, "-t nat -D POSTROUTING -o "+extIf+" -j MASQUERADE")
	if _, stderr, err := d.shell.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-o", extIf, "-j", "MASQUERADE"); err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("installing MASQUERADE on %s: %s", extIf, strings.TrimSpace(string(stderr))), err)
	}

	d.cleanup.Record(cleanup.DetachIptablesRule, "-D FORWARD -o "+extIf+" -j ACCEPT")
	if _, stderr, err := d.shell.Run(ctx, "iptables", "-A", "FORWARD", "-o", extIf, "-j", "ACCEPT"); err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("installing FORWARD accept on %s: %s", extIf, strings.TrimSpace(string(stderr))), err)
	}

	d.cleanup.Record(cleanup.DetachIptablesRule, "-D FORWARD -i "+extIf+" -m state --state RELATED,ESTABLISHED -j ACCEPT")
	if _, stderr, err := d.shell.Run(ctx, "iptables", "-A", "FORWARD", "-i", extIf, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("installing FORWARD established-state accept on %s: %s", extIf, strings.TrimSpace(string(stderr))), err)
	}

	return nil
}

// Rfkill unblocks (or blocks) the radio identified by idx; used after
// RegisterPhy since freshly created virtual radios sometimes come up soft
// blocked.
func (d *Driver) Rfkill(ctx context.Context, idx int, block bool) error {
	action := "unblock"
	if block {
		action = "block"
	}

	_, stderr, err := d.shell.Run(ctx, "rfkill", action, strconv.Itoa(idx))
	if err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("rfkill %s %d: %s", action, idx, strings.TrimSpace(string(stderr))), err)
	}
	return nil
}
