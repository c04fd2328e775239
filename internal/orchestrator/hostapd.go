package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"apwifi/internal/config"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

// startAP runs the AP half of build phase 6 (spec.md §4.3 AP variant): for
// every master WirelessIntf, synthesize a hostapd-style configuration file
// (its contents are listed on writeHostapdConf), start a hostapd-like
// daemon against it, attach the
// interface to the node's OVS bridge, and wire the bridge to controllers.
func (o *Orchestrator) startAP(spec config.NodeSpec, controllers []string) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("startAP: unknown node %q", spec.Name), nil)
	}

	bridge := "br-" + spec.Name
	if err := o.drv.OVSAddBridge(o.ctx, bridge, controllers); err != nil {
		return err
	}
	n.Bridge = bridge
	n.Controllers = controllers
	o.bridges[spec.Name] = bridge

	ns := o.nsName(n.ID)

	for _, idx := range n.Wlans() {
		id, _ := n.WlanIntf(idx)
		w, ok := o.top.WirelessIntf(id)
		if !ok || !w.IsMaster() {
			continue
		}

		confPath, err := writeHostapdConf(spec.Name, w)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("writing hostapd config for %s", w.Name), err)
		}

		if _, err := o.drv.RunIn(o.ctx, ns, []string{"hostapd", "-B", confPath}, 0, nil); err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("starting hostapd for %s", w.Name), err)
		}

		if err := o.drv.OVSAddPort(o.ctx, bridge, w.Name); err != nil {
			return err
		}
	}

	n.SetPhase(topo.PhaseStarted)
	log.Info("ap %s started, bridge=%s", spec.Name, bridge)
	return nil
}

// startStation runs the station half of build phase 6 (spec.md §4.3
// Station variant): bring up every managed interface and, if a WlanSpec
// names an SSID, synthesize a wpa_supplicant config from its encryption/
// passphrase and start the supplicant so auto-connect can proceed (actual
// association is driven by C8, not by hostapd/supplicant completion --
// the supplicant here only performs 802.11 auth/assoc at the kernel level).
func (o *Orchestrator) startStation(spec config.NodeSpec) error {
	n, ok := o.top.NodeByName(spec.Name)
	if !ok {
		return xerrors.ConfigError(fmt.Sprintf("startStation: unknown node %q", spec.Name), nil)
	}

	ns := o.nsName(n.ID)

	for _, idx := range n.Wlans() {
		id, _ := n.WlanIntf(idx)
		w, ok := o.top.WirelessIntf(id)
		if !ok || w.IsMaster() {
			continue
		}

		if err := o.drv.SetUp(o.ctx, ns, w.Name, true); err != nil {
			return err
		}

		if w.SSID == "" {
			continue
		}

		confPath, err := writeSupplicantConf(spec.Name, w)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("writing supplicant config for %s", w.Name), err)
		}

		if _, err := o.drv.RunIn(o.ctx, ns, []string{"wpa_supplicant", "-B", "-i", w.Name, "-c", confPath}, 0, nil); err != nil {
			return xerrors.ExternalToolError(fmt.Sprintf("starting wpa_supplicant for %s", w.Name), err)
		}
	}

	n.SetPhase(topo.PhaseStarted)
	log.Info("station %s started", spec.Name)
	return nil
}

// writeHostapdConf synthesizes the configuration file spec.md §4.3
// describes for an AP's master interface: interface, driver, SSID, channel,
// hw_mode, 802.11w (always ieee80211w=1), client isolation (always
// ap_isolate=0), WPS state (always wps_state=0) and the encryption lines.
// It writes no 802.11r mobility-domain and no background-scan threshold
// lines. File names include "hostapd-mn" so C10's
// TempFileGlobs sweep ("/tmp/mn-*.conf") and the process-kill pattern
// ("hostapd-mn", matched via pkill -f against the full command line
// including this path) both find it.
func writeHostapdConf(nodeName string, w *topo.WirelessIntf) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "interface=%s\n", w.Name)
	fmt.Fprintf(&b, "driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", w.SSID)
	fmt.Fprintf(&b, "channel=%d\n", w.Channel)
	fmt.Fprintf(&b, "hw_mode=%s\n", hwModeFor(w.IEEE))
	fmt.Fprintf(&b, "ieee80211w=1\n") // 802.11w management-frame protection, optional
	fmt.Fprintf(&b, "ap_isolate=0\n")
	fmt.Fprintf(&b, "wps_state=0\n")

	switch w.Encryption {
	case topo.EncWPA, topo.EncWPA2, topo.EncWPA3:
		fmt.Fprintf(&b, "wpa=2\n")
		fmt.Fprintf(&b, "wpa_key_mgmt=WPA-PSK\n")
		fmt.Fprintf(&b, "wpa_passphrase=%s\n", w.Passphrase)
		fmt.Fprintf(&b, "rsn_pairwise=CCMP\n")
	case topo.Enc8021X:
		fmt.Fprintf(&b, "wpa=2\n")
		fmt.Fprintf(&b, "wpa_key_mgmt=WPA-EAP\n")
	case topo.EncWEP:
		fmt.Fprintf(&b, "wep_default_key=0\n")
		fmt.Fprintf(&b, "wep_key0=%s\n", w.Passphrase)
	}

	path := fmt.Sprintf("/tmp/mn-hostapd-mn-%s-%s.conf", nodeName, w.Name)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}

	return path, nil
}

func hwModeFor(mode topo.IEEEMode) string {
	switch mode {
	case topo.IEEE80211a:
		return "a"
	case topo.IEEE80211b:
		return "b"
	default:
		return "g" // g/n/ac/ax/be all negotiate over the g PHY in hostapd's hw_mode vocabulary
	}
}

// writeSupplicantConf synthesizes a wpa_supplicant config from a station's
// encryption/passphrase/identity parameters (spec.md §4.3 Station variant
// "supplicant config generated from encryption/passphrase/scan
// parameters").
func writeSupplicantConf(nodeName string, w *topo.WirelessIntf) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "ctrl_interface=/var/run/wpa_supplicant\n")
	fmt.Fprintf(&b, "network={\n")
	fmt.Fprintf(&b, "\tssid=\"%s\"\n", w.SSID)

	switch w.Encryption {
	case topo.EncNone, "":
		fmt.Fprintf(&b, "\tkey_mgmt=NONE\n")
	case topo.EncWPA, topo.EncWPA2:
		fmt.Fprintf(&b, "\tkey_mgmt=WPA-PSK\n")
		fmt.Fprintf(&b, "\tpsk=\"%s\"\n", w.Passphrase)
	case topo.EncWPA3:
		fmt.Fprintf(&b, "\tkey_mgmt=SAE\n")
		fmt.Fprintf(&b, "\tpsk=\"%s\"\n", w.Passphrase)
	case topo.Enc8021X:
		fmt.Fprintf(&b, "\tkey_mgmt=WPA-EAP\n")
		fmt.Fprintf(&b, "\tidentity=\"%s\"\n", w.Identity)
	case topo.EncWEP:
		fmt.Fprintf(&b, "\tkey_mgmt=NONE\n")
		fmt.Fprintf(&b, "\twep_key0=\"%s\"\n", w.Passphrase)
	}

	fmt.Fprintf(&b, "}\n")

	path := fmt.Sprintf("/tmp/mn-wpa_supplicant-mn-%s-%s.conf", nodeName, w.Name)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}

	return path, nil
}
