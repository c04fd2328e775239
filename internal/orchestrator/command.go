package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

var (
	setRe = regexp.MustCompile(`^set\.([^.]+)\.([^(]+)\(([^)]*)\)$`)
	getRe = regexp.MustCompile(`^get\.([^.]+)\.([^.]+)$`)
)

// HandleCommand dispatches one line of the socket server's line protocol
// (spec.md §6 "Socket server"): set.<node>.<method>(args), get.<node>.<attr>,
// or "<node> <shell-cmd>". The response is the return value serialized as
// UTF-8 text, matching spec.md's "connection is closed after one request."
func (o *Orchestrator) HandleCommand(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", xerrors.ConfigError("empty command", nil)
	}

	if m := setRe.FindStringSubmatch(line); m != nil {
		return o.handleSet(ctx, m[1], m[2], m[3])
	}

	if m := getRe.FindStringSubmatch(line); m != nil {
		return o.handleGet(m[1], m[2])
	}

	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 2 {
		return o.handleShell(ctx, parts[0], parts[1])
	}

	return "", xerrors.ConfigError(fmt.Sprintf("unrecognized command %q", line), nil)
}

func (o *Orchestrator) handleSet(ctx context.Context, nodeName, method, rawArgs string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, ok := o.top.NodeByName(nodeName)
	if !ok {
		return "", xerrors.ConfigError(fmt.Sprintf("set: unknown node %q", nodeName), nil)
	}

	var w *topo.WirelessIntf
	if idx, ok := n.WlanIntf(0); ok {
		w, _ = o.top.WirelessIntf(idx)
	}

	args := strings.Split(strings.TrimSpace(rawArgs), ",")
	for i := range args {
		args[i] = strings.Trim(strings.TrimSpace(args[i]), `"'`)
	}

	switch method {
	case "channel":
		if w == nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.channel: node has no wlan0", nodeName), nil)
		}
		ch, err := strconv.Atoi(args[0])
		if err != nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.channel: %v", nodeName, err), err)
		}
		if err := o.ifc.SetChannel(ctx, w, ch); err != nil {
			return "", err
		}
		o.snapshotNode(nodeName)
		return "OK", nil

	case "txpower":
		if w == nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.txpower: node has no wlan0", nodeName), nil)
		}
		dbm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.txpower: %v", nodeName, err), err)
		}
		if err := o.ifc.SetTxPower(ctx, w, dbm); err != nil {
			return "", err
		}
		o.snapshotNode(nodeName)
		return "OK", nil

	case "range":
		if w == nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.range: node has no wlan0", nodeName), nil)
		}
		meters, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", xerrors.ConfigError(fmt.Sprintf("set.%s.range: %v", nodeName, err), err)
		}
		o.ifc.SetRange(w, meters)
		o.snapshotNode(nodeName)
		return "OK", nil

	case "ip":
		if idx2, ok := n.Intf(args[0]); ok {
			intf, _ := o.top.WiredIntf(idx2)
			if err := o.ifc.SetIP(ctx, intf, args[1]); err != nil {
				return "", err
			}
			o.snapshotNode(nodeName)
			return "OK", nil
		}
		return "", xerrors.ConfigError(fmt.Sprintf("set.%s.ip: unknown interface %q", nodeName, args[0]), nil)

	default:
		return "", xerrors.ConfigError(fmt.Sprintf("set.%s.%s: unknown method", nodeName, method), nil)
	}
}

func (o *Orchestrator) handleGet(nodeName, attr string) (string, error) {
	n, ok := o.top.NodeByName(nodeName)
	if !ok {
		return "", xerrors.ConfigError(fmt.Sprintf("get: unknown node %q", nodeName), nil)
	}

	switch attr {
	case "name":
		return n.Name, nil
	case "kind":
		return string(n.Kind), nil
	case "pid":
		return strconv.Itoa(n.PID), nil
	case "gateway":
		return n.Gateway, nil
	case "bridge":
		return n.Bridge, nil
	case "position":
		p := n.GetPosition()
		return fmt.Sprintf("%g,%g,%g", p.X, p.Y, p.Z), nil
	case "phase":
		return strconv.Itoa(int(n.CurrentPhase())), nil
	case "channel":
		if idx, ok := n.WlanIntf(0); ok {
			if w, ok := o.top.WirelessIntf(idx); ok {
				return strconv.Itoa(w.Channel), nil
			}
		}
		return "", xerrors.ConfigError(fmt.Sprintf("get.%s.channel: node has no wlan0", nodeName), nil)
	case "mac":
		if idx, ok := n.WlanIntf(0); ok {
			if w, ok := o.top.WirelessIntf(idx); ok {
				return w.MAC, nil
			}
		}
		return "", xerrors.ConfigError(fmt.Sprintf("get.%s.mac: node has no wlan0", nodeName), nil)
	default:
		return "", xerrors.ConfigError(fmt.Sprintf("get.%s.%s: unknown attribute", nodeName, attr), nil)
	}
}

func (o *Orchestrator) handleShell(ctx context.Context, nodeName, cmdline string) (string, error) {
	o.mu.Lock()
	n, ok := o.top.NodeByName(nodeName)
	o.mu.Unlock()
	if !ok {
		return "", xerrors.ConfigError(fmt.Sprintf("unknown node %q", nodeName), nil)
	}

	ns := o.nsName(n.ID)

	var out strings.Builder
	_, err := o.drv.RunIn(ctx, ns, strings.Fields(cmdline), 10*time.Second, func(l string) {
		out.WriteString(l)
		out.WriteByte('\n')
	})
	if err != nil {
		return "", err
	}

	return out.String(), nil
}
