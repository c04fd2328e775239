// Package persist implements the JSON topology document of spec.md §6
// "Persisted state": version/application/controllers/hosts/stations/
// switches/aps/wlcs/links, positions stringified "x,y,z", MACs colon-hex,
// unknown fields ignored with a warning. Round-trip is a pure marshal/
// unmarshal on top of internal/topo (SPEC_FULL.md §4 domain-stack note:
// bbolt, in internal/store, is a separate local snapshot store for
// post-mortem diagnosis, not the JSON wire format).
package persist

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"apwifi/internal/minilog"
	"apwifi/internal/topo"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("persist")

// Document is the top-level persisted shape (spec.md §6).
type Document struct {
	Version     string      `json:"version"`
	Application string      `json:"application"`
	Controllers []NodeDoc   `json:"controllers"`
	Hosts       []NodeDoc   `json:"hosts"`
	Stations    []NodeDoc   `json:"stations"`
	Switches    []NodeDoc   `json:"switches"`
	APs         []NodeDoc   `json:"aps"`
	WLCs        []NodeDoc   `json:"wlcs"`
	Links       []LinkDoc   `json:"links"`
}

// NodeDoc is one persisted node: position is the stringified "x,y,z" form;
// wireless interfaces carry their own MAC/SSID/channel/mode fields.
type NodeDoc struct {
	Name     string            `json:"name"`
	Position string            `json:"position"`
	Gateway  string            `json:"gateway,omitempty"`
	Bridge   string            `json:"bridge,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Wlans    []WlanDoc         `json:"wlans,omitempty"`
}

type WlanDoc struct {
	WlanIndex  int     `json:"wlanIndex"`
	Name       string  `json:"name"`
	MAC        string  `json:"mac,omitempty"`
	Mode       string  `json:"mode"`
	SSID       string  `json:"ssid,omitempty"`
	Channel    int     `json:"channel"`
	Encryption string  `json:"encryption,omitempty"`
	TxPowerDBm float64 `json:"txpower"`
	MediumID   int     `json:"medium"`
}

type LinkDoc struct {
	Class     string  `json:"class"`
	A         string  `json:"a"`
	B         string  `json:"b,omitempty"`
	BandwidthKbit int `json:"bw,omitempty"`
	DelayMS   int     `json:"delay,omitempty"`
	JitterMS  int     `json:"jitter,omitempty"`
	LossPercent float64 `json:"loss,omitempty"`
	MaxQueue  int     `json:"maxQueue,omitempty"`
	RF        string  `json:"rf,omitempty"`
	ErrorProb float64 `json:"errorProb,omitempty"`
}

// PositionString formats a position as spec.md §6's "x,y,z".
func PositionString(p topo.Position) string {
	return fmt.Sprintf("%g,%g,%g", p.X, p.Y, p.Z)
}

// ParsePosition parses the "x,y,z" form back into a topo.Position.
func ParsePosition(s string) (topo.Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return topo.Position{}, xerrors.ConfigError(fmt.Sprintf("position %q is not \"x,y,z\"", s), nil)
	}

	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return topo.Position{}, xerrors.ConfigError(fmt.Sprintf("position %q has a non-numeric component", s), err)
		}
		vals[i] = v
	}

	return topo.Position{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}

// Save renders a Topology into its persisted JSON document form.
func Save(top *topo.Topology, application string) ([]byte, error) {
	doc := Document{
		Version:     "1",
		Application: application,
	}

	for _, n := range top.Nodes() {
		nd := NodeDoc{
			Name:     n.Name,
			Position: PositionString(n.GetPosition()),
			Gateway:  n.Gateway,
			Bridge:   n.Bridge,
			Params:   n.Params,
		}

		for _, idx := range n.Wlans() {
			id, _ := n.WlanIntf(idx)
			w, ok := top.WirelessIntf(id)
			if !ok {
				continue
			}

			nd.Wlans = append(nd.Wlans, WlanDoc{
				WlanIndex:  w.WlanIndex,
				Name:       w.Name,
				MAC:        w.MAC,
				Mode:       string(w.Mode),
				SSID:       w.SSID,
				Channel:    w.Channel,
				Encryption: string(w.Encryption),
				TxPowerDBm: w.TxPowerDBm,
				MediumID:   w.MediumID,
			})
		}

		switch n.Kind {
		case topo.KindController:
			doc.Controllers = append(doc.Controllers, nd)
		case topo.KindHost, topo.KindNAT:
			doc.Hosts = append(doc.Hosts, nd)
		case topo.KindStation:
			doc.Stations = append(doc.Stations, nd)
		case topo.KindSwitch:
			doc.Switches = append(doc.Switches, nd)
		case topo.KindAP:
			doc.APs = append(doc.APs, nd)
		case topo.KindWLC:
			doc.WLCs = append(doc.WLCs, nd)
		}
	}

	nameOf := func(ep topo.Endpoint) string {
		n, ok := top.Node(ep.Node)
		if !ok {
			return ""
		}
		return n.Name
	}

	for _, l := range top.Links() {
		ld := LinkDoc{
			Class:         string(l.Class),
			A:             nameOf(l.EndpointA),
			BandwidthKbit: l.TC.BandwidthKbit,
			DelayMS:       l.TC.DelayMS,
			JitterMS:      l.TC.JitterMS,
			LossPercent:   l.TC.LossPercent,
			MaxQueue:      l.TC.MaxQueue,
			RF:            string(l.RF),
			ErrorProb:     l.ErrorProb,
		}

		if !l.IsSingleEndpoint() {
			ld.B = nameOf(l.EndpointB)
		}

		doc.Links = append(doc.Links, ld)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, xerrors.ConfigError("marshaling topology document", err)
	}

	return out, nil
}

// Load parses a persisted JSON document, warning (not failing) on unknown
// top-level fields per spec.md §6.
func Load(data []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.ConfigError("parsing topology document", err)
	}

	known := map[string]bool{
		"version": true, "application": true, "controllers": true, "hosts": true,
		"stations": true, "switches": true, "aps": true, "wlcs": true, "links": true,
	}
	for k := range raw {
		if !known[k] {
			log.Warn("ignoring unknown top-level field %q in topology document", k)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.ConfigError("decoding topology document", err)
	}

	return &doc, nil
}
