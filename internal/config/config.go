// Package config loads topology/scenario configuration the way the teacher
// loads its experiment specs: a YAML file merged with environment variables
// and CLI flags via viper/cobra/pflag, decoded into typed structs with
// mapstructure (spec.md §3.3, SPEC_FULL.md §3.3).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"apwifi/internal/mobility"
	"apwifi/internal/persist"
	"apwifi/internal/propagation"
	"apwifi/internal/topo"
)

// NodeSpec is the declarative, on-disk description of one node -- the
// generic "bag of typed params" from spec.md §3 "Node" before it is bound
// into a live topo.Node by the orchestrator.
type NodeSpec struct {
	Name     string                 `yaml:"name" mapstructure:"name"`
	Kind     string                 `yaml:"kind" mapstructure:"kind"`
	Position string                 `yaml:"position" mapstructure:"position"` // "x,y,z" per spec.md §6 persisted format
	Mobile   bool                   `yaml:"mobile" mapstructure:"mobile"`
	VMin     float64                `yaml:"vmin" mapstructure:"vmin"`
	VMax     float64                `yaml:"vmax" mapstructure:"vmax"`
	Model    string                 `yaml:"model" mapstructure:"model"`
	Seed     int64                  `yaml:"seed" mapstructure:"seed"`
	Params   map[string]interface{} `yaml:"params" mapstructure:"params"`

	Wlans []WlanSpec `yaml:"wlans" mapstructure:"wlans"`
}

// WlanSpec is the declarative description of one WirelessIntf.
type WlanSpec struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	Mode       string  `yaml:"mode" mapstructure:"mode"`
	SSID       string  `yaml:"ssid" mapstructure:"ssid"`
	Channel    int     `yaml:"channel" mapstructure:"channel"`
	IEEE       string  `yaml:"ieee" mapstructure:"ieee"`
	Encryption string  `yaml:"encryption" mapstructure:"encryption"`
	Passphrase string  `yaml:"passphrase" mapstructure:"passphrase"`
	TxPowerDBm float64 `yaml:"txpower" mapstructure:"txpower"`
	AntennaGain float64 `yaml:"antennaGain" mapstructure:"antennaGain"`
	Medium     int     `yaml:"medium" mapstructure:"medium"`
}

// LinkSpec is the declarative description of one topo.Link.
type LinkSpec struct {
	Class     string  `yaml:"class" mapstructure:"class"`
	A         string  `yaml:"a" mapstructure:"a"` // "node:intf"
	B         string  `yaml:"b" mapstructure:"b"`
	BandwidthKbit int `yaml:"bw" mapstructure:"bw"`
	DelayMS   int     `yaml:"delay" mapstructure:"delay"`
	JitterMS  int     `yaml:"jitter" mapstructure:"jitter"`
	LossPercent float64 `yaml:"loss" mapstructure:"loss"`
	MaxQueue  int     `yaml:"maxQueue" mapstructure:"maxQueue"`
	RF        string  `yaml:"rf" mapstructure:"rf"`
	ErrorProb float64 `yaml:"errorProb" mapstructure:"errorProb"`
}

// Scenario is the full on-disk topology document: the YAML sibling of the
// persisted-JSON format spec.md §6 describes (same shape, different
// encoding -- internal/persist implements the JSON side for save/load).
type Scenario struct {
	Version     string     `yaml:"version" mapstructure:"version"`
	Application string     `yaml:"application" mapstructure:"application"`
	Controllers []NodeSpec `yaml:"controllers" mapstructure:"controllers"`
	Hosts       []NodeSpec `yaml:"hosts" mapstructure:"hosts"`
	Switches    []NodeSpec `yaml:"switches" mapstructure:"switches"`
	Stations    []NodeSpec `yaml:"stations" mapstructure:"stations"`
	APs         []NodeSpec `yaml:"aps" mapstructure:"aps"`
	WLCs        []NodeSpec `yaml:"wlcs" mapstructure:"wlcs"`
	NATs        []NodeSpec `yaml:"nats" mapstructure:"nats"`
	Links       []LinkSpec `yaml:"links" mapstructure:"links"`

	Topology   topo.Config         `yaml:"topology" mapstructure:"topology"`
	Propagation propagation.Config `yaml:"propagation" mapstructure:"propagation"`
	Mobility   MobilitySpec        `yaml:"mobility" mapstructure:"mobility"`
}

// MobilitySpec carries the coordinator-level mobility settings (spec.md
// §4.7): tick period and arena bounds.
type MobilitySpec struct {
	TickMS int           `yaml:"tickMS" mapstructure:"tickMS"`
	Bounds mobility.Bounds `yaml:"bounds" mapstructure:"bounds"`
}

// LoadScenario parses a YAML scenario document.
func LoadScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario YAML: %w", err)
	}
	return &s, nil
}

// FromDocument converts a persisted JSON topology document back into a
// buildable Scenario, the inverse half of the "save(json) -> clear ->
// load(json) -> save(json')" round trip of spec.md §8: the CLI's `load`
// subcommand feeds this straight into Build instead of parsing a YAML
// scenario file. Only topology, node and link data are recovered;
// process-level settings (topo.Config, propagation.Config) are not part of
// the document.
func FromDocument(doc *persist.Document) *Scenario {
	s := &Scenario{
		Version:     doc.Version,
		Application: doc.Application,
		Controllers: nodeSpecsFromDocs(doc.Controllers),
		Hosts:       nodeSpecsFromDocs(doc.Hosts),
		Switches:    nodeSpecsFromDocs(doc.Switches),
		Stations:    nodeSpecsFromDocs(doc.Stations),
		APs:         nodeSpecsFromDocs(doc.APs),
		WLCs:        nodeSpecsFromDocs(doc.WLCs),
	}

	for _, l := range doc.Links {
		s.Links = append(s.Links, LinkSpec{
			Class:         l.Class,
			A:             l.A,
			B:             l.B,
			BandwidthKbit: l.BandwidthKbit,
			DelayMS:       l.DelayMS,
			JitterMS:      l.JitterMS,
			LossPercent:   l.LossPercent,
			MaxQueue:      l.MaxQueue,
			RF:            l.RF,
			ErrorProb:     l.ErrorProb,
		})
	}

	return s
}

func nodeSpecsFromDocs(docs []persist.NodeDoc) []NodeSpec {
	var specs []NodeSpec

	for _, d := range docs {
		spec := NodeSpec{
			Name:     d.Name,
			Position: d.Position,
			Params:   d.Params,
		}

		for _, w := range d.Wlans {
			spec.Wlans = append(spec.Wlans, WlanSpec{
				Name:       w.Name,
				Mode:       w.Mode,
				SSID:       w.SSID,
				Channel:    w.Channel,
				Encryption: w.Encryption,
				TxPowerDBm: w.TxPowerDBm,
				Medium:     w.MediumID,
			})
		}

		specs = append(specs, spec)
	}

	return specs
}

// EnvKeys are the only environment variables spec.md §6 consults, for the
// optional sFlow bridge.
var EnvKeys = []string{"COLLECTOR", "SAMPLING", "POLLING"}

// Bind wires viper to read the scenario's settings from (in precedence
// order) CLI flags, environment variables (APWIFI_* plus the bare sFlow
// vars from spec.md §6), then the YAML file -- mirroring the teacher's
// root.go viper wiring (SPEC_FULL.md §3.3).
func Bind(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("APWIFI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, key := range EnvKeys {
		// Bind the bare sFlow variable name (no APWIFI_ prefix) alongside
		// viper's automatic prefixed lookup, since spec.md §6 says "no
		// others are consulted" -- these three are read as-is.
		v.BindEnv(key, key)
	}

	if flags != nil {
		v.BindPFlags(flags)
	}

	return v
}
