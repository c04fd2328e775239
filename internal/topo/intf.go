package topo

import "sync"

// WirelessMode enumerates the 802.11 interface modes from spec.md §3.
type WirelessMode string

const (
	ModeManaged    WirelessMode = "managed"
	ModeMaster     WirelessMode = "master"
	ModeAdhoc      WirelessMode = "adhoc"
	ModeMesh       WirelessMode = "mesh"
	ModeIBSS       WirelessMode = "ibss"
	Mode4AddrClient WirelessMode = "4addr-client"
	Mode4AddrAP    WirelessMode = "4addr-ap"
	ModePhyAP      WirelessMode = "phy-ap"
	ModeITS        WirelessMode = "its"
	ModeWifiDirect WirelessMode = "wifi-direct"
)

type Band int

const (
	Band20MHz  Band = 20
	Band40MHz  Band = 40
	Band80MHz  Band = 80
	Band160MHz Band = 160
)

// IEEEMode is the 802.11 PHY generation (a/b/g/n/ac/ax/be).
type IEEEMode string

const (
	IEEE80211a  IEEEMode = "a"
	IEEE80211b  IEEEMode = "b"
	IEEE80211g  IEEEMode = "g"
	IEEE80211n  IEEEMode = "n"
	IEEE80211ac IEEEMode = "ac"
	IEEE80211ax IEEEMode = "ax"
	IEEE80211be IEEEMode = "be"
)

type Encryption string

const (
	EncNone   Encryption = "none"
	EncWEP    Encryption = "wep"
	EncWPA    Encryption = "wpa"
	EncWPA2   Encryption = "wpa2"
	EncWPA3   Encryption = "wpa3"
	Enc8021X  Encryption = "8021x"
)

// Intf is a plain wired interface: assigned addresses/routes, no RF state.
type Intf struct {
	mu sync.Mutex

	ID   IntfID
	Node NodeID
	Name string
	MAC  string
	IP   string
	Up   bool

	// TC shaping, set by configWLink-equivalent for wired links.
	TC TCParams
}

// TCParams mirrors spec.md §3/§4.2's tc htb+netem hierarchy parameters.
type TCParams struct {
	BandwidthKbit int
	DelayMS       int
	JitterMS      int
	LossPercent   float64
	MaxQueue      int
}

func (t TCParams) IsZero() bool {
	return t.BandwidthKbit == 0 && t.DelayMS == 0 && t.JitterMS == 0 && t.LossPercent == 0 && t.MaxQueue == 0
}

// WirelessIntf is a radio interface bound to a Node's wlan index
// (spec.md §3 "WirelessIntf").
type WirelessIntf struct {
	mu sync.Mutex

	ID        IntfID
	Node      NodeID
	WlanIndex int
	Name      string
	MAC       string

	Mode     WirelessMode
	Channel  int
	Band     Band
	Freq     int // MHz
	IEEE     IEEEMode

	TxPowerDBm     float64
	AntennaGainDBi float64
	AntennaHeightM float64
	RangeM         float64 // derived lazily by propagation.RangeFor if zero

	SSID       string
	Encryption Encryption
	Passphrase string
	Identity   string

	MediumID int
	IFBIndex int // 0 means "no per-peer IFB shaper"

	associatedTo       *IntfID
	associatedStations map[IntfID]bool // masters only
	apsInRange         map[IntfID]bool
	stationsInRange    map[IntfID]bool
}

func NewWirelessIntf(id IntfID, node NodeID, wlanIndex int, name string) *WirelessIntf {
	return &WirelessIntf{
		ID:                 id,
		Node:               node,
		WlanIndex:          wlanIndex,
		Name:               name,
		associatedStations: make(map[IntfID]bool),
		apsInRange:         make(map[IntfID]bool),
		stationsInRange:    make(map[IntfID]bool),
	}
}

// AssociatedTo returns the peer this managed interface is associated with,
// or (InvalidIntfID, false) if disconnected. Invariant: at most one associatedTo per
// managed interface (spec.md §3).
func (w *WirelessIntf) AssociatedTo() (IntfID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.associatedTo == nil {
		return InvalidIntfID, false
	}

	return *w.associatedTo, true
}

func (w *WirelessIntf) SetAssociatedTo(peer IntfID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.associatedTo = &peer
}

func (w *WirelessIntf) ClearAssociation() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.associatedTo = nil
}

func (w *WirelessIntf) AddAssociatedStation(peer IntfID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.associatedStations[peer] = true
}

func (w *WirelessIntf) RemoveAssociatedStation(peer IntfID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.associatedStations, peer)
}

func (w *WirelessIntf) AssociatedStations() []IntfID {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]IntfID, 0, len(w.associatedStations))
	for id := range w.associatedStations {
		out = append(out, id)
	}

	return out
}

// SetInRange replaces the apsInRange/stationsInRange sets computed by the
// mobility engine for this tick (spec.md §4.7 step 3). Symmetric updates
// are the caller's responsibility: for every (i, j) pair found in range, the
// mobility coordinator calls SetInRange on both i and j.
func (w *WirelessIntf) SetInRange(aps, stations map[IntfID]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apsInRange = aps
	w.stationsInRange = stations
}

func (w *WirelessIntf) APsInRange() map[IntfID]bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[IntfID]bool, len(w.apsInRange))
	for id := range w.apsInRange {
		out[id] = true
	}

	return out
}

func (w *WirelessIntf) StationsInRange() map[IntfID]bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[IntfID]bool, len(w.stationsInRange))
	for id := range w.stationsInRange {
		out[id] = true
	}

	return out
}

func (w *WirelessIntf) IsMaster() bool {
	return w.Mode == ModeMaster || w.Mode == Mode4AddrAP || w.Mode == ModePhyAP
}
