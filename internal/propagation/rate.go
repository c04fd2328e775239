package propagation

import "sort"

// RateEntry is one row of the signal->rate table: the minimum SNR (dB) at
// which this MCS/modulation is usable, and the resulting PHY rate in Mbps
// (spec.md §4.6 "Data-rate lookup").
type RateEntry struct {
	MinSNRDB float64
	MCS      int
	RateMbps float64
}

// RateTableConfig resolves the WEP3ax Open Question from spec.md §9: the
// original's data-rate table reuses legacy b/g/n rates for the "WEP3ax"
// entry, of unclear intent. Behavior is preserved behind this flag rather
// than silently dropped or silently kept.
type RateTableConfig struct {
	LegacyWEP3axRates bool
}

var rateTables map[IEEEModeKey][]RateEntry

// IEEEModeKey indexes the rate table by 802.11 generation and guard
// interval (short GI roughly doubles MCS throughput for n/ac/ax).
type IEEEModeKey struct {
	Mode     string // "a", "b", "g", "n", "ac", "ax", "be"
	ShortGI  bool
}

func init() {
	rateTables = map[IEEEModeKey][]RateEntry{
		{Mode: "b"}: {
			{MinSNRDB: 4, MCS: 0, RateMbps: 1},
			{MinSNRDB: 6, MCS: 1, RateMbps: 2},
			{MinSNRDB: 8, MCS: 2, RateMbps: 5.5},
			{MinSNRDB: 10, MCS: 3, RateMbps: 11},
		},
		{Mode: "a"}: {
			{MinSNRDB: 3, MCS: 0, RateMbps: 6},
			{MinSNRDB: 5, MCS: 1, RateMbps: 9},
			{MinSNRDB: 7, MCS: 2, RateMbps: 12},
			{MinSNRDB: 10, MCS: 3, RateMbps: 18},
			{MinSNRDB: 14, MCS: 4, RateMbps: 24},
			{MinSNRDB: 18, MCS: 5, RateMbps: 36},
			{MinSNRDB: 21, MCS: 6, RateMbps: 48},
			{MinSNRDB: 23, MCS: 7, RateMbps: 54},
		},
		{Mode: "g"}: {
			{MinSNRDB: 3, MCS: 0, RateMbps: 6},
			{MinSNRDB: 5, MCS: 1, RateMbps: 9},
			{MinSNRDB: 7, MCS: 2, RateMbps: 12},
			{MinSNRDB: 10, MCS: 3, RateMbps: 18},
			{MinSNRDB: 14, MCS: 4, RateMbps: 24},
			{MinSNRDB: 18, MCS: 5, RateMbps: 36},
			{MinSNRDB: 21, MCS: 6, RateMbps: 48},
			{MinSNRDB: 23, MCS: 7, RateMbps: 54},
		},
		{Mode: "n"}: {
			{MinSNRDB: 2, MCS: 0, RateMbps: 6.5},
			{MinSNRDB: 5, MCS: 1, RateMbps: 13},
			{MinSNRDB: 9, MCS: 2, RateMbps: 19.5},
			{MinSNRDB: 11, MCS: 3, RateMbps: 26},
			{MinSNRDB: 15, MCS: 4, RateMbps: 39},
			{MinSNRDB: 18, MCS: 5, RateMbps: 52},
			{MinSNRDB: 20, MCS: 6, RateMbps: 58.5},
			{MinSNRDB: 25, MCS: 7, RateMbps: 65},
		},
		{Mode: "n", ShortGI: true}: {
			{MinSNRDB: 2, MCS: 0, RateMbps: 7.2},
			{MinSNRDB: 5, MCS: 1, RateMbps: 14.4},
			{MinSNRDB: 9, MCS: 2, RateMbps: 21.7},
			{MinSNRDB: 11, MCS: 3, RateMbps: 28.9},
			{MinSNRDB: 15, MCS: 4, RateMbps: 43.3},
			{MinSNRDB: 18, MCS: 5, RateMbps: 57.8},
			{MinSNRDB: 20, MCS: 6, RateMbps: 65},
			{MinSNRDB: 25, MCS: 7, RateMbps: 72.2},
		},
		{Mode: "ac"}: {
			{MinSNRDB: 2, MCS: 0, RateMbps: 29.3},
			{MinSNRDB: 5, MCS: 1, RateMbps: 58.5},
			{MinSNRDB: 9, MCS: 2, RateMbps: 87.8},
			{MinSNRDB: 11, MCS: 3, RateMbps: 117},
			{MinSNRDB: 15, MCS: 4, RateMbps: 175.5},
			{MinSNRDB: 18, MCS: 5, RateMbps: 234},
			{MinSNRDB: 20, MCS: 6, RateMbps: 263.3},
			{MinSNRDB: 25, MCS: 7, RateMbps: 292.5},
			{MinSNRDB: 29, MCS: 8, RateMbps: 351},
			{MinSNRDB: 33, MCS: 9, RateMbps: 390},
		},
		{Mode: "ax"}: {
			{MinSNRDB: 2, MCS: 0, RateMbps: 40.8},
			{MinSNRDB: 5, MCS: 1, RateMbps: 81.6},
			{MinSNRDB: 9, MCS: 2, RateMbps: 122.4},
			{MinSNRDB: 11, MCS: 3, RateMbps: 163.2},
			{MinSNRDB: 15, MCS: 4, RateMbps: 244.8},
			{MinSNRDB: 18, MCS: 5, RateMbps: 326.4},
			{MinSNRDB: 20, MCS: 6, RateMbps: 367.2},
			{MinSNRDB: 25, MCS: 7, RateMbps: 408},
			{MinSNRDB: 29, MCS: 8, RateMbps: 489.6},
			{MinSNRDB: 33, MCS: 9, RateMbps: 544},
			{MinSNRDB: 36, MCS: 10, RateMbps: 612},
			{MinSNRDB: 40, MCS: 11, RateMbps: 680.4},
		},
	}

	// be (802.11be / Wi-Fi 7) extends ax's table linearly; kept separate so
	// callers asking for "be" explicitly don't silently get ax numbers.
	be := make([]RateEntry, len(rateTables[IEEEModeKey{Mode: "ax"}]))
	copy(be, rateTables[IEEEModeKey{Mode: "ax"}])
	for i := range be {
		be[i].RateMbps *= 1.2
	}
	rateTables[IEEEModeKey{Mode: "be"}] = be

	for k := range rateTables {
		sort.Slice(rateTables[k], func(i, j int) bool {
			return rateTables[k][i].MinSNRDB < rateTables[k][j].MinSNRDB
		})
	}
}

// RateFor looks up the highest rate usable at the given SNR for an 802.11
// mode, ties broken by lower MCS (spec.md §4.6). wep3ax requests are mapped
// onto the legacy "g" table when RateTableConfig.LegacyWEP3axRates is set
// (spec.md §9 Open Question), otherwise onto the "n" table as the closest
// modern legacy-compatible rate set.
func RateFor(rtc RateTableConfig, mode string, shortGI bool, snrDB float64) (RateEntry, bool) {
	if mode == "wep3ax" {
		if rtc.LegacyWEP3axRates {
			mode = "g"
			shortGI = false
		} else {
			mode = "n"
		}
	}

	table, ok := rateTables[IEEEModeKey{Mode: mode, ShortGI: shortGI}]
	if !ok {
		table, ok = rateTables[IEEEModeKey{Mode: mode}]
	}
	if !ok || len(table) == 0 {
		return RateEntry{}, false
	}

	var best RateEntry
	found := false

	for _, e := range table {
		if snrDB >= e.MinSNRDB {
			best = e
			found = true
		}
	}

	return best, found
}
