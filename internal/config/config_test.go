package config

import (
	"testing"

	"apwifi/internal/persist"
)

func TestFromDocumentRoundTripsNodesAndLinks(t *testing.T) {
	doc := &persist.Document{
		Version:     "1",
		Application: "apwifi",
		Stations: []persist.NodeDoc{
			{
				Name:     "sta1",
				Position: "1,2,0",
				Params:   map[string]interface{}{"ip": "10.0.0.2/24"},
				Wlans: []persist.WlanDoc{
					{Name: "sta1-wlan0", Mode: "managed", SSID: "test-net", Channel: 6, TxPowerDBm: 15, MediumID: 1},
				},
			},
		},
		APs: []persist.NodeDoc{
			{Name: "ap1", Position: "0,0,0"},
		},
		Links: []persist.LinkDoc{
			{Class: "wired", A: "sta1:eth0", B: "ap1:eth0", BandwidthKbit: 1000},
		},
	}

	sc := FromDocument(doc)

	if sc.Version != "1" || sc.Application != "apwifi" {
		t.Fatalf("version/application not carried over: %+v", sc)
	}

	if len(sc.Stations) != 1 || sc.Stations[0].Name != "sta1" {
		t.Fatalf("stations not converted: %+v", sc.Stations)
	}

	if len(sc.Stations[0].Wlans) != 1 || sc.Stations[0].Wlans[0].SSID != "test-net" {
		t.Fatalf("wlan not converted: %+v", sc.Stations[0].Wlans)
	}

	if len(sc.APs) != 1 || sc.APs[0].Name != "ap1" {
		t.Fatalf("aps not converted: %+v", sc.APs)
	}

	if len(sc.Links) != 1 || sc.Links[0].A != "sta1:eth0" || sc.Links[0].BandwidthKbit != 1000 {
		t.Fatalf("links not converted: %+v", sc.Links)
	}
}

func TestFromDocumentHandlesEmptyGroups(t *testing.T) {
	sc := FromDocument(&persist.Document{Version: "1"})

	if len(sc.Stations) != 0 || len(sc.APs) != 0 || len(sc.Links) != 0 {
		t.Fatalf("expected empty scenario, got: %+v", sc)
	}
}
