package propagation

import "testing"

func TestClampDistanceEdgeCase(t *testing.T) {
	if d := clampDistance(0); d != 0.1 {
		t.Fatalf("expected zero distance to clamp to 0.1, got %v", d)
	}

	if d := clampDistance(5); d != 5 {
		t.Fatalf("expected distance above the floor to pass through unchanged, got %v", d)
	}
}

func TestRSSIDecreasesWithDistance(t *testing.T) {
	cfg := Config{Model: LogDistance, Exponent: 3, NoiseThresholdDBm: -90}

	near := RSSI(cfg, 20, 2, 2, 5)
	far := RSSI(cfg, 20, 2, 2, 50)

	if far >= near {
		t.Fatalf("expected RSSI to fall off with distance: near=%v far=%v", near, far)
	}
}

func TestRSSINegativeLinkBudgetClampsToNoiseFloor(t *testing.T) {
	cfg := Config{Model: Friis, NoiseThresholdDBm: -90}

	rssi := RSSI(cfg, -40, 0, 0, 100000)

	if rssi < cfg.NoiseThresholdDBm-1-0.001 {
		t.Fatalf("expected a very weak link to clamp near the noise floor, got %v", rssi)
	}
}

func TestInRangeAgreesWithRangeFor(t *testing.T) {
	cfg := Config{Model: LogDistance, Exponent: 3, NoiseThresholdDBm: -80, FrequencyMHz: 2437}

	maxRange := RangeFor(cfg, 20, 2)

	justInside := RSSI(cfg, 20, 2, 2, maxRange*0.9)
	justOutside := RSSI(cfg, 20, 2, 2, maxRange*1.5)

	if !InRange(cfg, justInside) {
		t.Fatalf("expected a station well inside the derived range to be in range: rssi=%v threshold=%v", justInside, cfg.NoiseThresholdDBm)
	}

	if InRange(cfg, justOutside) {
		t.Fatalf("expected a station well outside the derived range to be out of range: rssi=%v threshold=%v", justOutside, cfg.NoiseThresholdDBm)
	}
}

func TestUnknownModelFallsBackToExponentFour(t *testing.T) {
	known := Config{Model: "bogus-model", NoiseThresholdDBm: -90}
	explicit := Config{Model: LogDistance, Exponent: 4, NoiseThresholdDBm: -90}

	got := pathLossDB(known, 40)
	want := pathLossDB(explicit, 40)

	if got != want {
		t.Fatalf("expected unknown model to fall back to exponent-4 log-distance loss: got %v want %v", got, want)
	}
}

func TestSNRIsSimpleDifference(t *testing.T) {
	if got := SNR(-60, -90); got != 30 {
		t.Fatalf("expected snr(-60,-90) == 30, got %v", got)
	}
}

func TestRateForPicksHighestUsableMCS(t *testing.T) {
	rtc := RateTableConfig{}

	entry, ok := RateFor(rtc, "n", false, 19)
	if !ok {
		t.Fatal("expected a usable rate at 19dB SNR for mode n")
	}

	if entry.MCS != 5 {
		t.Fatalf("expected MCS 5 at 19dB SNR, got MCS %d (%v Mbps)", entry.MCS, entry.RateMbps)
	}
}

func TestRateForBelowFloorIsUnusable(t *testing.T) {
	rtc := RateTableConfig{}

	if _, ok := RateFor(rtc, "ac", false, -5); ok {
		t.Fatal("expected no usable rate below the lowest MCS floor")
	}
}

func TestRateForWEP3axHonorsLegacyFlag(t *testing.T) {
	legacy, ok := RateFor(RateTableConfig{LegacyWEP3axRates: true}, "wep3ax", false, 20)
	if !ok {
		t.Fatal("expected legacy wep3ax lookup to resolve")
	}

	modern, ok := RateFor(RateTableConfig{LegacyWEP3axRates: false}, "wep3ax", false, 20)
	if !ok {
		t.Fatal("expected modern wep3ax lookup to resolve")
	}

	if legacy.RateMbps == modern.RateMbps {
		t.Fatalf("expected the legacy and modern wep3ax mappings to diverge at this SNR, both gave %v Mbps", legacy.RateMbps)
	}
}

func TestShortGIBeatsLongGIAtSameSNR(t *testing.T) {
	rtc := RateTableConfig{}

	longGI, _ := RateFor(rtc, "n", false, 19)
	shortGI, _ := RateFor(rtc, "n", true, 19)

	if shortGI.RateMbps <= longGI.RateMbps {
		t.Fatalf("expected short guard interval to yield a higher rate at the same SNR: long=%v short=%v", longGI.RateMbps, shortGI.RateMbps)
	}
}
