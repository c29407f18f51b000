package inference

import (
	"testing"
	"time"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/state"
)

func sighting() beacon.Sighting {
	rssi := int8(-50)
	battery := 85
	return beacon.Sighting{MAC: "7cd9f407f95c", RSSI: &rssi, Battery: &battery}
}

func TestFirstSightingStoppedSetsPosition(t *testing.T) {
	p := DefaultParams()
	now := time.Unix(1720000000, 0)
	b, closed := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, now, sighting())
	if closed != nil {
		t.Fatal("no interval should close on first sighting")
	}
	if !b.Position.Set || b.Position.Lat != 32.0 || b.Position.Lng != 34.0 {
		t.Fatalf("position = %+v, want set to carrier fix", b.Position)
	}
	if b.IsPaired || b.PairingDurationSeconds != 0 {
		t.Fatalf("expected not-paired fresh beacon, got %v/%v", b.IsPaired, b.PairingDurationSeconds)
	}
	if b.Pairing.CarrierID != "350012345678901" {
		t.Fatalf("pairing carrier = %q", b.Pairing.CarrierID)
	}
}

func TestFirstSightingMovingLeavesUnsetButStartsTimer(t *testing.T) {
	p := DefaultParams()
	now := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 40, now, sighting())
	if b.Position.Set {
		t.Fatalf("position should stay UNSET when carrier is moving, got %+v", b.Position)
	}
	if b.Pairing.CarrierID != "350012345678901" || b.Pairing.Start != now {
		t.Fatalf("pairing timer should still start on first sighting: %+v", b.Pairing)
	}
}

func TestPairingMaturation(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, start, sighting())

	for i := 1; i <= 60; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		b, _ = Apply(p, b, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, now, sighting())
	}
	if !b.IsPaired {
		t.Fatalf("expected paired after 60s of continuous sighting")
	}
	if b.PairingDurationSeconds < 60 {
		t.Fatalf("duration = %v, want >= 60", b.PairingDurationSeconds)
	}
}

func TestDriftIgnored(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, start, sighting())

	// ~5.6m away, under DRIFT_M=30.
	now := start.Add(5 * time.Second)
	b2, _ := Apply(p, b, "7cd9f407f95c", "350012345678901", 32.00005, 34.0, 0, now, sighting())
	if b2.Position.Lat != b.Position.Lat || b2.Position.Lng != b.Position.Lng {
		t.Fatalf("position changed on sub-drift movement: %+v -> %+v", b.Position, b2.Position)
	}
}

func TestTowingUpdateAfterPairingMatures(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, start, sighting())
	for i := 1; i <= 61; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		b, _ = Apply(p, b, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, now, sighting())
	}
	if !b.IsPaired {
		t.Fatal("expected paired before towing test")
	}
	now := start.Add(62 * time.Second)
	b2, _ := Apply(p, b, "7cd9f407f95c", "350012345678901", 32.001, 34.001, 0, now, sighting())
	if b2.Position.Lat != 32.001 || b2.Position.Lng != 34.001 {
		t.Fatalf("expected position to move to new fix when paired, got %+v", b2.Position)
	}
}

func TestGapAndJumpResetsTimerAndMoves(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, start, sighting())
	for i := 1; i <= 61; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		b, _ = Apply(p, b, "7cd9f407f95c", "350012345678901", 32.0, 34.0, 0, now, sighting())
	}
	afterTowing := start.Add(62 * time.Second)
	b, _ = Apply(p, b, "7cd9f407f95c", "350012345678901", 32.001, 34.001, 0, afterTowing, sighting())

	// 600s gap with no sightings, then a fix tens of km away.
	later := afterTowing.Add(600 * time.Second)
	b2, _ := Apply(p, b, "7cd9f407f95c", "350012345678901", 33.0, 35.0, 0, later, sighting())
	if b2.Position.Lat != 33.0 || b2.Position.Lng != 35.0 {
		t.Fatalf("expected immediate jump after gap, got %+v", b2.Position)
	}
	if b2.Pairing.Start != later {
		t.Fatalf("expected pairing timer restarted at %v, got %v", later, b2.Pairing.Start)
	}
}

func TestCarrierChangeMidPairedResetsTimerKeepsPosition(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "A", 32.0, 34.0, 0, start, sighting())
	for i := 1; i <= 61; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		b, _ = Apply(p, b, "7cd9f407f95c", "A", 32.0, 34.0, 0, now, sighting())
	}
	if !b.IsPaired {
		t.Fatal("expected paired before carrier change")
	}
	oldPos := b.Position
	now := start.Add(62 * time.Second)
	b2, closed := Apply(p, b, "7cd9f407f95c", "B", 32.0, 34.0, 0, now, sighting())
	if b2.IsPaired {
		t.Fatal("expected is_paired=false immediately after carrier change")
	}
	if b2.PairingDurationSeconds != 0 {
		t.Fatalf("expected duration reset to 0, got %v", b2.PairingDurationSeconds)
	}
	if b2.Position.Lat != oldPos.Lat || b2.Position.Lng != oldPos.Lng {
		t.Fatalf("position must not change merely because carrier changed: %+v -> %+v", oldPos, b2.Position)
	}
	if closed == nil || closed.CarrierID != "A" {
		t.Fatalf("expected closed pairing interval for carrier A, got %+v", closed)
	}
}

func TestSpeedExactlyStopKMHCountsAsMoving(t *testing.T) {
	p := DefaultParams()
	now := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "A", 32.0, 34.0, p.StopKMH, now, sighting())
	if b.Position.Set {
		t.Fatal("speed exactly STOP_KMH must count as moving (strict <)")
	}
}

func TestDistanceExactlyDriftMSuppressesUpdate(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "A", 0, 0, 0, start, sighting())

	// Move due north by exactly DRIFT_M meters.
	dLat := p.DriftM / earthRadiusMeters * (180 / 3.14159265358979)
	now := start.Add(time.Second)
	b2, _ := Apply(p, b, "7cd9f407f95c", "A", dLat, 0, 0, now, sighting())
	if b2.Position.Lat != b.Position.Lat {
		t.Fatalf("distance exactly DRIFT_M must suppress update (strict <): moved to %+v", b2.Position)
	}
}

func TestIdempotentReplayWithinDrift(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "A", 32.0, 34.0, 0, start, sighting())
	now := start.Add(time.Second)
	b2, _ := Apply(p, b, "7cd9f407f95c", "A", 32.0, 34.0, 0, now, sighting())
	if b2.Position != b.Position {
		t.Fatalf("replaying the same fix must not change position: %+v -> %+v", b.Position, b2.Position)
	}
	if !(b2.PairingDurationSeconds > b.PairingDurationSeconds) {
		t.Fatalf("pairing duration must strictly increase on replay: %v -> %v", b.PairingDurationSeconds, b2.PairingDurationSeconds)
	}
}

func TestFixedScannerBypassOverridesMovingCarrierPairing(t *testing.T) {
	p := DefaultParams()
	start := time.Unix(1720000000, 0)
	b, _ := Apply(p, nil, "7cd9f407f95c", "A", 32.0, 34.0, 40, start, sighting())

	now := start.Add(time.Second)
	b2 := ApplyFixedScanner(b, "7cd9f407f95c", "A1", 40, -74, now, sighting())
	if !b2.Position.Set || b2.Position.Lat != 40 || b2.Position.Lng != -74 {
		t.Fatalf("expected scanner position, got %+v", b2.Position)
	}
	if b2.CarrierID != state.FixedScannerCarrierID("A1") {
		t.Fatalf("carrier id = %q", b2.CarrierID)
	}
	if !b2.IsPaired {
		t.Fatal("fixed scanner sighting must force is_paired=true")
	}

	// Subsequent moving-carrier sighting follows §4.5 normally from here:
	// carrier "A" differs from the scanner's pairing carrier, so the timer
	// resets and (not yet re-paired, no gap) the position holds.
	later := now.Add(time.Second)
	b3, _ := Apply(p, b2, "7cd9f407f95c", "A", 40.002, -74.002, 40, later, sighting())
	if b3.Position.Lat != 40 || b3.Position.Lng != -74 {
		t.Fatalf("position should hold until carrier A re-earns pairing: %+v", b3.Position)
	}
}
