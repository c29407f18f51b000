package inference

import (
	"time"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/state"
)

// PairingClosed describes a continuous-pairing interval that just ended
// because the carrier changed mid-pairing; feeds the pairing-history
// log and is never read back by the engine.
type PairingClosed struct {
	MAC       string
	CarrierID string
	Start     time.Time
	End       time.Time
	StartPos  state.Position
	EndPos    state.Position
}

// Apply runs one beacon sighting through the position-inference state
// machine. existing is nil on the very first sighting of this MAC. It
// returns the beacon's new state (never mutates existing in place, so
// callers holding a Store lock can decide atomically whether to persist)
// and, when a running pairing interval was just closed by a carrier
// change, the closed interval for the supplemented history log.
func Apply(params Params, existing *state.BeaconState, mac, carrierID string, carrierLat, carrierLng, speedKMH float64, now time.Time, sighting beacon.Sighting) (*state.BeaconState, *PairingClosed) {
	if existing == nil {
		b := &state.BeaconState{MAC: mac}
		applySticky(b, sighting)
		b.LastSeen = now
		b.LastUpdate = now
		if speedKMH < params.StopKMH {
			b.Position = state.Position{Lat: carrierLat, Lng: carrierLng, Set: true}
			b.CarrierID = carrierID
		} else {
			b.Position = state.Position{Set: false}
		}
		b.Pairing = state.Pairing{CarrierID: carrierID, Start: now}
		b.IsPaired = false
		b.PairingDurationSeconds = 0
		return b, nil
	}

	b := existing.Clone()
	oldLastSeen := existing.LastSeen
	oldPos := existing.Position

	applySticky(b, sighting)
	b.LastSeen = now

	closed := updatePairing(b, mac, carrierID, now, params.PairSec)

	if !oldPos.Set {
		if speedKMH < params.StopKMH {
			b.Position = state.Position{Lat: carrierLat, Lng: carrierLng, Set: true}
			b.CarrierID = carrierID
			b.LastUpdate = now
		}
		return b, closed
	}

	d := HaversineMeters(oldPos.Lat, oldPos.Lng, carrierLat, carrierLng)
	gap := now.Sub(oldLastSeen)

	switch {
	case d < params.DriftM:
		// Drift suppression: pairing state already updated above.
	case gap > params.GapSec && d > params.JumpM:
		b.Position = state.Position{Lat: carrierLat, Lng: carrierLng, Set: true}
		b.CarrierID = carrierID
		b.LastUpdate = now
		b.Pairing = state.Pairing{CarrierID: carrierID, Start: now}
		b.IsPaired = true
		b.PairingDurationSeconds = 0
	case b.IsPaired:
		b.Position = state.Position{Lat: carrierLat, Lng: carrierLng, Set: true}
		b.CarrierID = carrierID
		b.LastUpdate = now
	default:
		// Movement seen but not yet paired long enough: leave position alone.
	}

	return b, closed
}

// updatePairing resets the timer when the carrier changed since the last
// sighting, otherwise advances duration/is_paired. It returns a
// PairingClosed when a reset occurred, so the caller can log the
// just-ended interval.
func updatePairing(b *state.BeaconState, mac, carrierID string, now time.Time, pairSec time.Duration) *PairingClosed {
	if b.Pairing.CarrierID != carrierID {
		var closed *PairingClosed
		if b.Pairing.CarrierID != "" {
			closed = &PairingClosed{
				MAC:       mac,
				CarrierID: b.Pairing.CarrierID,
				Start:     b.Pairing.Start,
				End:       now,
				StartPos:  b.Position,
				EndPos:    b.Position,
			}
		}
		b.Pairing = state.Pairing{CarrierID: carrierID, Start: now}
		b.IsPaired = false
		b.PairingDurationSeconds = 0
		return closed
	}
	dur := now.Sub(b.Pairing.Start)
	b.PairingDurationSeconds = dur.Seconds()
	b.IsPaired = dur >= pairSec
	return nil
}

func applySticky(b *state.BeaconState, s beacon.Sighting) {
	if s.RSSI != nil {
		v := *s.RSSI
		b.RSSI = &v
	}
	if s.Battery != nil {
		v := *s.Battery
		b.Battery = &v
	}
	if s.Magnet != nil {
		v := *s.Magnet
		b.Magnet = &v
	}
}

// ApplyFixedScanner implements the fixed-scanner bypass rule: the
// position is set to the scanner's anchor immediately, is_paired is
// forced true, and the Apply state machine is not consulted. It mutates
// nothing in place; callers persist the returned state.
func ApplyFixedScanner(existing *state.BeaconState, mac, scannerID string, scannerLat, scannerLng float64, now time.Time, sighting beacon.Sighting) *state.BeaconState {
	var b *state.BeaconState
	if existing != nil {
		b = existing.Clone()
	} else {
		b = &state.BeaconState{MAC: mac}
	}
	applySticky(b, sighting)
	b.LastSeen = now
	b.LastUpdate = now
	b.Position = state.Position{Lat: scannerLat, Lng: scannerLng, Set: true}
	b.CarrierID = state.FixedScannerCarrierID(scannerID)
	b.Pairing = state.Pairing{CarrierID: b.CarrierID, Start: now}
	b.IsPaired = true
	b.PairingDurationSeconds = 0
	return b
}
