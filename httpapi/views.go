package httpapi

import (
	"time"

	"github.com/navixy/telemetry-broker/state"
)

// BeaconView is the JSON projection of state.BeaconState plus its
// known-beacon metadata, used by every beacon-shaped response.
type BeaconView struct {
	MAC                    string   `json:"mac"`
	Name                   string   `json:"name,omitempty"`
	Category               string   `json:"category,omitempty"`
	Type                   string   `json:"type,omitempty"`
	Lat                    *float64 `json:"lat"`
	Lng                    *float64 `json:"lng"`
	CarrierID              string   `json:"carrier_id,omitempty"`
	LastUpdate             *int64   `json:"last_update,omitempty"`
	LastSeen               *int64   `json:"last_seen,omitempty"`
	Battery                *int     `json:"battery,omitempty"`
	RSSI                   *int8    `json:"rssi,omitempty"`
	MagnetStatus           *byte    `json:"magnet_status,omitempty"`
	IsPaired               bool     `json:"is_paired"`
	PairingDurationSeconds float64  `json:"pairing_duration_seconds"`
}

// TrackerView is the JSON projection of state.TrackerState, with the
// MACs currently attributed to this carrier folded in for the fused
// /data snapshot.
type TrackerView struct {
	IMEI       string   `json:"imei"`
	Label      string   `json:"label,omitempty"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	SpeedKMH   float64  `json:"speed_kmh"`
	Heading    float64  `json:"heading"`
	Satellites int      `json:"satellites"`
	Altitude   float64  `json:"altitude"`
	LastSeen   int64    `json:"last_seen"`
	Beacons    []string `json:"beacons,omitempty"`
}

func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	u := t.Unix()
	return &u
}

// beaconViewOf builds the view for a known MAC given its optional
// live state and its definition. def is never nil — only MACs present
// in the definition table reach this function.
func beaconViewOf(mac string, b *state.BeaconState, def *state.Definition) BeaconView {
	v := BeaconView{
		MAC:      mac,
		Name:     def.Name,
		Category: def.Category,
		Type:     def.Type,
	}
	if b == nil {
		return v
	}
	if b.Position.Set {
		lat, lng := b.Position.Lat, b.Position.Lng
		v.Lat, v.Lng = &lat, &lng
	}
	v.CarrierID = b.CarrierID
	v.LastUpdate = unixOrNil(b.LastUpdate)
	v.LastSeen = unixOrNil(b.LastSeen)
	v.Battery = b.Battery
	v.RSSI = b.RSSI
	v.MagnetStatus = b.Magnet
	v.IsPaired = b.IsPaired
	v.PairingDurationSeconds = b.PairingDurationSeconds
	return v
}

func trackerViewOf(t *state.TrackerState) TrackerView {
	return TrackerView{
		IMEI:       t.IMEI,
		Label:      t.Label,
		Lat:        t.Fix.Lat,
		Lng:        t.Fix.Lng,
		SpeedKMH:   t.Fix.SpeedKMH,
		Heading:    t.Fix.Heading,
		Satellites: t.Fix.Satellites,
		Altitude:   t.Fix.Altitude,
		LastSeen:   t.LastSeen.Unix(),
	}
}
