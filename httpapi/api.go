// Package httpapi implements the HTTP read API: the fused tracker/beacon
// snapshot, manual position overrides, and scanner registry reads.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/state"
	"github.com/navixy/telemetry-broker/storage"
)

// API serves every read-side route except the /api/rutx11/* webhook
// routes, which belong to the webhook package.
type API struct {
	Store     *state.Store
	Persist   storage.Adapter
	DBEnabled bool
}

func New(store *state.Store, persist storage.Adapter, dbEnabled bool) *API {
	return &API{Store: store, Persist: persist, DBEnabled: dbEnabled}
}

// Health is GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "db_enabled": a.DBEnabled})
}

// fusedBeacons builds the merged view: in-memory beacon state over
// known-beacon definitions (as UNSET placeholders), filtered to known
// MACs only. The in-memory map already dominates persisted state by
// construction — it is seeded from persistence at startup and every
// subsequent mutation updates it in the same critical section that
// writes through to the adapter — so there is no separate disk read
// here on the hot path.
func fusedBeacons(tx *state.Tx) map[string]BeaconView {
	defs := tx.AllDefinitions()
	out := make(map[string]BeaconView, len(defs))
	for mac, def := range defs {
		b, _ := tx.Beacon(mac)
		out[mac] = beaconViewOf(mac, b, def)
	}
	return out
}

// Data is GET /data — the fused snapshot.
func (a *API) Data(w http.ResponseWriter, r *http.Request) {
	var (
		rows    []TrackerView
		beacons map[string]BeaconView
	)
	a.Store.View(func(tx *state.Tx) {
		beacons = fusedBeacons(tx)
		byCarrier := make(map[string][]string)
		for mac, v := range beacons {
			if v.CarrierID != "" {
				byCarrier[v.CarrierID] = append(byCarrier[v.CarrierID], mac)
			}
		}
		for _, t := range tx.AllTrackers() {
			tv := trackerViewOf(t)
			tv.Beacons = byCarrier[t.IMEI]
			sort.Strings(tv.Beacons)
			rows = append(rows, tv)
		}
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].IMEI < rows[j].IMEI })

	withPosition := 0
	for _, v := range beacons {
		if v.Lat != nil {
			withPosition++
		}
	}

	monitoring.TrackersKnown.Set(float64(len(rows)))
	monitoring.BeaconsKnown.Set(float64(len(beacons)))
	monitoring.BeaconsWithPosition.Set(float64(withPosition))

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"rows":              rows,
		"ble_positions":     beacons,
		"source":            "state",
		"ble_count":         len(beacons),
		"ble_with_position": withPosition,
	})
}

// BlePositions is GET /ble/positions — the beacon map keyed by MAC, built
// the same way as /data's ble_positions (known MACs only, with UNSET
// placeholders for known beacons that have no state yet).
func (a *API) BlePositions(w http.ResponseWriter, r *http.Request) {
	var beacons map[string]BeaconView
	a.Store.View(func(tx *state.Tx) {
		beacons = fusedBeacons(tx)
	})
	writeJSON(w, http.StatusOK, beacons)
}

// BleList is GET /api/ble — the same data, flattened to a list for
// ad-hoc debugging.
func (a *API) BleList(w http.ResponseWriter, r *http.Request) {
	var list []BeaconView
	a.Store.View(func(tx *state.Tx) {
		for _, v := range fusedBeacons(tx) {
			list = append(list, v)
		}
	})
	sort.Slice(list, func(i, j int) bool { return list[i].MAC < list[j].MAC })
	writeJSON(w, http.StatusOK, list)
}

// Trackers is GET /trackers and /api/trackers.
func (a *API) Trackers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]TrackerView)
	a.Store.View(func(tx *state.Tx) {
		for imei, t := range tx.AllTrackers() {
			out[imei] = trackerViewOf(t)
		}
	})
	writeJSON(w, http.StatusOK, out)
}

type setPositionRequest struct {
	MAC string  `json:"mac"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SetPosition is POST /ble/set-position. A manual override changes
// position and carrier_id only: the pairing timer, is_paired and
// pairing_duration_seconds are left exactly as they were.
func (a *API) SetPosition(w http.ResponseWriter, r *http.Request) {
	var req setPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MAC == "" {
		writeError(w, http.StatusBadRequest, "missing mac")
		return
	}

	var ok bool
	a.Store.Update(func(tx *state.Tx) {
		known := tx.KnownMACs()
		var matched string
		matched, ok = beacon.MatchMAC(req.MAC, known, tx.StrictPatterns())
		if !ok {
			return
		}
		b, existed := tx.Beacon(matched)
		if !existed {
			b = &state.BeaconState{MAC: matched}
		} else {
			b = b.Clone()
		}
		b.Position = state.Position{Lat: req.Lat, Lng: req.Lng, Set: true}
		b.CarrierID = state.ManualCarrierID
		tx.PutBeacon(b)
		if err := a.Persist.UpsertBeaconPosition(b.MAC, req.Lat, req.Lng, b.CarrierID, b.IsPaired, b.PairingDurationSeconds, b.Battery, b.Magnet); err != nil {
			log.Printf("persistence_error op=upsert_beacon_position mac=%s err=%v", b.MAC, err)
		}
	})
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown mac")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type setAllHomeRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SetAllHome is POST /ble/set-all-home — applies the same manual
// override to every known beacon.
func (a *API) SetAllHome(w http.ResponseWriter, r *http.Request) {
	var req setAllHomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	a.Store.Update(func(tx *state.Tx) {
		for mac, def := range tx.AllDefinitions() {
			b, existed := tx.Beacon(mac)
			if !existed {
				b = &state.BeaconState{MAC: def.MAC}
			} else {
				b = b.Clone()
			}
			b.Position = state.Position{Lat: req.Lat, Lng: req.Lng, Set: true}
			b.CarrierID = state.ManualCarrierID
			tx.PutBeacon(b)
			if err := a.Persist.UpsertBeaconPosition(b.MAC, req.Lat, req.Lng, b.CarrierID, b.IsPaired, b.PairingDurationSeconds, b.Battery, b.Magnet); err != nil {
				log.Printf("persistence_error op=upsert_beacon_position mac=%s err=%v", b.MAC, err)
			}
		}
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
