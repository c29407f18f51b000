// Package webhook implements the fixed-scanner ingest endpoint: JSON
// webhook payloads from stationary BLE scanners, normalized into beacon
// sightings carrying a ground-truth anchor position.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/inference"
	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/state"
	"github.com/navixy/telemetry-broker/storage"
)

var errMalformedJSON = errors.New("webhook: malformed json")

// Handler serves the rutx11 webhook routes. It holds no state of its
// own beyond the shared State Store and Persistence Adapter.
type Handler struct {
	Store   *state.Store
	Persist storage.Adapter
	Params  inference.Params
	Now     func() time.Time
}

func NewHandler(store *state.Store, persist storage.Adapter, params inference.Params) *Handler {
	return &Handler{Store: store, Persist: persist, Params: params, Now: time.Now}
}

type rawSighting struct {
	MAC     string
	RSSI    *int8
	Battery *int
	Magnet  *byte
}

type payload struct {
	ScannerID string
	Lat       *float64
	Lng       *float64
	Sightings []rawSighting
}

// parsePayload accepts either of two webhook shapes. Format A carries a
// Streaming_Data/GPS_Monitoring/Bluetooth_Monitor envelope; format B is
// the flatter host/lat/lng/data shape. Presence of either format-A key
// distinguishes the two — format B has none of them.
func parsePayload(body []byte) (payload, error) {
	if !gjson.ValidBytes(body) {
		return payload{}, errMalformedJSON
	}
	root := gjson.ParseBytes(body)
	if root.Get("Bluetooth_Monitor").Exists() || root.Get("GPS_Monitoring").Exists() || root.Get("Streaming_Data").Exists() {
		return parseFormatA(root), nil
	}
	return parseFormatB(root), nil
}

func parseFormatA(root gjson.Result) payload {
	p := payload{ScannerID: root.Get("Streaming_Data.name").String()}
	if v := root.Get("GPS_Monitoring.latitude"); v.Exists() {
		f := v.Float()
		p.Lat = &f
	}
	if v := root.Get("GPS_Monitoring.longitude"); v.Exists() {
		f := v.Float()
		p.Lng = &f
	}
	root.Get("Bluetooth_Monitor").ForEach(func(_, item gjson.Result) bool {
		p.Sightings = append(p.Sightings, sightingFromResult(item))
		return true
	})
	return p
}

func parseFormatB(root gjson.Result) payload {
	p := payload{ScannerID: root.Get("host").String()}
	if v := root.Get("lat"); v.Exists() {
		f := v.Float()
		p.Lat = &f
	}
	if v := root.Get("lng"); v.Exists() {
		f := v.Float()
		p.Lng = &f
	}
	root.Get("data").ForEach(func(_, item gjson.Result) bool {
		p.Sightings = append(p.Sightings, sightingFromResult(item))
		return true
	})
	return p
}

func sightingFromResult(item gjson.Result) rawSighting {
	s := rawSighting{MAC: item.Get("mac").String()}
	if v := item.Get("rssi"); v.Exists() {
		r := int8(v.Int())
		s.RSSI = &r
	}
	if v := item.Get("battery"); v.Exists() {
		b := int(v.Int())
		s.Battery = &b
	}
	if v := item.Get("magnet"); v.Exists() {
		m := byte(v.Int())
		s.Magnet = &m
	}
	return s
}

// HandleScan is POST /api/rutx11. It never consults the movement-based
// inference state machine: every matched sighting sets position to the
// scanner's anchor and forces is_paired=true. Unknown MACs are still
// appended to the scan log with is_known=false.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		monitoring.WebhookRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	p, err := parsePayload(body)
	if err != nil {
		monitoring.WebhookRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if p.ScannerID == "" {
		monitoring.WebhookRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "missing scanner id")
		return
	}

	now := h.Now()
	var lat, lng float64
	havePosition := false

	h.Store.Update(func(tx *state.Tx) {
		switch {
		case p.Lat != nil && p.Lng != nil:
			lat, lng, havePosition = *p.Lat, *p.Lng, true
		default:
			if sc, ok := tx.Scanner(p.ScannerID); ok {
				lat, lng, havePosition = sc.Lat, sc.Lng, true
			}
		}

		known := tx.KnownMACs()
		patterns := tx.StrictPatterns()
		carrier := state.FixedScannerCarrierID(p.ScannerID)

		for _, s := range p.Sightings {
			if s.MAC == "" {
				monitoring.BeaconSightingsTotal.WithLabelValues("dropped").Inc()
				continue
			}
			matched, ok := beacon.MatchMAC(s.MAC, known, patterns)

			logMAC := beacon.NormalizeMAC(s.MAC)
			result := "unknown"
			if ok {
				logMAC = matched
				result = "matched"
			}
			monitoring.BeaconSightingsTotal.WithLabelValues(result).Inc()
			monitoring.Debugf("beacon_sighting mac=%s carrier=%s outcome=%s", logMAC, p.ScannerID, result)

			var evLat, evLng *float64
			if havePosition {
				latCopy, lngCopy := lat, lng
				evLat, evLng = &latCopy, &lngCopy
			}

			if ok && havePosition {
				existing, _ := tx.Beacon(matched)
				sight := beacon.Sighting{MAC: matched, RSSI: s.RSSI, Battery: s.Battery, Magnet: s.Magnet}
				updated := inference.ApplyFixedScanner(existing, matched, p.ScannerID, lat, lng, now, sight)
				tx.PutBeacon(updated)
				if err := h.Persist.UpsertBeaconPosition(updated.MAC, lat, lng, updated.CarrierID, updated.IsPaired, updated.PairingDurationSeconds, updated.Battery, updated.Magnet); err != nil {
					log.Printf("persistence_error op=upsert_beacon_position mac=%s err=%v", updated.MAC, err)
				}
			}

			ev := state.ScanEvent{
				MAC:       logMAC,
				Lat:       evLat,
				Lng:       evLng,
				CarrierID: carrier,
				RSSI:      s.RSSI,
				Battery:   s.Battery,
				Magnet:    s.Magnet,
				IsKnown:   ok,
				TS:        now,
			}
			if err := h.Persist.AppendScan(ev); err != nil {
				log.Printf("persistence_error op=append_scan mac=%s err=%v", logMAC, err)
			}
		}
	})

	monitoring.WebhookRequestsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleRegister is POST /api/rutx11/register.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScannerID string  `json:"scanner_id"`
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		Name      string  `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScannerID == "" {
		writeError(w, http.StatusBadRequest, "malformed registration")
		return
	}

	reg := &state.ScannerRegistration{ID: req.ScannerID, Lat: req.Lat, Lng: req.Lng, Name: req.Name}
	h.Store.Update(func(tx *state.Tx) {
		tx.PutScanner(reg)
	})
	if err := h.Persist.UpsertScanner(reg.ID, reg.Lat, reg.Lng, reg.Name); err != nil {
		log.Printf("persistence_error op=upsert_scanner id=%s err=%v", reg.ID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleScanners is GET /api/rutx11/scanners.
func (h *Handler) HandleScanners(w http.ResponseWriter, r *http.Request) {
	var out map[string]*state.ScannerRegistration
	h.Store.View(func(tx *state.Tx) {
		out = tx.AllScanners()
	})
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
