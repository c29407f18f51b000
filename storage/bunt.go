package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/state"
)

// Key namespacing follows a short prefix + ':' + identifier convention
// for each of the definition/beacon/scanner/scan/pairing-history record
// families.
const (
	prefixDefinition  = "def:"
	prefixBeacon      = "beacon:"
	prefixScanner     = "scanner:"
	prefixTracker     = "tracker:"
	prefixScan        = "scan:"
	prefixPairingHist = "pairing_history:"
	prefixPattern     = "pattern:"
)

// BuntAdapter is the shipped reference Persistence Adapter, backed by an
// embedded buntdb file used as the durable store rather than a TTL'd
// read cache.
type BuntAdapter struct {
	db *buntdb.DB
}

// OpenBunt opens (creating if necessary) a buntdb file at path.
func OpenBunt(path string) (*BuntAdapter, error) {
	db, err := buntdb.Open(sanitizePath(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open buntdb: %w", err)
	}
	return &BuntAdapter{db: db}, nil
}

func (a *BuntAdapter) Close() error { return a.db.Close() }

func (a *BuntAdapter) LoadDefinitions() (map[string]*state.Definition, error) {
	out := make(map[string]*state.Definition)
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixDefinition+"*", func(key, value string) bool {
			var d state.Definition
			if err := json.Unmarshal([]byte(value), &d); err == nil {
				out[d.MAC] = &d
			}
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return nil, err
	}
	return out, nil
}

func (a *BuntAdapter) LoadBeaconState() (map[string]*state.BeaconState, error) {
	out := make(map[string]*state.BeaconState)
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixBeacon+"*", func(key, value string) bool {
			var b state.BeaconState
			if err := json.Unmarshal([]byte(value), &b); err == nil {
				out[b.MAC] = &b
			}
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return nil, err
	}
	return out, nil
}

func (a *BuntAdapter) LoadScanners() (map[string]*state.ScannerRegistration, error) {
	out := make(map[string]*state.ScannerRegistration)
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixScanner+"*", func(key, value string) bool {
			var s state.ScannerRegistration
			if err := json.Unmarshal([]byte(value), &s); err == nil {
				out[s.ID] = &s
			}
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return nil, err
	}
	return out, nil
}

func (a *BuntAdapter) LoadStrictPatterns() ([]beacon.StrictPattern, error) {
	var out []beacon.StrictPattern
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixPattern+"*", func(key, value string) bool {
			var p beacon.StrictPattern
			if err := json.Unmarshal([]byte(value), &p); err == nil {
				out = append(out, p)
			}
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return nil, err
	}
	return out, nil
}

func (a *BuntAdapter) UpsertStrictPattern(substring, canonical string) error {
	p := beacon.StrictPattern{Substring: substring, Canonical: canonical}
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(prefixPattern+substring, string(blob), nil)
		return err
	})
}

func (a *BuntAdapter) UpsertBeaconPosition(mac string, lat, lng float64, carrierID string, isPaired bool, pairingDurationSeconds float64, battery *int, magnet *byte) error {
	b := state.BeaconState{
		MAC:                    mac,
		Position:               state.Position{Lat: lat, Lng: lng, Set: true},
		CarrierID:              carrierID,
		IsPaired:               isPaired,
		PairingDurationSeconds: pairingDurationSeconds,
		Battery:                battery,
		Magnet:                 magnet,
		LastUpdate:             NowFunc(),
	}
	blob, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(prefixBeacon+mac, string(blob), nil)
		return err
	})
}

func (a *BuntAdapter) UpsertTracker(imei, label string, lat, lng float64, speedKMH *float64, battery *int) error {
	type trackerRow struct {
		IMEI     string   `json:"imei"`
		Label    string   `json:"label"`
		Lat      float64  `json:"lat"`
		Lng      float64  `json:"lng"`
		SpeedKMH *float64 `json:"speed_kmh,omitempty"`
		Battery  *int     `json:"battery,omitempty"`
		Updated  int64    `json:"updated"`
	}
	row := trackerRow{IMEI: imei, Label: label, Lat: lat, Lng: lng, SpeedKMH: speedKMH, Battery: battery, Updated: NowFunc().Unix()}
	blob, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(prefixTracker+imei, string(blob), nil)
		return err
	})
}

func (a *BuntAdapter) AppendScan(ev state.ScanEvent) error {
	blob, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", prefixScan, ev.TS.UnixNano(), uuid.NewString())
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(blob), nil)
		return err
	})
}

func (a *BuntAdapter) UpsertScanner(scannerID string, lat, lng float64, name string) error {
	s := state.ScannerRegistration{ID: scannerID, Lat: lat, Lng: lng, Name: name}
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(prefixScanner+scannerID, string(blob), nil)
		return err
	})
}

func (a *BuntAdapter) AppendPairingHistory(entry state.PairingHistoryEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", prefixPairingHist, entry.End.UnixNano(), uuid.NewString())
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(blob), nil)
		return err
	})
}

// LoggingAdapter wraps an Adapter so every write error is logged and
// swallowed rather than propagated — persistence failure must not block
// ingest. Ingest and HTTP code call through this wrapper rather than
// checking errors from the underlying adapter themselves.
type LoggingAdapter struct {
	Inner Adapter
}

func (l LoggingAdapter) logged(op string, err error) {
	if err != nil {
		monitoring.PersistenceErrors.WithLabelValues(op).Inc()
		log.Printf("persistence_error op=%s err=%v", op, err)
	}
}

func (l LoggingAdapter) LoadDefinitions() (map[string]*state.Definition, error) {
	m, err := l.Inner.LoadDefinitions()
	l.logged("load_definitions", err)
	return m, err
}

func (l LoggingAdapter) LoadBeaconState() (map[string]*state.BeaconState, error) {
	m, err := l.Inner.LoadBeaconState()
	l.logged("load_beacon_state", err)
	return m, err
}

func (l LoggingAdapter) LoadScanners() (map[string]*state.ScannerRegistration, error) {
	m, err := l.Inner.LoadScanners()
	l.logged("load_scanners", err)
	return m, err
}

func (l LoggingAdapter) LoadStrictPatterns() ([]beacon.StrictPattern, error) {
	p, err := l.Inner.LoadStrictPatterns()
	l.logged("load_strict_patterns", err)
	return p, err
}

func (l LoggingAdapter) UpsertStrictPattern(substring, canonical string) error {
	err := l.Inner.UpsertStrictPattern(substring, canonical)
	l.logged("upsert_strict_pattern", err)
	return nil
}

func (l LoggingAdapter) UpsertBeaconPosition(mac string, lat, lng float64, carrierID string, isPaired bool, pairingDurationSeconds float64, battery *int, magnet *byte) error {
	err := l.Inner.UpsertBeaconPosition(mac, lat, lng, carrierID, isPaired, pairingDurationSeconds, battery, magnet)
	l.logged("upsert_beacon_position", err)
	return nil
}

func (l LoggingAdapter) UpsertTracker(imei, label string, lat, lng float64, speedKMH *float64, battery *int) error {
	err := l.Inner.UpsertTracker(imei, label, lat, lng, speedKMH, battery)
	l.logged("upsert_tracker", err)
	return nil
}

func (l LoggingAdapter) AppendScan(ev state.ScanEvent) error {
	err := l.Inner.AppendScan(ev)
	l.logged("append_scan", err)
	return nil
}

func (l LoggingAdapter) UpsertScanner(scannerID string, lat, lng float64, name string) error {
	err := l.Inner.UpsertScanner(scannerID, lat, lng, name)
	l.logged("upsert_scanner", err)
	return nil
}

func (l LoggingAdapter) AppendPairingHistory(entry state.PairingHistoryEntry) error {
	err := l.Inner.AppendPairingHistory(entry)
	l.logged("append_pairing_history", err)
	return nil
}

func (l LoggingAdapter) Close() error { return l.Inner.Close() }

// sanitizePath trims incidental whitespace from a storage path flag
// value before it reaches buntdb.Open.
func sanitizePath(p string) string {
	return strings.TrimSpace(p)
}
