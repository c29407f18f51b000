// Package storage implements the Persistence Adapter: write-through on
// every confirmed mutation, read-on-start rehydration. The backing store
// is a configuration detail; BuntAdapter below is the shipped reference
// implementation.
package storage

import (
	"time"

	"github.com/navixy/telemetry-broker/beacon"
	"github.com/navixy/telemetry-broker/state"
)

// Adapter is the persistence contract. Any backing store satisfying this
// interface is an acceptable swap-in for BuntAdapter.
type Adapter interface {
	LoadDefinitions() (map[string]*state.Definition, error)
	LoadBeaconState() (map[string]*state.BeaconState, error)
	LoadScanners() (map[string]*state.ScannerRegistration, error)

	// LoadStrictPatterns loads the vendor-specific last-chance MAC match
	// table. It lives alongside the known-beacon definitions as
	// configuration, not code.
	LoadStrictPatterns() ([]beacon.StrictPattern, error)
	UpsertStrictPattern(substring, canonical string) error

	UpsertBeaconPosition(mac string, lat, lng float64, carrierID string, isPaired bool, pairingDurationSeconds float64, battery *int, magnet *byte) error
	UpsertTracker(imei, label string, lat, lng float64, speedKMH *float64, battery *int) error
	AppendScan(ev state.ScanEvent) error
	UpsertScanner(scannerID string, lat, lng float64, name string) error

	// AppendPairingHistory is the pairing-history log, written whenever a
	// running pairing interval closes because the carrier changed.
	AppendPairingHistory(entry state.PairingHistoryEntry) error

	Close() error
}

// NowFunc is overridable in tests; production code always uses time.Now.
var NowFunc = time.Now
