package state

import (
	"sort"
	"sync"

	"github.com/navixy/telemetry-broker/beacon"
)

// Store is the single in-memory structure holding tracker state, beacon
// state, and the scanner registry, guarded by one mutex. Known-beacon
// definitions are loaded once at startup and are read-mostly (updatable
// via persistence), so they share the same lock rather than a separate
// one — simpler discipline for the same coarse-locking tradeoff.
type Store struct {
	mu sync.Mutex

	trackers    map[string]*TrackerState
	beacons     map[string]*BeaconState
	scanners    map[string]*ScannerRegistration
	definitions map[string]*Definition
	patterns    []beacon.StrictPattern
}

// New builds an empty Store. Callers rehydrate it from the persistence
// adapter immediately after construction.
func New() *Store {
	return &Store{
		trackers:    make(map[string]*TrackerState),
		beacons:     make(map[string]*BeaconState),
		scanners:    make(map[string]*ScannerRegistration),
		definitions: make(map[string]*Definition),
	}
}

// LoadDefinitions replaces the known-beacon definition table (called once
// at startup after the persistence adapter's load_definitions()).
func (s *Store) LoadDefinitions(defs map[string]*Definition, patterns []beacon.StrictPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions = defs
	s.patterns = patterns
}

// LoadBeacons replaces the beacon-state map at startup from persistence.
func (s *Store) LoadBeacons(beacons map[string]*BeaconState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacons = beacons
}

// LoadScanners replaces the scanner registry at startup from persistence.
func (s *Store) LoadScanners(scanners map[string]*ScannerRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanners = scanners
}

// Tx is the set of operations available while the Store's single mutex
// is held. Every compound operation (one AVL record's sightings, one
// webhook call, one HTTP snapshot) runs inside exactly one Tx so that
// readers never observe a half-updated beacon.
type Tx struct {
	s *Store
}

// Update runs fn with the Store's mutex held for its entire duration.
func (s *Store) Update(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// View is an alias of Update for read-only snapshots; readers take the
// same lock as writers rather than a separate RLock.
func (s *Store) View(fn func(tx *Tx)) {
	s.Update(fn)
}

func (tx *Tx) UpsertTracker(imei, label string, fix GPSFix) *TrackerState {
	t, ok := tx.s.trackers[imei]
	if !ok {
		t = &TrackerState{IMEI: imei}
		tx.s.trackers[imei] = t
	}
	if label != "" {
		t.Label = label
	}
	t.Fix = fix
	t.LastSeen = fix.TS
	return t
}

func (tx *Tx) Tracker(imei string) (*TrackerState, bool) {
	t, ok := tx.s.trackers[imei]
	return t, ok
}

func (tx *Tx) AllTrackers() map[string]*TrackerState {
	out := make(map[string]*TrackerState, len(tx.s.trackers))
	for k, v := range tx.s.trackers {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (tx *Tx) Beacon(mac string) (*BeaconState, bool) {
	b, ok := tx.s.beacons[mac]
	return b, ok
}

func (tx *Tx) PutBeacon(b *BeaconState) {
	tx.s.beacons[b.MAC] = b
}

func (tx *Tx) AllBeacons() map[string]*BeaconState {
	out := make(map[string]*BeaconState, len(tx.s.beacons))
	for k, v := range tx.s.beacons {
		out[k] = v.Clone()
	}
	return out
}

func (tx *Tx) Definition(mac string) (*Definition, bool) {
	d, ok := tx.s.definitions[mac]
	return d, ok
}

func (tx *Tx) AllDefinitions() map[string]*Definition {
	out := make(map[string]*Definition, len(tx.s.definitions))
	for k, v := range tx.s.definitions {
		out[k] = v
	}
	return out
}

// KnownMACs returns the sorted list of MACs present in the definition
// table (used by the MAC Matcher, C4).
func (tx *Tx) KnownMACs() []string {
	macs := make([]string, 0, len(tx.s.definitions))
	for k := range tx.s.definitions {
		macs = append(macs, k)
	}
	sort.Strings(macs)
	return macs
}

func (tx *Tx) StrictPatterns() []beacon.StrictPattern {
	return tx.s.patterns
}

func (tx *Tx) Scanner(id string) (*ScannerRegistration, bool) {
	sc, ok := tx.s.scanners[id]
	return sc, ok
}

func (tx *Tx) PutScanner(sc *ScannerRegistration) {
	tx.s.scanners[sc.ID] = sc
}

func (tx *Tx) AllScanners() map[string]*ScannerRegistration {
	out := make(map[string]*ScannerRegistration, len(tx.s.scanners))
	for k, v := range tx.s.scanners {
		cp := *v
		out[k] = &cp
	}
	return out
}
