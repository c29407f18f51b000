// Package beacon turns the raw variable-length I/O blobs carried by an AVL
// record into beacon sightings (C3), and classifies a sighting's MAC
// address against the known-beacon table (C4).
package beacon

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Sighting is one beacon observation extracted from a single AVL record.
// Fields are nil when the wire format did not carry them.
type Sighting struct {
	MAC         string // lowercase hex, as observed (not yet matched/canonicalized)
	RSSI        *int8
	Battery     *int
	Magnet      *byte
	Temperature *int16 // centi-degrees Celsius
	Humidity    *int
}

// ExtractFormatA decodes the standard BLE beacon array carried in IO 385:
// a leading beacon count, then per-beacon MAC/RSSI/battery/flags with
// optional temperature/humidity/magnet sub-fields gated by the flags byte.
// A beacon whose fixed fields or declared optional sub-fields do not fit
// in the remaining bytes is dropped rather than returned partially
// populated.
func ExtractFormatA(blob []byte) []Sighting {
	if len(blob) < 1 {
		return nil
	}
	numBeacons := int(blob[0])
	pos := 1
	sightings := make([]Sighting, 0, numBeacons)

	for i := 0; i < numBeacons; i++ {
		if len(blob)-pos < 9 { // 6 mac + 1 rssi + 1 battery + 1 flags
			break
		}
		macBytes := blob[pos : pos+6]
		rssi := int8(blob[pos+6])
		battery := int(blob[pos+7])
		flags := blob[pos+8]
		pos += 9

		s := Sighting{
			MAC:     strings.ToLower(hex.EncodeToString(macBytes)),
			RSSI:    &rssi,
			Battery: &battery,
		}

		ok := true
		if flags&0x01 != 0 {
			if len(blob)-pos < 2 {
				ok = false
			} else {
				t := int16(uint16(blob[pos])<<8 | uint16(blob[pos+1]))
				s.Temperature = &t
				pos += 2
			}
		}
		if ok && flags&0x02 != 0 {
			if len(blob)-pos < 1 {
				ok = false
			} else {
				h := int(blob[pos])
				s.Humidity = &h
				pos++
			}
		}
		if ok && flags&0x04 != 0 {
			if len(blob)-pos < 1 {
				ok = false
			} else {
				m := blob[pos]
				s.Magnet = &m
				pos++
			}
		}
		if !ok {
			break
		}
		sightings = append(sightings, s)
	}
	return sightings
}

// ExtractFormatB scans an opaque vendor blob (IO 10828, 10829, or 11317)
// for the hex-encoded substring of every known MAC. Multiple occurrences
// of the same MAC within one blob collapse to a single sighting. Battery
// is recovered only when two hex digits immediately precede the matched
// MAC substring.
func ExtractFormatB(blob []byte, knownMACs []string) []Sighting {
	hexStr := hex.EncodeToString(blob)
	seen := make(map[string]bool)
	var sightings []Sighting

	for _, mac := range knownMACs {
		norm := NormalizeMAC(mac)
		if len(norm) != 12 {
			continue
		}
		idx := strings.Index(hexStr, norm)
		if idx < 0 || seen[norm] {
			continue
		}
		seen[norm] = true
		s := Sighting{MAC: norm}
		if idx >= 2 {
			if b, err := strconv.ParseUint(hexStr[idx-2:idx], 16, 8); err == nil {
				battery := int(b)
				s.Battery = &battery
			}
		}
		sightings = append(sightings, s)
	}
	return sightings
}
