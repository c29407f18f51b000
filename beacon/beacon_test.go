package beacon

import (
	"encoding/hex"
	"testing"
)

func TestExtractFormatABasic(t *testing.T) {
	blob, _ := hex.DecodeString("017cd9f407f95cce5500")
	sightings := ExtractFormatA(blob)
	if len(sightings) != 1 {
		t.Fatalf("len = %d, want 1", len(sightings))
	}
	s := sightings[0]
	if s.MAC != "7cd9f407f95c" {
		t.Fatalf("mac = %q, want 7cd9f407f95c", s.MAC)
	}
	if s.RSSI == nil || *s.RSSI != -50 {
		t.Fatalf("rssi = %v, want -50", s.RSSI)
	}
	if s.Battery == nil || *s.Battery != 85 {
		t.Fatalf("battery = %v, want 85", s.Battery)
	}
	if s.Magnet != nil || s.Temperature != nil || s.Humidity != nil {
		t.Fatalf("expected no optional fields when flags=0")
	}
}

func TestExtractFormatAWithOptionalFlags(t *testing.T) {
	// flags = 0x03: temperature + humidity present, no magnet
	blob, _ := hex.DecodeString("017cd9f407f95cce5503" + "0032" + "01")
	sightings := ExtractFormatA(blob)
	if len(sightings) != 1 {
		t.Fatalf("len = %d, want 1", len(sightings))
	}
	s := sightings[0]
	if s.Temperature == nil || *s.Temperature != 0x0032 {
		t.Fatalf("temperature = %v", s.Temperature)
	}
	if s.Humidity == nil || *s.Humidity != 0x01 {
		t.Fatalf("humidity = %v", s.Humidity)
	}
	if s.Magnet != nil {
		t.Fatalf("expected no magnet byte left unconsumed into next beacon")
	}
}

func TestExtractFormatADropsPartialBeacon(t *testing.T) {
	// declares 2 beacons but only carries bytes for one full beacon
	blob, _ := hex.DecodeString("027cd9f407f95cce5500")
	sightings := ExtractFormatA(blob)
	if len(sightings) != 1 {
		t.Fatalf("len = %d, want 1 (second beacon must be dropped, not partially emitted)", len(sightings))
	}
}

func TestExtractFormatBFindsKnownMACAndBattery(t *testing.T) {
	known := []string{"7cd9f407f95c", "7cd9f4003536"}
	// battery byte 0x55 (85) immediately precedes the MAC hex substring
	blob, _ := hex.DecodeString("aa55" + "7cd9f407f95c" + "bb")
	sightings := ExtractFormatB(blob, known)
	if len(sightings) != 1 {
		t.Fatalf("len = %d, want 1", len(sightings))
	}
	if sightings[0].MAC != "7cd9f407f95c" {
		t.Fatalf("mac = %q", sightings[0].MAC)
	}
	if sightings[0].Battery == nil || *sightings[0].Battery != 0x55 {
		t.Fatalf("battery = %v, want 0x55", sightings[0].Battery)
	}
}

func TestExtractFormatBCollapsesDuplicates(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	blob, _ := hex.DecodeString("7cd9f407f95c" + "00" + "7cd9f407f95c")
	sightings := ExtractFormatB(blob, known)
	if len(sightings) != 1 {
		t.Fatalf("len = %d, want 1 (duplicate MAC in one blob collapses)", len(sightings))
	}
}

func TestMatchMACExact(t *testing.T) {
	known := []string{"7CD9F407F95C"}
	mac, ok := MatchMAC("7cd9f407f95c", known, nil)
	if !ok || mac != "7cd9f407f95c" {
		t.Fatalf("mac=%q ok=%v", mac, ok)
	}
}

func TestMatchMACSubstring(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	mac, ok := MatchMAC("f407f95c", known, nil) // substring of known
	if !ok || mac != "7cd9f407f95c" {
		t.Fatalf("mac=%q ok=%v", mac, ok)
	}
}

func TestMatchMACPrefixOf8(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	mac, ok := MatchMAC("7cd9f407ffff", known, nil)
	if !ok || mac != "7cd9f407f95c" {
		t.Fatalf("mac=%q ok=%v", mac, ok)
	}
}

func TestMatchMACReversed(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	reversed := reverseHexBytes("7cd9f407f95c")
	mac, ok := MatchMAC(reversed, known, nil)
	if !ok || mac != "7cd9f407f95c" {
		t.Fatalf("mac=%q ok=%v", mac, ok)
	}
}

func TestMatchMACStrictPattern(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	patterns := []StrictPattern{{Substring: "deadbeef", Canonical: "7cd9f407f95c"}}
	mac, ok := MatchMAC("aadeadbeefbb", known, patterns)
	if !ok || mac != "7cd9f407f95c" {
		t.Fatalf("mac=%q ok=%v", mac, ok)
	}
}

func TestMatchMACDiscardsTooShort(t *testing.T) {
	known := []string{"7cd9f407f95c"}
	_, ok := MatchMAC("00f", known, nil)
	if ok {
		t.Fatalf("expected discard for <4 significant hex digits")
	}
}

func TestMatchMACCanonicalIsStable(t *testing.T) {
	// A MAC returned as the canonical form of another string matches to
	// the same canonical form.
	known := []string{"7cd9f407f95c"}
	mac1, ok1 := MatchMAC("F407F95C", known, nil)
	if !ok1 {
		t.Fatal("expected match")
	}
	mac2, ok2 := MatchMAC(mac1, known, nil)
	if !ok2 || mac2 != mac1 {
		t.Fatalf("mac2=%q ok2=%v, want %q", mac2, ok2, mac1)
	}
}
