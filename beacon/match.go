package beacon

import "strings"

// NormalizeMAC lowercases a MAC string and strips ':' and '-' separators.
// It performs no length validation; callers check length where it
// matters (see MatchMAC and ExtractFormatB).
func NormalizeMAC(raw string) string {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func stripLeadingZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

func reverseHexBytes(s string) string {
	// s is assumed to be an even-length hex string; reverse by byte pairs.
	if len(s)%2 != 0 {
		return s
	}
	n := len(s) / 2
	out := make([]byte, 0, len(s))
	for i := n - 1; i >= 0; i-- {
		out = append(out, s[i*2], s[i*2+1])
	}
	return string(out)
}

func significantHexDigits(s string) int {
	return len(stripLeadingZeros(s))
}

// StrictPattern is one vendor-specific last-chance match rule: if
// Substring occurs anywhere in the normalized candidate, it is treated as
// a positive match for Canonical. The set lives alongside the known-beacon
// definitions as configuration, not code.
type StrictPattern struct {
	Substring string
	Canonical string
}

// MatchMAC classifies a raw observed MAC string against the known-beacon
// table, applying five ordered fuzzy rules from exact match down to
// vendor-specific substring patterns. It returns the canonical known MAC
// and true on match, or ("", false) when the sighting must be dropped.
func MatchMAC(raw string, known []string, patterns []StrictPattern) (string, bool) {
	candidate := NormalizeMAC(raw)
	if significantHexDigits(candidate) < 4 {
		return "", false
	}

	// 1. Exact match.
	for _, k := range known {
		if candidate == NormalizeMAC(k) {
			return NormalizeMAC(k), true
		}
	}

	// 2. Substring match either direction, leading zeros optionally stripped.
	if mac, ok := substringMatch(candidate, known); ok {
		return mac, true
	}

	// 3. Prefix-of-8 match.
	if len(candidate) >= 8 {
		for _, k := range known {
			nk := NormalizeMAC(k)
			if len(nk) >= 8 && candidate[:8] == nk[:8] {
				return nk, true
			}
		}
	}

	// 4. Byte-reversed candidate compared by rules 2-3.
	reversed := reverseHexBytes(candidate)
	if reversed != candidate {
		if mac, ok := substringMatch(reversed, known); ok {
			return mac, true
		}
		if len(reversed) >= 8 {
			for _, k := range known {
				nk := NormalizeMAC(k)
				if len(nk) >= 8 && reversed[:8] == nk[:8] {
					return nk, true
				}
			}
		}
	}

	// 5. Vendor-specific strict patterns, last chance.
	for _, p := range patterns {
		if strings.Contains(candidate, strings.ToLower(p.Substring)) {
			return NormalizeMAC(p.Canonical), true
		}
	}

	return "", false
}

func substringMatch(candidate string, known []string) (string, bool) {
	strippedCandidate := stripLeadingZeros(candidate)
	for _, k := range known {
		nk := NormalizeMAC(k)
		strippedKnown := stripLeadingZeros(nk)
		if strings.Contains(candidate, nk) || strings.Contains(nk, candidate) {
			return nk, true
		}
		if strings.Contains(strippedCandidate, strippedKnown) || strings.Contains(strippedKnown, strippedCandidate) {
			return nk, true
		}
	}
	return "", false
}
