package match

import "strings"

const gsSeparator = '\x1d'

// GS1Payload holds the application identifiers we care about.
type GS1Payload struct {
	GTIN string
	Lot  string
}

// ParseGS1 extracts AI 01 (GTIN-14) and AI 10 (lot, variable length,
// terminated by the GS character or end of input) from a raw GS1
// element string. Works on the raw scan because the GS separator is a
// control character Normalize would strip.
func ParseGS1(raw string) (GS1Payload, bool) {
	var p GS1Payload
	s := strings.TrimPrefix(raw, "]C1") // common Code 128 symbology prefix
	i := 0
	for i+2 <= len(s) {
		ai := s[i : i+2]
		i += 2
		switch ai {
		case "01":
			if i+14 > len(s) {
				return p, p.GTIN != "" || p.Lot != ""
			}
			p.GTIN = s[i : i+14]
			i += 14
		case "10":
			end := strings.IndexByte(s[i:], gsSeparator)
			if end < 0 {
				p.Lot = s[i:]
				i = len(s)
			} else {
				p.Lot = s[i : i+end]
				i += end + 1
			}
		default:
			// Unknown AI: skip to the next GS separator, or give up.
			end := strings.IndexByte(s[i:], gsSeparator)
			if end < 0 {
				return p, p.GTIN != "" || p.Lot != ""
			}
			i += end + 1
		}
	}
	return p, p.GTIN != "" || p.Lot != ""
}
