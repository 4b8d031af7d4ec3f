package match

import (
	"regexp"
	"strings"

	"prepline/internal/domain"
)

// Parser modes for scan payloads.
const (
	ParserPlain = "plain"
	ParserGS1   = "gs1"
	ParserKV    = "kv"
)

// Normalize cleans a raw scan into a comparable token: keyboard-wedge
// control characters are stripped, whitespace collapsed, everything
// upper-cased, and the canonical id-derived prefixes folded into one
// RM:<id> form. Unstructured input passes through apart from cleanup.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	tok := strings.ToUpper(strings.TrimSpace(b.String()))
	tok = strings.Join(strings.Fields(tok), " ")
	if rest, ok := strings.CutPrefix(tok, "RM:SAMPLE-"); ok {
		return "RM:" + rest
	}
	if rest, ok := strings.CutPrefix(tok, "SAMPLE-"); ok {
		return "RM:" + rest
	}
	if rest, ok := strings.CutPrefix(tok, "S:"); ok && !strings.ContainsAny(rest, ";|") {
		return rest
	}
	return tok
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)
var trailingAlnum = regexp.MustCompile(`[A-Z0-9]+$`)

// stripStructure is the aggressive second pass: every non-alphanumeric
// rune goes, so symbology prefixes and separators cannot defeat a match.
func stripStructure(token string) string {
	return nonAlnum.ReplaceAllString(token, "")
}

// nakedCode returns the trailing alphanumeric run of a token, the last
// resort comparison for scanner noise in front of the real code.
func nakedCode(token string) string {
	return trailingAlnum.FindString(token)
}

// Pairs parses KEY:VALUE / KEY=VALUE lists separated by ';' or '|'.
// Returns nil when the token carries no structured pairs.
func Pairs(token string) map[string]string {
	if !strings.ContainsAny(token, ":=") {
		return nil
	}
	var pairs map[string]string
	for _, part := range strings.FieldsFunc(token, func(r rune) bool { return r == ';' || r == '|' }) {
		key, value, found := strings.Cut(part, ":")
		if !found {
			key, value, found = strings.Cut(part, "=")
		}
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if pairs == nil {
			pairs = map[string]string{}
		}
		pairs[key] = value
	}
	return pairs
}

// BuildAliases derives every valid scan token for a material: its
// id-derived forms, its business code, attached barcodes, and learned
// aliases. Other components resolve tokens through this set instead of
// re-deriving forms themselves.
func BuildAliases(m domain.RawMaterial, learned []domain.MaterialAlias) map[string]struct{} {
	set := map[string]struct{}{}
	add := func(raw string) {
		if tok := Normalize(raw); tok != "" {
			set[tok] = struct{}{}
		}
	}
	add(m.ID)
	add("RM:" + m.ID)
	add("sample-" + m.ID)
	add(m.Code)
	for _, bc := range m.Barcodes {
		add(bc)
	}
	for _, a := range learned {
		add(a.Token)
	}
	return set
}

// Matches reports whether a scanned string identifies the step whose
// required code, resource code and alternates are given. Matching is
// never an error: an unmatched scan returns false and the caller
// decides the consequence.
func Matches(scanned, requiredCode, rmCode string, altCodes []string) bool {
	s := Normalize(scanned)
	if s == "" {
		return false
	}
	candidates := make([]string, 0, len(altCodes)+2)
	for _, c := range append([]string{requiredCode, rmCode}, altCodes...) {
		if tok := Normalize(c); tok != "" {
			candidates = append(candidates, tok)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	probes := []string{s}
	// Structured payloads may bury the code in an F=/S= fragment or a
	// generic KEY:VALUE list; every value becomes a probe.
	for _, value := range Pairs(s) {
		probes = append(probes, Normalize(value))
	}
	for _, probe := range probes {
		if probe == "" {
			continue
		}
		for _, cand := range candidates {
			if probe == cand {
				return true
			}
			if a, b := stripStructure(probe), stripStructure(cand); a != "" && a == b {
				return true
			}
			if a, b := nakedCode(probe), nakedCode(cand); a != "" && a == b {
				return true
			}
		}
	}
	return false
}

// MatchesStep applies Matches against a persisted step. GS1 steps get
// their element string decoded first so the GTIN is compared on its
// own, not buried in the AI stream.
func MatchesStep(scanned string, st domain.Step) bool {
	if st.Parser == ParserGS1 {
		if p, ok := ParseGS1(scanned); ok && p.GTIN != "" {
			// AI 01 is always 14 digits; the stored GTIN may be the
			// unpadded EAN-13 form.
			for _, probe := range []string{p.GTIN, strings.TrimLeft(p.GTIN, "0")} {
				if Matches(probe, st.RequiredCodeValue, "RM:"+st.IngredientID, st.AltCodeValues) {
					return true
				}
			}
		}
	}
	return Matches(scanned, st.RequiredCodeValue, "RM:"+st.IngredientID, st.AltCodeValues)
}
