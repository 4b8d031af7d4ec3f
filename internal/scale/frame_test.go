package scale_test

import (
	"testing"

	"prepline/internal/scale"
)

func TestParseFrame(t *testing.T) {
	cases := []struct {
		line   string
		value  float64
		unit   string
		has    bool
		stable bool
	}{
		{"ST,+0012.345 g", 12.345, "g", true, true},
		{"US,-0.120 g", -0.12, "g", true, false},
		{"ST,1.5 kg", 1500, "kg", true, true},
		{"12.345 g", 12.345, "g", true, false},
		{"12.345", 12.345, "g", true, false},
		{"  ST , +3.000 g  ", 3, "g", true, true},
		{"OL,9999.9 g", 9999.9, "g", true, false},
		{"PONG", 0, "", false, false},
		{"ERR 04", 0, "", false, false},
		{"", 0, "", false, false},
	}
	for _, c := range cases {
		f := scale.ParseFrame(c.line)
		if f.HasValue != c.has {
			t.Fatalf("%q: HasValue = %v, want %v", c.line, f.HasValue, c.has)
		}
		if !c.has {
			continue
		}
		if f.ValueG != c.value {
			t.Fatalf("%q: ValueG = %v, want %v", c.line, f.ValueG, c.value)
		}
		if f.Unit != c.unit {
			t.Fatalf("%q: Unit = %q, want %q", c.line, f.Unit, c.unit)
		}
		if f.DeviceStable != c.stable {
			t.Fatalf("%q: DeviceStable = %v, want %v", c.line, f.DeviceStable, c.stable)
		}
	}
}

func TestParseFrameKeepsRawForProtocolLines(t *testing.T) {
	f := scale.ParseFrame("PONG\r")
	if f.HasValue {
		t.Fatal("PONG is not a weight")
	}
	if f.Raw != "PONG" {
		t.Fatalf("raw = %q", f.Raw)
	}
}
