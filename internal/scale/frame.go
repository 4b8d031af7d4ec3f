package scale

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one inbound line from the device. Unparseable lines keep
// their raw text and no value, so protocol messages like PONG stay
// observable to subscribers.
type Frame struct {
	Raw          string
	ValueG       float64
	Unit         string
	HasValue     bool
	DeviceStable bool
}

// Weight frames look like "ST,+0012.345 g", "US,-0.001 kg", or a bare
// "12.345 g" / "12.345". ST marks a device-side stable flag; the
// stability detector still makes its own call.
var weightFrame = regexp.MustCompile(`(?i)^(?:(ST|US|OL)\s*,\s*)?([+-]?\d+(?:\.\d+)?)\s*(G|KG)?$`)

// ParseFrame normalizes one inbound text line.
func ParseFrame(line string) Frame {
	raw := strings.TrimSpace(line)
	m := weightFrame.FindStringSubmatch(raw)
	if m == nil {
		return Frame{Raw: raw}
	}
	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Frame{Raw: raw}
	}
	unit := strings.ToLower(m[3])
	if unit == "" {
		unit = "g"
	}
	if unit == "kg" {
		value *= 1000
	}
	return Frame{
		Raw:          raw,
		ValueG:       value,
		Unit:         unit,
		HasValue:     true,
		DeviceStable: strings.EqualFold(m[1], "ST"),
	}
}

// Outbound command verbs recognized by devices and the simulator.
const (
	CmdPing    = "PING"
	CmdTare    = "TARE"
	CmdReading = "SI"

	ReplyPong = "PONG"
)
