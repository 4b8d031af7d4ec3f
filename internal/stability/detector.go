// Package stability classifies a live weight stream as settled or
// still changing. Raw scale streams carry sub-milligram jitter; a bare
// spread check flaps at tolerance boundaries, so the detector holds
// its last stable verdict through a short cooldown.
package stability

import "time"

type Params struct {
	Window   time.Duration
	MinCount int
	EpsilonG float64
	Cooldown time.Duration
}

// DefaultParams matches production scale behavior at ~10 Hz sampling.
func DefaultParams() Params {
	return Params{
		Window:   1000 * time.Millisecond,
		MinCount: 5,
		EpsilonG: 0.002,
		Cooldown: 500 * time.Millisecond,
	}
}

type sample struct {
	at time.Time
	v  float64
}

// Result is the classification for one incoming sample. OK is false
// while the window holds too little evidence to say anything.
type Result struct {
	Stable bool
	Value  float64
	OK     bool
}

type Detector struct {
	params Params

	buf        []sample
	lastCommit time.Time
	lastStable bool
	haveReport bool
}

func New(params Params) *Detector {
	if params.Window <= 0 {
		params.Window = DefaultParams().Window
	}
	if params.MinCount <= 0 {
		params.MinCount = DefaultParams().MinCount
	}
	return &Detector{params: params}
}

// Observe ingests one (timestamp, weight) sample and returns the
// classification. Samples must arrive in time order; out-of-order
// timestamps are tolerated by treating them as the newest.
func (d *Detector) Observe(at time.Time, valueG float64) Result {
	d.buf = append(d.buf, sample{at: at, v: valueG})
	cutoff := at.Add(-d.params.Window)
	trim := 0
	for trim < len(d.buf) && d.buf[trim].at.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		d.buf = append(d.buf[:0], d.buf[trim:]...)
	}

	if len(d.buf) < d.params.MinCount {
		d.lastStable = false
		d.haveReport = true
		return Result{Stable: false, OK: false}
	}

	min, max := d.buf[0].v, d.buf[0].v
	for _, s := range d.buf[1:] {
		if s.v < min {
			min = s.v
		}
		if s.v > max {
			max = s.v
		}
	}
	instStable := max-min <= d.params.EpsilonG
	latest := d.buf[len(d.buf)-1].v

	if !instStable && d.haveReport && d.lastStable && at.Sub(d.lastCommit) < d.params.Cooldown {
		// Hysteresis hold: keep reporting stable through the cooldown
		// so the operator signal does not flicker at the boundary.
		return Result{Stable: true, Value: latest, OK: true}
	}

	d.lastStable = instStable
	d.haveReport = true
	if instStable {
		d.lastCommit = at
		return Result{Stable: true, Value: latest, OK: true}
	}
	return Result{Stable: false, Value: latest, OK: true}
}

// Reset clears the window, e.g. after a tare command.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
	d.lastStable = false
	d.haveReport = false
	d.lastCommit = time.Time{}
}
