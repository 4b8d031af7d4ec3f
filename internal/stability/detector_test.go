package stability_test

import (
	"testing"
	"time"

	"prepline/internal/stability"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func feed(d *stability.Detector, start time.Time, step time.Duration, values ...float64) stability.Result {
	var res stability.Result
	for i, v := range values {
		res = d.Observe(start.Add(time.Duration(i)*step), v)
	}
	return res
}

func TestSustainedStableValueReportsStable(t *testing.T) {
	d := stability.New(stability.DefaultParams())
	res := feed(d, t0, 100*time.Millisecond, 100.001, 100.000, 100.002, 100.001, 100.000, 100.001)
	if !res.Stable {
		t.Fatal("expected stable after a quiet window")
	}
	if res.Value != 100.001 {
		t.Fatalf("value = %v, want latest sample", res.Value)
	}
}

func TestTooFewSamplesIsNotAJudgement(t *testing.T) {
	d := stability.New(stability.DefaultParams())
	res := feed(d, t0, 100*time.Millisecond, 100.0, 100.0, 100.0)
	if res.OK {
		t.Fatal("under min count the detector must abstain, not report unstable")
	}
	if res.Stable {
		t.Fatal("abstention must not read as stable")
	}
}

func TestDriftingValueIsUnstable(t *testing.T) {
	d := stability.New(stability.DefaultParams())
	res := feed(d, t0, 100*time.Millisecond, 100.0, 100.1, 100.2, 100.3, 100.4, 100.5)
	if !res.OK || res.Stable {
		t.Fatalf("pouring drift should be a firm unstable, got %+v", res)
	}
}

func TestHysteresisHoldsThroughSpike(t *testing.T) {
	d := stability.New(stability.DefaultParams())
	// Establish stability first.
	last := feed(d, t0, 100*time.Millisecond, 50.000, 50.001, 50.000, 50.001, 50.000, 50.001)
	if !last.Stable {
		t.Fatal("setup: expected stable")
	}
	// One outlier 200ms after the stable commit, inside the cooldown.
	res := d.Observe(t0.Add(700*time.Millisecond), 50.5)
	if !res.Stable {
		t.Fatal("a single spike inside the cooldown should be held stable")
	}
	// Spread stays wide past the cooldown: the hold must release.
	res = d.Observe(t0.Add(1200*time.Millisecond), 50.5)
	if res.Stable {
		t.Fatal("sustained disturbance past the cooldown must read unstable")
	}
}

func TestResetClearsWindow(t *testing.T) {
	d := stability.New(stability.DefaultParams())
	feed(d, t0, 100*time.Millisecond, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0)
	d.Reset()
	res := d.Observe(t0.Add(time.Second), 10.0)
	if res.OK {
		t.Fatal("after reset the detector starts from an empty window")
	}
}
