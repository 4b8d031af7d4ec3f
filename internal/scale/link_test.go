package scale_test

import (
	"strings"
	"testing"
	"time"

	"prepline/internal/scale"
)

func TestBackoffStepClampsAtLastEntry(t *testing.T) {
	b := scale.BridgeBackoff()
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, d := range want {
		if got := b.Step(attempt); got != d {
			t.Fatalf("step(%d) = %v, want %v", attempt, got, d)
		}
	}
	if got := b.Step(-1); got != time.Second {
		t.Fatalf("step(-1) = %v", got)
	}
	var empty scale.Backoff
	if got := empty.Step(3); got != time.Second {
		t.Fatalf("empty backoff step = %v", got)
	}
}

func waitFrame(t *testing.T, frames <-chan scale.Frame, match func(scale.Frame) bool) scale.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestLinkStreamsFromSimulator(t *testing.T) {
	sim := scale.NewSimulator()
	sim.JitterG = 0
	if err := sim.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start simulator: %v", err)
	}
	defer sim.Close()
	sim.SetWeight(42.5)

	link := scale.NewLink(scale.Options{
		Addr: sim.Addr(),
		Logf: t.Logf,
	})
	frames := make(chan scale.Frame, 64)
	unsub := link.Subscribe(func(f scale.Frame) {
		select {
		case frames <- f:
		default:
		}
	})
	defer unsub()
	states := make(chan bool, 4)
	link.SubscribeState(func(connected bool) {
		select {
		case states <- connected:
		default:
		}
	})
	link.Start()
	defer link.Close()

	select {
	case connected := <-states:
		if !connected {
			t.Fatal("first state edge should be connect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}

	f := waitFrame(t, frames, func(f scale.Frame) bool { return f.HasValue })
	if f.ValueG != 42.5 || !f.DeviceStable {
		t.Fatalf("frame = %+v, want stable 42.5", f)
	}

	link.Ping()
	waitFrame(t, frames, func(f scale.Frame) bool { return !f.HasValue && f.Raw == scale.ReplyPong })

	link.Tare()
	f = waitFrame(t, frames, func(f scale.Frame) bool { return f.HasValue && f.ValueG == 0 })
	if !f.DeviceStable {
		t.Fatalf("tare frame = %+v", f)
	}
	if !strings.HasPrefix(f.Raw, "ST,") {
		t.Fatalf("tare raw = %q", f.Raw)
	}
}

func TestLinkReconnectsAfterServerRestart(t *testing.T) {
	sim := scale.NewSimulator()
	sim.JitterG = 0
	if err := sim.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	addr := sim.Addr()
	sim.SetWeight(5)

	link := scale.NewLink(scale.Options{
		Addr:    addr,
		Backoff: scale.Backoff{Steps: []time.Duration{50 * time.Millisecond}},
		Logf:    t.Logf,
	})
	states := make(chan bool, 16)
	link.SubscribeState(func(connected bool) { states <- connected })
	link.Start()
	defer link.Close()

	waitState := func(want bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case got := <-states:
				if got == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for connected=%v", want)
			}
		}
	}

	waitState(true)
	sim.Close()
	waitState(false)

	sim2 := scale.NewSimulator()
	sim2.JitterG = 0
	if err := sim2.Start(addr); err != nil {
		t.Fatalf("restart simulator: %v", err)
	}
	defer sim2.Close()
	waitState(true)
}
