package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"prepline/internal/domain"
	"prepline/internal/stability"
)

// Weighing phases for the station's active session.
const (
	PhaseIdle     = "idle"
	PhaseScanning = "scanning"
	PhaseTaring   = "taring"
	PhaseWeighing = "weighing"
	PhaseLocked   = "locked"
	PhaseDone     = "done"
)

// RuntimeState is a snapshot of the live weighing loop, safe to hand
// to UI consumers.
type RuntimeState struct {
	Phase      string       `json:"phase"`
	SessionID  string       `json:"session_id,omitempty"`
	Step       *domain.Step `json:"step,omitempty"`
	CandidateG *float64     `json:"candidate_g,omitempty"`
	LastG      *float64     `json:"last_g,omitempty"`
}

// Runtime owns the one active weighing loop per station. It feeds
// scale readings through the stability detector, gates the tare
// before each step, and triggers the hard stop on a stable overshoot.
// Readings themselves are never persisted.
type Runtime struct {
	engine   Engine
	zeroEps  float64
	detector *stability.Detector

	mu        sync.Mutex
	phase     string
	session   domain.Session
	step      domain.Step
	candidate *float64
	last      *float64
	watchers  []func(RuntimeState)
}

func NewRuntime(e Engine) *Runtime {
	params := stability.DefaultParams()
	zeroEps := 0.002
	if e.Config != nil {
		c := e.Config
		if c.Stability.WindowMs > 0 {
			params.Window = time.Duration(c.Stability.WindowMs) * time.Millisecond
		}
		if c.Stability.MinCount > 0 {
			params.MinCount = c.Stability.MinCount
		}
		if c.Stability.EpsilonG > 0 {
			params.EpsilonG = c.Stability.EpsilonG
		}
		if c.Stability.CooldownMs > 0 {
			params.Cooldown = time.Duration(c.Stability.CooldownMs) * time.Millisecond
		}
		if c.Weighing.ZeroEpsilonG > 0 {
			zeroEps = c.Weighing.ZeroEpsilonG
		}
	}
	return &Runtime{
		engine:   e,
		zeroEps:  zeroEps,
		detector: stability.New(params),
		phase:    PhaseIdle,
	}
}

// Watch registers a callback invoked with every state change. The
// callback must not block.
func (rt *Runtime) Watch(fn func(RuntimeState)) {
	rt.mu.Lock()
	rt.watchers = append(rt.watchers, fn)
	rt.mu.Unlock()
}

// Attach binds the runtime to an in-progress session and waits for
// the current step's code scan.
func (rt *Runtime) Attach(ctx context.Context, sessionID string) error {
	s, err := rt.engine.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionInProgress {
		return ErrSessionNotActive
	}
	st, err := rt.engine.currentStep(ctx, sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.session = s
	rt.step = st
	rt.phase = PhaseScanning
	rt.candidate = nil
	rt.detector.Reset()
	rt.mu.Unlock()
	rt.notify()
	return nil
}

// Scan forwards the scanned code and, on a match, moves to the taring
// gate for the unlocked step.
func (rt *Runtime) Scan(ctx context.Context, operator, raw string) (ScanResult, error) {
	rt.mu.Lock()
	if rt.phase != PhaseScanning {
		rt.mu.Unlock()
		return ScanResult{}, errors.New("not waiting for a scan")
	}
	sessionID := rt.session.ID
	rt.mu.Unlock()

	res, err := rt.engine.Scan(ctx, sessionID, operator, raw)
	if err != nil || !res.Matched {
		return res, err
	}
	rt.mu.Lock()
	rt.step = res.Step
	rt.phase = PhaseTaring
	rt.candidate = nil
	rt.detector.Reset()
	rt.mu.Unlock()
	rt.notify()
	return res, nil
}

// OnReading consumes one scale reading. In the taring gate a stable
// value within the zero epsilon opens weighing; while weighing, a
// stable value becomes the confirm candidate and a stable overshoot
// past target plus tolerance hard-stops the session.
func (rt *Runtime) OnReading(ctx context.Context, r domain.ScaleReading) error {
	if !r.HasValue {
		return nil
	}
	rt.mu.Lock()
	v := r.ValueG
	rt.last = &v

	switch rt.phase {
	case PhaseTaring:
		// A transient swing through zero while the vessel settles is
		// not a tare; the reading has to hold stable at zero.
		res := rt.detector.Observe(time.UnixMilli(r.TimestampMs), r.ValueG)
		if res.Stable && absF(res.Value) <= rt.zeroEps {
			rt.phase = PhaseWeighing
			rt.detector.Reset()
			rt.mu.Unlock()
			rt.notify()
			return nil
		}
		rt.mu.Unlock()
		return nil
	case PhaseWeighing:
		res := rt.detector.Observe(time.UnixMilli(r.TimestampMs), r.ValueG)
		if !res.Stable {
			rt.mu.Unlock()
			return nil
		}
		step := rt.step
		sessionID := rt.session.ID
		if res.Value > step.TargetQtyG+step.ToleranceAbsG {
			rt.phase = PhaseLocked
			rt.candidate = nil
			rt.mu.Unlock()
			rt.notify()
			if _, err := rt.engine.HardStop(ctx, sessionID, step.ID, res.Value); err != nil {
				return err
			}
			return nil
		}
		c := res.Value
		rt.candidate = &c
		rt.mu.Unlock()
		rt.notify()
		return nil
	default:
		rt.mu.Unlock()
		return nil
	}
}

// ConfirmCurrent confirms the latest stable candidate for the current
// step and advances the runtime to the next step or terminal phase.
func (rt *Runtime) ConfirmCurrent(ctx context.Context, operator string) (ConfirmResult, error) {
	rt.mu.Lock()
	if rt.phase != PhaseWeighing || rt.candidate == nil {
		rt.mu.Unlock()
		return ConfirmResult{}, errors.New("no stable reading to confirm")
	}
	sessionID := rt.session.ID
	stepID := rt.step.ID
	captured := *rt.candidate
	rt.mu.Unlock()

	res, err := rt.engine.ConfirmStep(ctx, sessionID, stepID, captured, operator)
	if err != nil {
		return res, err
	}
	rt.mu.Lock()
	rt.session = res.Session
	rt.candidate = nil
	rt.detector.Reset()
	switch {
	case res.Completed:
		rt.phase = PhaseDone
	case res.Session.Status != domain.SessionInProgress:
		rt.phase = PhaseIdle
	default:
		next, err := rt.engine.currentStep(ctx, sessionID)
		if err != nil {
			rt.mu.Unlock()
			return res, err
		}
		rt.step = next
		rt.phase = PhaseScanning
	}
	rt.mu.Unlock()
	rt.notify()
	return res, nil
}

// State returns a copy of the current runtime state.
func (rt *Runtime) State() RuntimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.snapshotLocked()
}

func (rt *Runtime) snapshotLocked() RuntimeState {
	st := RuntimeState{Phase: rt.phase}
	if rt.session.ID != "" {
		st.SessionID = rt.session.ID
	}
	if rt.phase == PhaseScanning || rt.phase == PhaseTaring || rt.phase == PhaseWeighing {
		step := rt.step
		st.Step = &step
	}
	if rt.candidate != nil {
		c := *rt.candidate
		st.CandidateG = &c
	}
	if rt.last != nil {
		l := *rt.last
		st.LastG = &l
	}
	return st
}

func (rt *Runtime) notify() {
	rt.mu.Lock()
	snap := rt.snapshotLocked()
	watchers := make([]func(RuntimeState), len(rt.watchers))
	copy(watchers, rt.watchers)
	rt.mu.Unlock()
	for _, fn := range watchers {
		fn(snap)
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
