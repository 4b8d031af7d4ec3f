// Package engine drives the preparation session state machine. Every
// mutation runs in its own transaction with its audit events appended
// in the same transaction, so the trail can never drift from the state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"prepline/internal/config"
	"prepline/internal/domain"
	"prepline/internal/events"
	"prepline/internal/match"
	"prepline/internal/plan"
	"prepline/internal/repo"
)

var (
	// ErrActiveSessionExists refuses a second concurrent in-progress
	// session for the same formula.
	ErrActiveSessionExists = errors.New("an in-progress session already exists for this formula")
	// ErrSessionLocked means the session hard-stopped and only a
	// supervisor override can move it.
	ErrSessionLocked = errors.New("session is locked pending supervisor override")
	// ErrSessionNotActive rejects mutations on terminal sessions.
	ErrSessionNotActive = errors.New("session is not in progress")
	// ErrStepOrder enforces strict step sequencing.
	ErrStepOrder = errors.New("step is not the current pending step")
	// ErrStepNotUnlocked refuses a capture on a step whose code was
	// never scanned.
	ErrStepNotUnlocked = errors.New("step has not been unlocked by a code scan")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Index  *match.Index
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) planner() plan.Builder {
	b := plan.Builder{
		Materials: func(id string) (domain.RawMaterial, bool) {
			m, err := e.Repo.GetRawMaterial(context.Background(), id)
			if err != nil {
				return domain.RawMaterial{}, false
			}
			return m, true
		},
		Aliases: func(id string) []domain.MaterialAlias {
			aliases, err := e.Repo.ListAliases(context.Background(), id)
			if err != nil {
				return nil
			}
			return aliases
		},
	}
	if e.Config != nil {
		b.Defaults = plan.Defaults{
			TolerancePct:     e.Config.Weighing.TolerancePct,
			ToleranceMinAbsG: e.Config.Weighing.ToleranceMinAbsG,
		}
	}
	return b
}

// PlanPreview resolves the step plan for a formula without opening a
// session.
func (e Engine) PlanPreview(ctx context.Context, formulaID string, override *plan.BatchOverride) ([]domain.StepPlanLine, error) {
	f, err := e.Repo.GetFormula(ctx, formulaID)
	if err != nil {
		return nil, err
	}
	return e.planner().Build(f, override)
}

// LearnAlias records a scan token for a material and refreshes the
// alias index.
func (e Engine) LearnAlias(ctx context.Context, materialID, token string) error {
	if _, err := e.Repo.GetRawMaterial(ctx, materialID); err != nil {
		return err
	}
	norm := match.Normalize(token)
	if norm == "" {
		return errors.New("token is required")
	}
	if err := e.Repo.AddAlias(ctx, nil, domain.MaterialAlias{
		RawMaterialID: materialID,
		Token:         norm,
		LearnedAt:     e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return e.RebuildIndex(ctx)
}

// RebuildIndex refreshes the alias index after material or alias
// writes. A nil index is a no-op for callers that never scan.
func (e Engine) RebuildIndex(ctx context.Context) error {
	if e.Index == nil {
		return nil
	}
	return e.Index.Rebuild(ctx)
}

// StartOptions are parameters for opening a session.
type StartOptions struct {
	FormulaID string
	Operator  string
	Override  *plan.BatchOverride
}

// StartSession resolves the full step plan first and only then opens
// the session, so an unresolvable formula line can never leave a
// half-built session behind.
func (e Engine) StartSession(ctx context.Context, opts StartOptions) (domain.Session, []domain.Step, error) {
	if opts.FormulaID == "" {
		return domain.Session{}, nil, errors.New("formula is required")
	}
	if opts.Operator == "" {
		return domain.Session{}, nil, errors.New("operator is required")
	}
	f, err := e.Repo.GetFormula(ctx, opts.FormulaID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if _, err := e.Repo.ActiveSession(ctx, f.ID); err == nil {
		return domain.Session{}, nil, ErrActiveSessionExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, nil, err
	}

	lines, err := e.planner().Build(f, opts.Override)
	if err != nil {
		return domain.Session{}, nil, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:        uuid.NewString(),
		FormulaID: f.ID,
		Operator:  opts.Operator,
		Status:    domain.SessionInProgress,
		StartedAt: now,
	}
	if f.VersionID != "" {
		v := f.VersionID
		s.FormulaVersionID = &v
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, nil, err
	}
	defer tx.Rollback()

	s.AttemptNo, err = e.Repo.NextAttemptNo(ctx, tx, f.ID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, nil, fmt.Errorf("insert session: %w", err)
	}
	steps := make([]domain.Step, 0, len(lines))
	for _, ln := range lines {
		st := domain.Step{
			ID:                 uuid.NewString(),
			SessionID:          s.ID,
			Sequence:           ln.Sequence,
			IngredientID:       ln.IngredientID,
			DisplayName:        ln.DisplayName,
			RequiredCodeValue:  ln.RequiredCode,
			AltCodeValues:      ln.AltCodes,
			AllowedSymbologies: ln.AllowedSymbologies,
			Parser:             ln.Parser,
			TargetQtyG:         ln.TargetQtyG,
			ToleranceAbsG:      ln.EffectiveToleranceG(),
			Status:             domain.StepPending,
		}
		if err := e.Repo.InsertStep(ctx, tx, st); err != nil {
			return domain.Session{}, nil, fmt.Errorf("insert step %d: %w", st.Sequence, err)
		}
		steps = append(steps, st)
	}
	if err := e.Events.Append(ctx, tx, s.ID, opts.Operator, domain.ActionSessionStart, events.EventPayload{
		"formula_id": f.ID,
		"attempt_no": s.AttemptNo,
		"steps":      len(steps),
	}); err != nil {
		return domain.Session{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, nil, err
	}
	return s, steps, nil
}

// ScanResult reports a scan attempt against the current step.
type ScanResult struct {
	Matched bool        `json:"matched"`
	Step    domain.Step `json:"step"`
	Learned bool        `json:"learned"`
}

// Scan checks a scanned code against the current pending step. A
// mismatch is audited but changes no session or step state; the
// operator simply scans again.
func (e Engine) Scan(ctx context.Context, sessionID, operator, raw string) (ScanResult, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return ScanResult{}, err
	}
	if err := activeOnly(s); err != nil {
		return ScanResult{}, err
	}
	st, err := e.currentStep(ctx, sessionID)
	if err != nil {
		return ScanResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ScanResult{}, err
	}
	defer tx.Rollback()

	if !match.MatchesStep(raw, st) {
		if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionScanMismatch, events.EventPayload{
			"step_id":  st.ID,
			"sequence": st.Sequence,
			"scanned":  match.Normalize(raw),
			"expected": st.RequiredCodeValue,
		}); err != nil {
			return ScanResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ScanResult{}, err
		}
		return ScanResult{Matched: false, Step: st}, nil
	}

	res := ScanResult{Matched: true}
	now := e.now().UTC().Format(time.RFC3339)
	token := match.Normalize(raw)
	if token != match.Normalize(st.RequiredCodeValue) {
		if err := e.Repo.AddAlias(ctx, tx, domain.MaterialAlias{
			RawMaterialID: st.IngredientID,
			Token:         token,
			LearnedAt:     now,
		}); err != nil {
			return ScanResult{}, err
		}
		res.Learned = true
	}
	// The unlock is persisted on the step so ConfirmStep can refuse a
	// capture that was never preceded by a matching scan.
	st.UnlockedAt = &now
	if st.Parser == match.ParserGS1 {
		if p, ok := match.ParseGS1(raw); ok && p.Lot != "" {
			lot := p.Lot
			st.LotID = &lot
		}
	}
	if err := e.Repo.UpdateStep(ctx, tx, st); err != nil {
		return ScanResult{}, err
	}
	res.Step = st
	payload := events.EventPayload{
		"step_id":  st.ID,
		"sequence": st.Sequence,
		"scanned":  token,
	}
	if st.LotID != nil {
		payload["lot"] = *st.LotID
	}
	if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionStepUnlocked, payload); err != nil {
		return ScanResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScanResult{}, err
	}
	if res.Learned && e.Index != nil {
		if err := e.Index.Rebuild(ctx); err != nil {
			return ScanResult{}, err
		}
	}
	return res, nil
}

// ConfirmResult reports the outcome of a confirmed capture.
type ConfirmResult struct {
	Step      domain.Step           `json:"step"`
	Session   domain.Session        `json:"session"`
	Completed bool                  `json:"completed"`
	Batch     *domain.ProducedBatch `json:"batch,omitempty"`
}

// ConfirmStep snapshots the stable captured value onto the
// scan-unlocked current step. In tolerance it advances; on the last
// step it completes the session and produces the output batch. Out of
// tolerance it fails the session and leaves the step pending.
func (e Engine) ConfirmStep(ctx context.Context, sessionID, stepID string, capturedG float64, operator string) (ConfirmResult, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := activeOnly(s); err != nil {
		return ConfirmResult{}, err
	}
	steps, err := e.Repo.StepsBySession(ctx, sessionID)
	if err != nil {
		return ConfirmResult{}, err
	}
	current, remaining := firstPending(steps)
	if current == nil {
		return ConfirmResult{}, errors.New("session has no pending step")
	}
	if stepID != "" && stepID != current.ID {
		return ConfirmResult{}, ErrStepOrder
	}
	if current.UnlockedAt == nil {
		return ConfirmResult{}, ErrStepNotUnlocked
	}
	st := *current

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer tx.Rollback()

	delta := math.Abs(capturedG - st.TargetQtyG)
	if delta > st.ToleranceAbsG {
		// The refused capture is not committed: the step stays
		// pending so a fresh attempt can weigh it again.
		s.Status = domain.SessionFailed
		s.EndedAt = &now
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return ConfirmResult{}, err
		}
		if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionFail, events.EventPayload{
			"step_id":  st.ID,
			"sequence": st.Sequence,
			"captured": capturedG,
			"target":   st.TargetQtyG,
			"variance": capturedG - st.TargetQtyG,
			"reason":   "out_of_tolerance",
		}); err != nil {
			return ConfirmResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Step: st, Session: s}, nil
	}

	st.CapturedQtyG = &capturedG
	st.CapturedAt = &now
	st.Status = domain.StepOK
	if err := e.Repo.UpdateStep(ctx, tx, st); err != nil {
		return ConfirmResult{}, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionStepOK, events.EventPayload{
		"step_id":  st.ID,
		"sequence": st.Sequence,
		"captured": capturedG,
		"target":   st.TargetQtyG,
		"variance": capturedG - st.TargetQtyG,
	}); err != nil {
		return ConfirmResult{}, err
	}

	res := ConfirmResult{Step: st, Session: s}
	if remaining == 0 {
		s.Status = domain.SessionCompleted
		s.EndedAt = &now
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return ConfirmResult{}, err
		}
		if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionSessionComplete, events.EventPayload{
			"attempt_no": s.AttemptNo,
		}); err != nil {
			return ConfirmResult{}, err
		}
		batch, err := e.produceBatch(ctx, tx, s, replaceStep(steps, st), operator)
		if err != nil {
			return ConfirmResult{}, err
		}
		res.Completed = true
		res.Batch = &batch
		res.Session = s
	}
	if err := tx.Commit(); err != nil {
		return ConfirmResult{}, err
	}
	res.Session = s
	return res, nil
}

// produceBatch derives the output batch record from the completed
// steps, inside the completing transaction.
func (e Engine) produceBatch(ctx context.Context, tx *sql.Tx, s domain.Session, steps []domain.Step, operator string) (domain.ProducedBatch, error) {
	station := "station"
	if e.Config != nil && e.Config.Station.ID != "" {
		station = e.Config.Station.ID
	}
	b := domain.ProducedBatch{
		ID:               uuid.NewString(),
		SourceTag:        fmt.Sprintf("prep:%s", station),
		TraceTag:         fmt.Sprintf("%s/%d", s.FormulaID, s.AttemptNo),
		SessionID:        s.ID,
		FormulaID:        s.FormulaID,
		FormulaVersionID: s.FormulaVersionID,
		ProducedAt:       e.now().UTC().Format(time.RFC3339),
	}
	for _, st := range steps {
		if st.Status != domain.StepOK || st.CapturedQtyG == nil {
			continue
		}
		b.TraceLines = append(b.TraceLines, domain.TraceLine{
			BatchID:       b.ID,
			Sequence:      st.Sequence,
			RawMaterialID: st.IngredientID,
			LotID:         st.LotID,
			QtyPlanned:    st.TargetQtyG,
			QtyActual:     *st.CapturedQtyG,
			UOM:           "g",
		})
	}
	if err := e.Repo.InsertProducedBatch(ctx, tx, b); err != nil {
		return domain.ProducedBatch{}, fmt.Errorf("insert produced batch: %w", err)
	}
	if err := e.Events.Append(ctx, tx, s.ID, operator, domain.ActionBatchProduced, events.EventPayload{
		"batch_id":    b.ID,
		"trace_tag":   b.TraceTag,
		"trace_lines": len(b.TraceLines),
	}); err != nil {
		return domain.ProducedBatch{}, err
	}
	return b, nil
}

// MarkFailed ends the session as failed, or hard-locks it when hard is
// set. A hard stop leaves the session waiting for supervisor override.
func (e Engine) MarkFailed(ctx context.Context, sessionID, operator, reason string, hard bool) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := activeOnly(s); err != nil {
		return domain.Session{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	action := domain.ActionFail
	if hard {
		s.Status = domain.SessionLockedFailed
		action = domain.ActionHardStop
	} else {
		s.Status = domain.SessionFailed
		s.EndedAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, operator, action, events.EventPayload{"reason": reason}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// HardStop locks the session after a stable gross overshoot on the
// current step. Material is already in the vessel; no rescan or
// confirm can proceed until a supervisor overrides.
func (e Engine) HardStop(ctx context.Context, sessionID, stepID string, valueG float64) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := activeOnly(s); err != nil {
		return domain.Session{}, err
	}
	st, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return domain.Session{}, err
	}

	s.Status = domain.SessionLockedFailed
	reason := fmt.Sprintf("overfill: stable %.3fg past target %.3fg + tolerance %.3fg", valueG, st.TargetQtyG, st.ToleranceAbsG)
	st.Status = domain.StepFailed
	st.FailureReason = &reason

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStep(ctx, tx, st); err != nil {
		return domain.Session{}, err
	}
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, s.Operator, domain.ActionHardStop, events.EventPayload{
		"step_id":   st.ID,
		"sequence":  st.Sequence,
		"value":     valueG,
		"target":    st.TargetQtyG,
		"tolerance": st.ToleranceAbsG,
		"reason":    "overfill",
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// SupervisorOverride releases a hard-locked session into the terminal
// failed state. The supervisor identity is recorded on the trail.
func (e Engine) SupervisorOverride(ctx context.Context, sessionID, supervisor, note string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status != domain.SessionLockedFailed {
		return domain.Session{}, fmt.Errorf("session %s is %s, not locked", s.ID, s.Status)
	}

	now := e.now().UTC().Format(time.RFC3339)
	s.Status = domain.SessionFailed
	s.EndedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, supervisor, domain.ActionHardStopOverride, events.EventPayload{"note": nonEmpty(note, "override")}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// OverrideAndRestart performs a supervisor override and immediately
// opens the next attempt for the same formula.
func (e Engine) OverrideAndRestart(ctx context.Context, sessionID, supervisor, operator string, override *plan.BatchOverride) (domain.Session, []domain.Step, error) {
	prev, err := e.SupervisorOverride(ctx, sessionID, supervisor, "override and restart")
	if err != nil {
		return domain.Session{}, nil, err
	}
	if operator == "" {
		operator = prev.Operator
	}
	return e.StartSession(ctx, StartOptions{FormulaID: prev.FormulaID, Operator: operator, Override: override})
}

// currentStep returns the lowest-sequence pending step.
func (e Engine) currentStep(ctx context.Context, sessionID string) (domain.Step, error) {
	steps, err := e.Repo.StepsBySession(ctx, sessionID)
	if err != nil {
		return domain.Step{}, err
	}
	st, _ := firstPending(steps)
	if st == nil {
		return domain.Step{}, errors.New("session has no pending step")
	}
	return *st, nil
}

// firstPending returns the current pending step and how many pending
// steps remain after it.
func firstPending(steps []domain.Step) (*domain.Step, int) {
	var first *domain.Step
	remaining := 0
	for i := range steps {
		if steps[i].Status != domain.StepPending {
			continue
		}
		if first == nil {
			first = &steps[i]
			continue
		}
		remaining++
	}
	return first, remaining
}

func replaceStep(steps []domain.Step, updated domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].ID == updated.ID {
			out[i] = updated
		}
	}
	return out
}

func activeOnly(s domain.Session) error {
	switch s.Status {
	case domain.SessionInProgress:
		return nil
	case domain.SessionLockedFailed:
		return ErrSessionLocked
	default:
		return ErrSessionNotActive
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
