package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"prepline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertSession writes a new session row inside the caller's tx.
func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,formula_id,formula_version_id,attempt_no,operator,status,started_at,ended_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.FormulaID, nullableStringPtr(s.FormulaVersionID), s.AttemptNo, s.Operator, s.Status, s.StartedAt, nullableStringPtr(s.EndedAt))
	return err
}

// UpdateSession rewrites the mutable session columns.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, ended_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.EndedAt), s.ID)
	return err
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var versionID, endedAt sql.NullString
	err := scan(&s.ID, &s.FormulaID, &versionID, &s.AttemptNo, &s.Operator, &s.Status, &s.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if versionID.Valid {
		s.FormulaVersionID = &versionID.String
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, nil
}

const sessionCols = `id,formula_id,formula_version_id,attempt_no,operator,status,started_at,ended_at`

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ActiveSession returns the in_progress session for a formula, if any.
func (r Repo) ActiveSession(ctx context.Context, formulaID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE formula_id=? AND status=? LIMIT 1`,
		formulaID, domain.SessionInProgress)
	return scanSession(row.Scan)
}

// NextAttemptNo computes the next 1-based attempt number for a formula
// inside the start transaction, so concurrent starts cannot collide on
// the (formula_id, attempt_no) unique constraint without one failing.
func (r Repo) NextAttemptNo(ctx context.Context, tx *sql.Tx, formulaID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(attempt_no) FROM sessions WHERE formula_id=?`, formulaID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

type SessionFilters struct {
	FormulaID string
	Status    string
	Limit     int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.FormulaID != "" {
		clauses = append(clauses, "formula_id=?")
		args = append(args, f.FormulaID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + sessionCols + ` FROM sessions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertStep writes one pending step row inside the caller's tx.
func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	altJSON, err := marshalStringSlice(st.AltCodeValues)
	if err != nil {
		return err
	}
	symJSON, err := marshalStringSlice(st.AllowedSymbologies)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO steps(id,session_id,sequence,ingredient_id,display_name,required_code_value,alt_codes_json,symbologies_json,parser,target_qty_g,tolerance_abs_g,unlocked_at,lot_id,captured_qty_g,status,captured_at,failure_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.SessionID, st.Sequence, st.IngredientID, nullable(st.DisplayName), st.RequiredCodeValue,
		nullableStringPtr(altJSON), nullableStringPtr(symJSON), st.Parser, st.TargetQtyG, st.ToleranceAbsG,
		nullableStringPtr(st.UnlockedAt), nullableStringPtr(st.LotID),
		nullableFloatPtr(st.CapturedQtyG), st.Status, nullableStringPtr(st.CapturedAt), nullableStringPtr(st.FailureReason))
	return err
}

// UpdateStep rewrites the mutable step columns (scan and capture
// outcome only; the plan-derived columns never change after insert).
func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	_, err := tx.ExecContext(ctx, `UPDATE steps SET unlocked_at=?, lot_id=?, captured_qty_g=?, status=?, captured_at=?, failure_reason=? WHERE id=?`,
		nullableStringPtr(st.UnlockedAt), nullableStringPtr(st.LotID),
		nullableFloatPtr(st.CapturedQtyG), st.Status, nullableStringPtr(st.CapturedAt), nullableStringPtr(st.FailureReason), st.ID)
	return err
}

const stepCols = `id,session_id,sequence,ingredient_id,display_name,required_code_value,alt_codes_json,symbologies_json,parser,target_qty_g,tolerance_abs_g,unlocked_at,lot_id,captured_qty_g,status,captured_at,failure_reason`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var st domain.Step
	var displayName, altJSON, symJSON, unlockedAt, lotID, capturedAt, failureReason sql.NullString
	var captured sql.NullFloat64
	err := scan(&st.ID, &st.SessionID, &st.Sequence, &st.IngredientID, &displayName, &st.RequiredCodeValue,
		&altJSON, &symJSON, &st.Parser, &st.TargetQtyG, &st.ToleranceAbsG, &unlockedAt, &lotID, &captured, &st.Status, &capturedAt, &failureReason)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if displayName.Valid {
		st.DisplayName = displayName.String
	}
	if altJSON.Valid {
		st.AltCodeValues = decodeStringSlice(altJSON.String)
	}
	if symJSON.Valid {
		st.AllowedSymbologies = decodeStringSlice(symJSON.String)
	}
	if unlockedAt.Valid {
		st.UnlockedAt = &unlockedAt.String
	}
	if lotID.Valid {
		st.LotID = &lotID.String
	}
	if captured.Valid {
		st.CapturedQtyG = &captured.Float64
	}
	if capturedAt.Valid {
		st.CapturedAt = &capturedAt.String
	}
	if failureReason.Valid {
		st.FailureReason = &failureReason.String
	}
	return st, nil
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

// StepsBySession returns a session's steps ordered by sequence.
func (r Repo) StepsBySession(ctx context.Context, sessionID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE session_id=? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// EventsBySession returns the audit trail for a session in append order.
func (r Repo) EventsBySession(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,ts,user,action,payload_json FROM audit_events WHERE session_id=? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEvents returns the newest events across sessions, optionally
// filtered by action and session.
func (r Repo) LatestEvents(ctx context.Context, limit int, action, sessionID string) ([]domain.AuditEvent, error) {
	var clauses []string
	var args []any
	if action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, action)
	}
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	query := `SELECT id,session_id,ts,user,action,payload_json FROM audit_events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns up to limit events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,ts,user,action,payload_json FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the highest event id, or 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TS, &e.User, &e.Action, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	return arr
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
