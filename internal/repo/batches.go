package repo

import (
	"context"
	"database/sql"

	"prepline/internal/domain"
)

// InsertProducedBatch writes the derived output record and its trace
// lines inside the caller's tx. The UNIQUE(session_id) constraint
// guarantees at most one batch per session.
func (r Repo) InsertProducedBatch(ctx context.Context, tx *sql.Tx, b domain.ProducedBatch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO produced_batches(id,source_tag,trace_tag,session_id,formula_id,formula_version_id,produced_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.SourceTag, b.TraceTag, b.SessionID, b.FormulaID, nullableStringPtr(b.FormulaVersionID), b.ProducedAt)
	if err != nil {
		return err
	}
	for _, tl := range b.TraceLines {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_trace_lines(batch_id,seq,raw_material_id,lot_id,qty_planned,qty_actual,uom) VALUES (?,?,?,?,?,?,?)`,
			b.ID, tl.Sequence, tl.RawMaterialID, nullableStringPtr(tl.LotID), tl.QtyPlanned, tl.QtyActual, tl.UOM); err != nil {
			return err
		}
	}
	return nil
}

const batchCols = `id,source_tag,trace_tag,session_id,formula_id,formula_version_id,produced_at`

func scanBatch(scan func(dest ...any) error) (domain.ProducedBatch, error) {
	var b domain.ProducedBatch
	var versionID sql.NullString
	err := scan(&b.ID, &b.SourceTag, &b.TraceTag, &b.SessionID, &b.FormulaID, &versionID, &b.ProducedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if versionID.Valid {
		b.FormulaVersionID = &versionID.String
	}
	return b, nil
}

func (r Repo) GetProducedBatch(ctx context.Context, id string) (domain.ProducedBatch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchCols+` FROM produced_batches WHERE id=?`, id)
	b, err := scanBatch(row.Scan)
	if err != nil {
		return b, err
	}
	b.TraceLines, err = r.listTraceLines(ctx, b.ID)
	return b, err
}

// BatchBySession returns the produced batch referencing a session.
func (r Repo) BatchBySession(ctx context.Context, sessionID string) (domain.ProducedBatch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchCols+` FROM produced_batches WHERE session_id=?`, sessionID)
	b, err := scanBatch(row.Scan)
	if err != nil {
		return b, err
	}
	b.TraceLines, err = r.listTraceLines(ctx, b.ID)
	return b, err
}

func (r Repo) listTraceLines(ctx context.Context, batchID string) ([]domain.TraceLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT batch_id,seq,raw_material_id,lot_id,qty_planned,qty_actual,uom FROM batch_trace_lines WHERE batch_id=? ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TraceLine
	for rows.Next() {
		var tl domain.TraceLine
		var lotID sql.NullString
		if err := rows.Scan(&tl.BatchID, &tl.Sequence, &tl.RawMaterialID, &lotID, &tl.QtyPlanned, &tl.QtyActual, &tl.UOM); err != nil {
			return nil, err
		}
		if lotID.Valid {
			tl.LotID = &lotID.String
		}
		res = append(res, tl)
	}
	return res, rows.Err()
}
