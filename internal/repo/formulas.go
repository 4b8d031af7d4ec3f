package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prepline/internal/domain"
)

// UpsertFormula replaces a formula and its lines in one transaction.
func (r Repo) UpsertFormula(ctx context.Context, f domain.Formula) error {
	if f.ID == "" {
		return fmt.Errorf("formula id required")
	}
	if f.CreatedAt == "" {
		f.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO formulas(id,name,version_id,batch_size_g,batch_size_ml,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, version_id=excluded.version_id, batch_size_g=excluded.batch_size_g, batch_size_ml=excluded.batch_size_ml`,
		f.ID, f.Name, nullable(f.VersionID), nullableFloatPtr(f.BatchSizeG), nullableFloatPtr(f.BatchSizeMl), f.CreatedAt); err != nil {
		return fmt.Errorf("upsert formula: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM formula_lines WHERE formula_id=?`, f.ID); err != nil {
		return err
	}
	for _, ln := range f.Lines {
		if ln.ID == "" {
			ln.ID = uuid.New().String()
		}
		aliasJSON, err := marshalStringSlice(ln.Aliases)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO formula_lines(id,formula_id,raw_material_id,display_name,sequence,qty_g,percent_of_batch,volume_ml,density_g_ml,gtin,code_value,aliases_json,tolerance_pct,tolerance_min_g)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			ln.ID, f.ID, ln.RawMaterialID, nullable(ln.DisplayName), nullableIntPtr(ln.Sequence),
			nullableFloatPtr(ln.QtyG), nullableFloatPtr(ln.PercentOfBatch), nullableFloatPtr(ln.VolumeMl), nullableFloatPtr(ln.DensityGPerMl),
			nullable(ln.GTIN), nullable(ln.CodeValue), nullableStringPtr(aliasJSON),
			nullableFloatPtr(ln.TolerancePct), nullableFloatPtr(ln.ToleranceMinG)); err != nil {
			return fmt.Errorf("insert formula line %s: %w", ln.RawMaterialID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) GetFormula(ctx context.Context, id string) (domain.Formula, error) {
	var f domain.Formula
	var versionID sql.NullString
	var sizeG, sizeMl sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,version_id,batch_size_g,batch_size_ml,created_at FROM formulas WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &versionID, &sizeG, &sizeMl, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if versionID.Valid {
		f.VersionID = versionID.String
	}
	if sizeG.Valid {
		f.BatchSizeG = &sizeG.Float64
	}
	if sizeMl.Valid {
		f.BatchSizeMl = &sizeMl.Float64
	}
	lines, err := r.listFormulaLines(ctx, id)
	if err != nil {
		return f, err
	}
	f.Lines = lines
	return f, nil
}

func (r Repo) listFormulaLines(ctx context.Context, formulaID string) ([]domain.FormulaLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,formula_id,raw_material_id,display_name,sequence,qty_g,percent_of_batch,volume_ml,density_g_ml,gtin,code_value,aliases_json,tolerance_pct,tolerance_min_g FROM formula_lines WHERE formula_id=? ORDER BY rowid ASC`, formulaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormulaLine
	for rows.Next() {
		var ln domain.FormulaLine
		var displayName, gtin, codeValue, aliasJSON sql.NullString
		var seq sql.NullInt64
		var qtyG, pct, volMl, density, tolPct, tolMin sql.NullFloat64
		if err := rows.Scan(&ln.ID, &ln.FormulaID, &ln.RawMaterialID, &displayName, &seq, &qtyG, &pct, &volMl, &density, &gtin, &codeValue, &aliasJSON, &tolPct, &tolMin); err != nil {
			return nil, err
		}
		if displayName.Valid {
			ln.DisplayName = displayName.String
		}
		if seq.Valid {
			v := int(seq.Int64)
			ln.Sequence = &v
		}
		if qtyG.Valid {
			ln.QtyG = &qtyG.Float64
		}
		if pct.Valid {
			ln.PercentOfBatch = &pct.Float64
		}
		if volMl.Valid {
			ln.VolumeMl = &volMl.Float64
		}
		if density.Valid {
			ln.DensityGPerMl = &density.Float64
		}
		if gtin.Valid {
			ln.GTIN = gtin.String
		}
		if codeValue.Valid {
			ln.CodeValue = codeValue.String
		}
		if aliasJSON.Valid {
			ln.Aliases = decodeStringSlice(aliasJSON.String)
		}
		if tolPct.Valid {
			ln.TolerancePct = &tolPct.Float64
		}
		if tolMin.Valid {
			ln.ToleranceMinG = &tolMin.Float64
		}
		res = append(res, ln)
	}
	return res, rows.Err()
}

func (r Repo) ListFormulas(ctx context.Context) ([]domain.Formula, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,version_id,batch_size_g,batch_size_ml,created_at FROM formulas ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Formula
	for rows.Next() {
		var f domain.Formula
		var versionID sql.NullString
		var sizeG, sizeMl sql.NullFloat64
		if err := rows.Scan(&f.ID, &f.Name, &versionID, &sizeG, &sizeMl, &f.CreatedAt); err != nil {
			return nil, err
		}
		if versionID.Valid {
			f.VersionID = versionID.String
		}
		if sizeG.Valid {
			f.BatchSizeG = &sizeG.Float64
		}
		if sizeMl.Valid {
			f.BatchSizeMl = &sizeMl.Float64
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
