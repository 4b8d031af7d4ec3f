package repo

import (
	"context"
	"database/sql"
	"time"

	"prepline/internal/domain"
)

func (r Repo) InsertRawMaterial(ctx context.Context, m domain.RawMaterial) error {
	barcodesJSON, err := marshalStringSlice(m.Barcodes)
	if err != nil {
		return err
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO raw_materials(id,name,item_name_en,item_name_ar,code,barcodes_json,density_g_ml,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, item_name_en=excluded.item_name_en, item_name_ar=excluded.item_name_ar, code=excluded.code, barcodes_json=excluded.barcodes_json, density_g_ml=excluded.density_g_ml`,
		m.ID, m.Name, nullable(m.ItemNameEN), nullable(m.ItemNameAR), nullable(m.Code), nullableStringPtr(barcodesJSON), nullableFloatPtr(m.DensityGPerMl), m.CreatedAt)
	return err
}

const materialCols = `id,name,item_name_en,item_name_ar,code,barcodes_json,density_g_ml,created_at`

func scanMaterial(scan func(dest ...any) error) (domain.RawMaterial, error) {
	var m domain.RawMaterial
	var en, ar, code, barcodes sql.NullString
	var density sql.NullFloat64
	err := scan(&m.ID, &m.Name, &en, &ar, &code, &barcodes, &density, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if en.Valid {
		m.ItemNameEN = en.String
	}
	if ar.Valid {
		m.ItemNameAR = ar.String
	}
	if code.Valid {
		m.Code = code.String
	}
	if barcodes.Valid {
		m.Barcodes = decodeStringSlice(barcodes.String)
	}
	if density.Valid {
		m.DensityGPerMl = &density.Float64
	}
	return m, nil
}

func (r Repo) GetRawMaterial(ctx context.Context, id string) (domain.RawMaterial, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+materialCols+` FROM raw_materials WHERE id=?`, id)
	return scanMaterial(row.Scan)
}

func (r Repo) ListRawMaterials(ctx context.Context) ([]domain.RawMaterial, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+materialCols+` FROM raw_materials ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RawMaterial
	for rows.Next() {
		m, err := scanMaterial(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AddAlias records a learned scan token for a material. Duplicate
// tokens are ignored so learning the same label twice is harmless.
func (r Repo) AddAlias(ctx context.Context, tx *sql.Tx, a domain.MaterialAlias) error {
	if a.LearnedAt == "" {
		a.LearnedAt = time.Now().UTC().Format(time.RFC3339)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO material_aliases(raw_material_id,token,learned_at) VALUES (?,?,?)
ON CONFLICT(raw_material_id,token) DO NOTHING`, a.RawMaterialID, a.Token, a.LearnedAt)
	return err
}

func (r Repo) ListAliases(ctx context.Context, rawMaterialID string) ([]domain.MaterialAlias, error) {
	query := `SELECT raw_material_id,token,learned_at FROM material_aliases`
	var args []any
	if rawMaterialID != "" {
		query += ` WHERE raw_material_id=?`
		args = append(args, rawMaterialID)
	}
	query += ` ORDER BY raw_material_id, token`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaterialAlias
	for rows.Next() {
		var a domain.MaterialAlias
		if err := rows.Scan(&a.RawMaterialID, &a.Token, &a.LearnedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
