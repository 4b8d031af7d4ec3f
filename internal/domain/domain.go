package domain

// Session statuses.
const (
	SessionInProgress     = "in_progress"
	SessionFailed         = "failed"
	SessionLockedFailed   = "locked_failed"
	SessionCompleted      = "completed"
	SessionServerRejected = "server_rejected"
)

// Step statuses.
const (
	StepPending = "pending"
	StepOK      = "ok"
	StepFailed  = "failed"
)

// Audit actions recorded on the session trail.
const (
	ActionSessionStart     = "SESSION_START"
	ActionScanMismatch     = "SCAN_MISMATCH"
	ActionStepUnlocked     = "STEP_UNLOCKED"
	ActionStepOK           = "STEP_OK"
	ActionFail             = "FAIL"
	ActionHardStop         = "HARD_STOP"
	ActionHardStopOverride = "HARD_STOP_OVERRIDE"
	ActionSessionComplete  = "SESSION_COMPLETE"
	ActionBatchProduced    = "BATCH_PRODUCED"
)

type Formula struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	VersionID   string        `json:"version_id,omitempty"`
	BatchSizeG  *float64      `json:"batch_size_g,omitempty"`
	BatchSizeMl *float64      `json:"batch_size_ml,omitempty"`
	Lines       []FormulaLine `json:"lines,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
}

// FormulaLine is one ingredient of a formula. Quantity may be stated
// as grams, percent of batch, or volume; whichever combination is
// present has to resolve to grams at plan-build time.
type FormulaLine struct {
	ID             string   `json:"id,omitempty"`
	FormulaID      string   `json:"formula_id,omitempty"`
	RawMaterialID  string   `json:"raw_material_id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Sequence       *int     `json:"sequence,omitempty"`
	QtyG           *float64 `json:"qty_g,omitempty"`
	PercentOfBatch *float64 `json:"percent_of_batch,omitempty"`
	VolumeMl       *float64 `json:"volume_ml,omitempty"`
	DensityGPerMl  *float64 `json:"density_g_per_ml,omitempty"`
	GTIN           string   `json:"gtin,omitempty"`
	CodeValue      string   `json:"code_value,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	TolerancePct   *float64 `json:"tolerance_pct,omitempty"`
	ToleranceMinG  *float64 `json:"tolerance_min_g,omitempty"`
}

type RawMaterial struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ItemNameEN    string   `json:"item_name_en,omitempty"`
	ItemNameAR    string   `json:"item_name_ar,omitempty"`
	Code          string   `json:"code,omitempty"`
	Barcodes      []string `json:"barcodes,omitempty"`
	DensityGPerMl *float64 `json:"density_g_per_ml,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// MaterialAlias is a learned scan token for a material. Rows are only
// added, never rewritten; the alias index rebuilds from them.
type MaterialAlias struct {
	RawMaterialID string `json:"raw_material_id"`
	Token         string `json:"token"`
	LearnedAt     string `json:"learned_at" format:"date-time"`
}

type Session struct {
	ID               string  `json:"id"`
	FormulaID        string  `json:"formula_id"`
	FormulaVersionID *string `json:"formula_version_id,omitempty"`
	AttemptNo        int     `json:"attempt_no"`
	Operator         string  `json:"operator"`
	Status           string  `json:"status" enum:"in_progress,failed,locked_failed,completed,server_rejected"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	EndedAt          *string `json:"ended_at,omitempty" format:"date-time"`
}

type Step struct {
	ID                 string   `json:"id"`
	SessionID          string   `json:"session_id"`
	Sequence           int      `json:"sequence"`
	IngredientID       string   `json:"ingredient_id"`
	DisplayName        string   `json:"display_name,omitempty"`
	RequiredCodeValue  string   `json:"required_code_value"`
	AltCodeValues      []string `json:"alt_code_values,omitempty"`
	AllowedSymbologies []string `json:"allowed_symbologies,omitempty"`
	Parser             string   `json:"parser" enum:"plain,gs1,kv"`
	TargetQtyG         float64  `json:"target_qty_g"`
	ToleranceAbsG      float64  `json:"tolerance_abs_g"`
	UnlockedAt         *string  `json:"unlocked_at,omitempty" format:"date-time"`
	LotID              *string  `json:"lot_id,omitempty"`
	CapturedQtyG       *float64 `json:"captured_qty_g,omitempty"`
	Status             string   `json:"status" enum:"pending,ok,failed"`
	CapturedAt         *string  `json:"captured_at,omitempty" format:"date-time"`
	FailureReason      *string  `json:"failure_reason,omitempty"`
}

type AuditEvent struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TS        string `json:"ts" format:"date-time"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Payload   string `json:"payload_json"`
}

// ScaleReading is transient; only CapturedQtyG snapshots survive on
// confirmed steps.
type ScaleReading struct {
	TimestampMs int64   `json:"timestamp_ms"`
	ValueG      float64 `json:"value_g"`
	Unit        string  `json:"unit,omitempty"`
	Stable      bool    `json:"stable"`
	Raw         string  `json:"raw,omitempty"`
	HasValue    bool    `json:"has_value"`
}

// StepPlanLine is the resolved definition of a step before it is
// persisted as a Step row.
type StepPlanLine struct {
	Sequence           int      `json:"sequence"`
	IngredientID       string   `json:"ingredient_id"`
	DisplayName        string   `json:"display_name"`
	RequiredCode       string   `json:"required_code"`
	AltCodes           []string `json:"alt_codes,omitempty"`
	AllowedSymbologies []string `json:"allowed_symbologies,omitempty"`
	Parser             string   `json:"parser" enum:"plain,gs1,kv"`
	TargetQtyG         float64  `json:"target_qty_g"`
	TolerancePct       float64  `json:"tolerance_pct"`
	ToleranceMinAbsG   float64  `json:"tolerance_min_abs_g"`
}

// EffectiveToleranceG is the absolute tolerance applied at confirm
// time: the percentage band, floored at the minimum absolute band.
func (l StepPlanLine) EffectiveToleranceG() float64 {
	tol := l.TargetQtyG * l.TolerancePct / 100
	if tol < l.ToleranceMinAbsG {
		tol = l.ToleranceMinAbsG
	}
	return tol
}

// ProducedBatch is the derived output record emitted on session
// completion, consumed by the external inventory collaborator.
type ProducedBatch struct {
	ID               string      `json:"id"`
	SourceTag        string      `json:"source_tag"`
	TraceTag         string      `json:"trace_tag"`
	SessionID        string      `json:"preparation_session_id"`
	FormulaID        string      `json:"formula_id"`
	FormulaVersionID *string     `json:"formula_version_id,omitempty"`
	ProducedAt       string      `json:"produced_at" format:"date-time"`
	TraceLines       []TraceLine `json:"trace_lines,omitempty"`
}

// TraceLine records one weighing step's contribution to a batch. Lines
// are keyed by step sequence so a formula listing the same material on
// several lines keeps one trace line per addition.
type TraceLine struct {
	BatchID       string  `json:"batch_id"`
	Sequence      int     `json:"sequence"`
	RawMaterialID string  `json:"raw_material_id"`
	LotID         *string `json:"lot_id,omitempty"`
	QtyPlanned    float64 `json:"qty_planned"`
	QtyActual     float64 `json:"qty_actual"`
	UOM           string  `json:"uom"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
