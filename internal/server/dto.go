package server

import (
	"prepline/internal/domain"
	"prepline/internal/engine"
	"prepline/internal/plan"
)

// FormulaUpsertRequest is the PUT /formulas body. Server-managed
// fields like created_at are stamped by the store, not accepted from
// the client.
type FormulaUpsertRequest struct {
	Name        string               `json:"name"`
	VersionID   string               `json:"version_id,omitempty"`
	BatchSizeG  *float64             `json:"batch_size_g,omitempty"`
	BatchSizeMl *float64             `json:"batch_size_ml,omitempty"`
	Lines       []domain.FormulaLine `json:"lines,omitempty"`
}

// MaterialUpsertRequest is the PUT /materials body.
type MaterialUpsertRequest struct {
	Name          string   `json:"name"`
	ItemNameEN    string   `json:"item_name_en,omitempty"`
	ItemNameAR    string   `json:"item_name_ar,omitempty"`
	Code          string   `json:"code,omitempty"`
	Barcodes      []string `json:"barcodes,omitempty"`
	DensityGPerMl *float64 `json:"density_g_per_ml,omitempty"`
}

type StartSessionRequest struct {
	FormulaID string              `json:"formula_id"`
	Operator  string              `json:"operator,omitempty"`
	Batch     *plan.BatchOverride `json:"batch,omitempty"`
}

type SessionResponse struct {
	ID               string         `json:"id"`
	FormulaID        string         `json:"formula_id"`
	FormulaVersionID *string        `json:"formula_version_id,omitempty"`
	AttemptNo        int            `json:"attempt_no"`
	Operator         string         `json:"operator"`
	Status           string         `json:"status"`
	StartedAt        string         `json:"started_at"`
	EndedAt          *string        `json:"ended_at,omitempty"`
	Steps            []StepResponse `json:"steps,omitempty"`
}

type StepResponse struct {
	ID            string   `json:"id"`
	Sequence      int      `json:"sequence"`
	IngredientID  string   `json:"ingredient_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	RequiredCode  string   `json:"required_code"`
	AltCodes      []string `json:"alt_codes,omitempty"`
	Parser        string   `json:"parser"`
	TargetQtyG    float64  `json:"target_qty_g"`
	ToleranceAbsG float64  `json:"tolerance_abs_g"`
	UnlockedAt    *string  `json:"unlocked_at,omitempty"`
	LotID         *string  `json:"lot_id,omitempty"`
	CapturedQtyG  *float64 `json:"captured_qty_g,omitempty"`
	Status        string   `json:"status"`
	CapturedAt    *string  `json:"captured_at,omitempty"`
	FailureReason *string  `json:"failure_reason,omitempty"`
}

type ScanRequest struct {
	Code string `json:"code"`
}

type ScanResponse struct {
	Matched bool         `json:"matched"`
	Learned bool         `json:"learned,omitempty"`
	Step    StepResponse `json:"step"`
}

type ConfirmRequest struct {
	StepID    string  `json:"step_id,omitempty"`
	CapturedG float64 `json:"captured_g"`
}

type ConfirmResponse struct {
	Step      StepResponse    `json:"step"`
	Session   SessionResponse `json:"session"`
	Completed bool            `json:"completed"`
	Batch     *BatchResponse  `json:"batch,omitempty"`
}

type FailRequest struct {
	Reason string `json:"reason"`
	Hard   bool   `json:"hard,omitempty"`
}

type OverrideRequest struct {
	Note string `json:"note,omitempty"`
}

type RestartRequest struct {
	Operator string              `json:"operator,omitempty"`
	Batch    *plan.BatchOverride `json:"batch,omitempty"`
}

type BatchResponse struct {
	ID               string              `json:"id"`
	SourceTag        string              `json:"source_tag"`
	TraceTag         string              `json:"trace_tag"`
	SessionID        string              `json:"preparation_session_id"`
	FormulaID        string              `json:"formula_id"`
	FormulaVersionID *string             `json:"formula_version_id,omitempty"`
	ProducedAt       string              `json:"produced_at"`
	TraceLines       []TraceLineResponse `json:"trace_lines,omitempty"`
}

type TraceLineResponse struct {
	Sequence      int     `json:"sequence"`
	RawMaterialID string  `json:"raw_material_id"`
	LotID         *string `json:"lot_id,omitempty"`
	QtyPlanned    float64 `json:"qty_planned"`
	QtyActual     float64 `json:"qty_actual"`
	UOM           string  `json:"uom"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TS        string `json:"ts"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Payload   string `json:"payload_json"`
}

type AddAliasRequest struct {
	Token string `json:"token"`
}

func sessionResponse(s domain.Session, steps []domain.Step) SessionResponse {
	out := SessionResponse{
		ID:               s.ID,
		FormulaID:        s.FormulaID,
		FormulaVersionID: s.FormulaVersionID,
		AttemptNo:        s.AttemptNo,
		Operator:         s.Operator,
		Status:           s.Status,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
	}
	for _, st := range steps {
		out.Steps = append(out.Steps, stepResponse(st))
	}
	return out
}

func stepResponse(st domain.Step) StepResponse {
	return StepResponse{
		ID:            st.ID,
		Sequence:      st.Sequence,
		IngredientID:  st.IngredientID,
		DisplayName:   st.DisplayName,
		RequiredCode:  st.RequiredCodeValue,
		AltCodes:      st.AltCodeValues,
		Parser:        st.Parser,
		TargetQtyG:    st.TargetQtyG,
		ToleranceAbsG: st.ToleranceAbsG,
		UnlockedAt:    st.UnlockedAt,
		LotID:         st.LotID,
		CapturedQtyG:  st.CapturedQtyG,
		Status:        st.Status,
		CapturedAt:    st.CapturedAt,
		FailureReason: st.FailureReason,
	}
}

func batchResponse(b domain.ProducedBatch) BatchResponse {
	out := BatchResponse{
		ID:               b.ID,
		SourceTag:        b.SourceTag,
		TraceTag:         b.TraceTag,
		SessionID:        b.SessionID,
		FormulaID:        b.FormulaID,
		FormulaVersionID: b.FormulaVersionID,
		ProducedAt:       b.ProducedAt,
	}
	for _, ln := range b.TraceLines {
		out.TraceLines = append(out.TraceLines, TraceLineResponse{
			Sequence:      ln.Sequence,
			RawMaterialID: ln.RawMaterialID,
			LotID:         ln.LotID,
			QtyPlanned:    ln.QtyPlanned,
			QtyActual:     ln.QtyActual,
			UOM:           ln.UOM,
		})
	}
	return out
}

func confirmResponse(res engine.ConfirmResult) ConfirmResponse {
	out := ConfirmResponse{
		Step:      stepResponse(res.Step),
		Session:   sessionResponse(res.Session, nil),
		Completed: res.Completed,
	}
	if res.Batch != nil {
		b := batchResponse(*res.Batch)
		out.Batch = &b
	}
	return out
}

func eventResponse(e domain.AuditEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		SessionID: e.SessionID,
		TS:        e.TS,
		User:      e.User,
		Action:    e.Action,
		Payload:   e.Payload,
	}
}

func mapEvents(in []domain.AuditEvent) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func mapSessions(in []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, sessionResponse(s, nil))
	}
	return out
}
