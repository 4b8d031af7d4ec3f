package preplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Prepline HTTP API client, used by inventory and
// supervision tooling that talks to a station remotely.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID        string `json:"id"`
	FormulaID string `json:"formula_id"`
	AttemptNo int    `json:"attempt_no"`
	Operator  string `json:"operator"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Steps     []Step `json:"steps,omitempty"`
}

// Step represents one weighing step of a session.
type Step struct {
	ID            string   `json:"id"`
	Sequence      int      `json:"sequence"`
	IngredientID  string   `json:"ingredient_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	TargetQtyG    float64  `json:"target_qty_g"`
	ToleranceAbsG float64  `json:"tolerance_abs_g"`
	UnlockedAt    *string  `json:"unlocked_at,omitempty"`
	LotID         *string  `json:"lot_id,omitempty"`
	CapturedQtyG  *float64 `json:"captured_qty_g,omitempty"`
	Status        string   `json:"status"`
}

// ScanResult reports whether a code matched the current step.
type ScanResult struct {
	Matched bool `json:"matched"`
	Learned bool `json:"learned,omitempty"`
	Step    Step `json:"step"`
}

// ConfirmResult reports the outcome of a confirm call.
type ConfirmResult struct {
	Step      Step    `json:"step"`
	Session   Session `json:"session"`
	Completed bool    `json:"completed"`
	Batch     *Batch  `json:"batch,omitempty"`
}

// Batch is the produced output record of a completed session.
type Batch struct {
	ID         string      `json:"id"`
	SourceTag  string      `json:"source_tag"`
	TraceTag   string      `json:"trace_tag"`
	SessionID  string      `json:"preparation_session_id"`
	FormulaID  string      `json:"formula_id"`
	ProducedAt string      `json:"produced_at"`
	TraceLines []TraceLine `json:"trace_lines,omitempty"`
}

type TraceLine struct {
	Sequence      int     `json:"sequence"`
	RawMaterialID string  `json:"raw_material_id"`
	LotID         *string `json:"lot_id,omitempty"`
	QtyPlanned    float64 `json:"qty_planned"`
	QtyActual     float64 `json:"qty_actual"`
	UOM           string  `json:"uom"`
}

// Event is an audit trail entry.
type Event struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	TS        string `json:"ts"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Payload   string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartSession opens a new session for a formula.
func (c *Client) StartSession(ctx context.Context, formulaID, operator string) (Session, error) {
	body := map[string]any{
		"formula_id": formulaID,
		"operator":   operator,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// GetSession fetches a session with its steps.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Scan submits a scanned code for the current step.
func (c *Client) Scan(ctx context.Context, sessionID, code string) (ScanResult, error) {
	var resp ScanResult
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/scan", map[string]any{"code": code}, &resp)
	return resp, err
}

// Confirm submits the captured weight for the current step.
func (c *Client) Confirm(ctx context.Context, sessionID string, capturedG float64) (ConfirmResult, error) {
	var resp ConfirmResult
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/confirm", map[string]any{"captured_g": capturedG}, &resp)
	return resp, err
}

// Override releases a hard-locked session (requires supervisor auth).
func (c *Client) Override(ctx context.Context, sessionID, note string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/override", map[string]any{"note": note}, &resp)
	return resp, err
}

// SessionBatch fetches the produced batch of a completed session.
func (c *Client) SessionBatch(ctx context.Context, sessionID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(sessionID)+"/batch", nil, &resp)
	return resp, err
}

// Events returns the newest audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
