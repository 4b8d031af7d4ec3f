package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"prepline/internal/config"
	"prepline/internal/db"
	"prepline/internal/domain"
	"prepline/internal/engine"
	"prepline/internal/match"
	"prepline/internal/migrate"
	"prepline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func fp(v float64) *float64 { return &v }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("station-1")
	e := engine.New(conn, cfg)
	e.Index = match.NewIndex(e.Repo)
	ctx := context.Background()

	for _, m := range []domain.RawMaterial{
		{ID: "ca", Name: "Calcium Carbonate", Code: "CA-100"},
		{ID: "mg", Name: "Magnesium Citrate", Code: "MG-200"},
	} {
		if err := e.Repo.InsertRawMaterial(ctx, m); err != nil {
			t.Fatalf("seed material: %v", err)
		}
	}
	f := domain.Formula{
		ID:         "cal-mag",
		Name:       "Cal-Mag Blend",
		BatchSizeG: fp(1000),
		Lines: []domain.FormulaLine{
			{ID: "l1", FormulaID: "cal-mag", RawMaterialID: "ca", CodeValue: "CA-100", PercentOfBatch: fp(60)},
			{ID: "l2", FormulaID: "cal-mag", RawMaterialID: "mg", CodeValue: "MG-200", PercentOfBatch: fp(40)},
		},
	}
	if err := e.Repo.UpsertFormula(ctx, f); err != nil {
		t.Fatalf("seed formula: %v", err)
	}
	if err := e.RebuildIndex(ctx); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func mintToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, authHeader("not-a-token"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s", code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{
		FormulaID: "cal-mag",
	}, op)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Operator != "op-1" {
		t.Fatalf("operator = %s, want token subject", session.Operator)
	}
	if len(session.Steps) != 2 {
		t.Fatalf("steps = %d", len(session.Steps))
	}

	// Mismatch leaves the step pending.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/scan", ScanRequest{Code: "ZN-999"}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d: %s", res.StatusCode, string(data))
	}
	var scan ScanResponse
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatal(err)
	}
	if scan.Matched {
		t.Fatal("wrong code matched")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/scan", ScanRequest{Code: "CA-100"}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatal(err)
	}
	if !scan.Matched {
		t.Fatal("printed code did not match")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/confirm", ConfirmRequest{CapturedG: 600.2}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	var confirm ConfirmResponse
	if err := json.Unmarshal(data, &confirm); err != nil {
		t.Fatal(err)
	}
	if confirm.Step.Status != domain.StepOK || confirm.Completed {
		t.Fatalf("confirm = %+v", confirm)
	}

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/scan", ScanRequest{Code: "MG-200"}, op)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/confirm", ConfirmRequest{CapturedG: 399.9}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final confirm status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &confirm); err != nil {
		t.Fatal(err)
	}
	if !confirm.Completed || confirm.Batch == nil {
		t.Fatalf("final confirm = %+v", confirm)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/"+session.ID+"/batch", nil, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var batch BatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatal(err)
	}
	if batch.TraceTag != "cal-mag/1" || len(batch.TraceLines) != 2 {
		t.Fatalf("batch = %+v", batch)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/"+session.ID+"/events", nil, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", res.StatusCode)
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 5 {
		t.Fatalf("audit trail has %d events", len(events))
	}
}

func TestSupervisorGateOnOverride(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))
	sup := authHeader(mintToken(t, "sup-1", RoleSupervisor))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{FormulaID: "cal-mag"}, op)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/fail", FailRequest{Reason: "overfill", Hard: true}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hard fail status %d: %s", res.StatusCode, string(data))
	}

	// A locked session refuses scans with 423.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/scan", ScanRequest{Code: "CA-100"}, op)
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("scan on locked status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "session_locked" {
		t.Fatalf("code = %s", code)
	}

	// Operators cannot override.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/override", OverrideRequest{}, op)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("operator override status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/override", OverrideRequest{Note: "spill cleaned"}, sup)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("supervisor override status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}
	if session.Status != domain.SessionFailed {
		t.Fatalf("status = %s", session.Status)
	}
}

func TestRestartOpensNewAttempt(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))
	sup := authHeader(mintToken(t, "sup-1", RoleSupervisor))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{FormulaID: "cal-mag"}, op)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/fail", FailRequest{Reason: "overfill", Hard: true}, op)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/restart", RestartRequest{}, sup)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("restart status %d: %s", res.StatusCode, string(data))
	}
	var next SessionResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatal(err)
	}
	if next.AttemptNo != 2 || next.Operator != "op-1" {
		t.Fatalf("next = %+v", next)
	}
}

func TestUnresolvableFormulaIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/formulas/broken", FormulaUpsertRequest{
		Name:  "Broken",
		Lines: []domain.FormulaLine{{RawMaterialID: "ca", PercentOfBatch: fp(50)}},
	}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{FormulaID: "broken"}, op)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unresolvable_line" {
		t.Fatalf("code = %s", code)
	}
}

func TestConfirmWithoutScanIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{FormulaID: "cal-mag"}, op)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}

	// Skipping the scan must not commit a capture.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/confirm", ConfirmRequest{CapturedG: 600}, op)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("confirm status %d, want 409: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "step_not_unlocked" {
		t.Fatalf("code = %s", code)
	}

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/scan", ScanRequest{Code: "CA-100"}, op)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/confirm", ConfirmRequest{CapturedG: 600.2}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm after scan status %d: %s", res.StatusCode, string(data))
	}
}

func TestUpsertStampsCreatedAt(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := authHeader(mintToken(t, "op-1"))

	// Neither body carries created_at; the store stamps it.
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/materials/zn", MaterialUpsertRequest{
		Name: "Zinc Oxide",
		Code: "ZN-300",
	}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("material upsert status %d: %s", res.StatusCode, string(data))
	}
	var m domain.RawMaterial
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.CreatedAt == "" {
		t.Fatal("material created_at not stamped")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/formulas/zn-only", FormulaUpsertRequest{
		Name:  "Zinc Only",
		Lines: []domain.FormulaLine{{RawMaterialID: "zn", QtyG: fp(50)}},
	}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("formula upsert status %d: %s", res.StatusCode, string(data))
	}
	var f domain.Formula
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.CreatedAt == "" {
		t.Fatal("formula created_at not stamped")
	}

	// Replacing the formula keeps the original stamp.
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/formulas/zn-only", FormulaUpsertRequest{
		Name:  "Zinc Only v2",
		Lines: []domain.FormulaLine{{RawMaterialID: "zn", QtyG: fp(75)}},
	}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("formula replace status %d: %s", res.StatusCode, string(data))
	}
	var replaced domain.Formula
	if err := json.Unmarshal(data, &replaced); err != nil {
		t.Fatal(err)
	}
	if replaced.CreatedAt != f.CreatedAt {
		t.Fatalf("created_at changed on replace: %s -> %s", f.CreatedAt, replaced.CreatedAt)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	secret := "plk_testkeytestkeytestkey"
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "bridge-1",
		Name:    "bridge",
		KeyHash: repo.HashAPIKey(secret),
	}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("keyed request status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "plk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown key status %d, want 401", res.StatusCode)
	}

	// API key principals carry no roles, so the supervisor gate stays shut.
	start, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", StartSessionRequest{FormulaID: "cal-mag"}, map[string]string{"X-Api-Key": secret})
	if start.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", start.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/fail", FailRequest{Reason: "overfill", Hard: true}, map[string]string{"X-Api-Key": secret})
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/override", OverrideRequest{}, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("api key override status %d, want 403", res.StatusCode)
	}
}
