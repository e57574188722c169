/*
handlers_test.go - HTTP tests for the production API

Tests for:
- Authentication and actor propagation
- Full draft → submit → revert cycle over HTTP
- Error code to status mapping
- Rate limiting of workflow routes
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/production-engine/production"
	"github.com/warp/production-engine/production/store"
)

const testSecret = "test-secret"

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	auth   *Authenticator
	owner  string
	admin  string
	client *http.Client
}

func newTestServer(t *testing.T, rateLimit string) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	mem := store.NewMemory()
	wf := production.NewWorkflow(mem, nil, log)
	ed := production.NewEditor(mem, wf)
	auth := NewAuthenticator(testSecret)

	router, err := NewRouter(NewHandler(wf, ed, nil, log), RouterConfig{
		Auth:        auth,
		CORSOrigins: []string{"http://localhost:5173"},
		RateLimit:   rateLimit,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ts := &testServer{t: t, srv: srv, auth: auth, client: srv.Client()}
	ts.owner = ts.token(production.Actor{UserID: "owner", TenantID: "t1"})
	ts.admin = ts.token(production.Actor{UserID: "admin", TenantID: "t1", Privileged: true})
	return ts
}

func (ts *testServer) token(a production.Actor) string {
	tok, err := ts.auth.IssueToken(a, time.Hour)
	require.NoError(ts.t, err)
	return tok
}

func (ts *testServer) do(method, path, token string, body any, out any) int {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.client.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func fullAttributes() map[string]string {
	return map[string]string{
		"product": "board", "species": "pine", "humidity": "kd", "type": "sawn",
		"processing": "planed", "certification": "fsc", "quality": "a",
	}
}

// readyEntry receives a 100 piece unit of 1 m3 and stages a draft consuming
// 40 pieces (0.4 m3) into two outputs totalling 0.2 m3.
func (ts *testServer) readyEntry() (entryID, unitID string) {
	ts.t.Helper()
	var unit StockUnitDTO
	status := ts.do(http.MethodPost, "/api/stock-units", ts.owner, map[string]any{
		"identifier": "R-1", "attributes": fullAttributes(), "pieces": 100, "volume": "1",
	}, &unit)
	require.Equal(ts.t, http.StatusCreated, status)

	var entry EntryDTO
	status = ts.do(http.MethodPost, "/api/entries", ts.owner, map[string]any{
		"process_code": "PL", "production_date": "2025-03-10", "work_formula": "pieces",
	}, &entry)
	require.Equal(ts.t, http.StatusCreated, status)

	status = ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/inputs", ts.owner, map[string]any{
		"stock_unit_id": unit.ID, "pieces": 40,
	}, nil)
	require.Equal(ts.t, http.StatusCreated, status)

	for _, v := range []string{"0.15", "0.05"} {
		status = ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/outputs", ts.owner, map[string]any{
			"attributes": fullAttributes(), "volume": v,
		}, nil)
		require.Equal(ts.t, http.StatusCreated, status)
	}
	return entry.ID, unit.ID
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	ts := newTestServer(t, "")

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/entries/x", "", nil, nil))

	other := NewAuthenticator("another-secret")
	forged, err := other.IssueToken(production.Actor{UserID: "u", TenantID: "t1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/entries/x", forged, nil, nil))

	stale, err := ts.auth.IssueToken(production.Actor{UserID: "u", TenantID: "t1"}, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/entries/x", stale, nil, nil))
}

func TestAuth_ParseRoundTrip(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	tok, err := auth.IssueToken(production.Actor{UserID: "u1", TenantID: "t9", Privileged: true}, time.Hour)
	require.NoError(t, err)

	actor, err := auth.Parse(tok)

	require.NoError(t, err)
	assert.Equal(t, production.Actor{UserID: "u1", TenantID: "t9", Privileged: true}, actor)
}

func TestHealthz_NoAuth(t *testing.T) {
	ts := newTestServer(t, "")

	var body map[string]string
	status := ts.do(http.MethodGet, "/healthz", "", nil, &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

// =============================================================================
// WORKFLOW
// =============================================================================

func TestSubmitAndRevert_OverHTTP(t *testing.T) {
	// GIVEN
	ts := newTestServer(t, "")
	entryID, unitID := ts.readyEntry()
	var outs []OutputDTO
	require.Equal(t, http.StatusOK,
		ts.do(http.MethodPost, "/api/entries/"+entryID+"/outputs/identifiers", ts.owner, nil, &outs))
	require.Len(t, outs, 2)
	assert.Equal(t, "N-PL-0001", outs[0].Identifier)

	// WHEN
	var res ResultResponse
	status := ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.owner, nil, &res)

	// THEN
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "validated", res.Entry.Status)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Consumptions, 1)
	assert.Equal(t, "50", res.Entry.Totals.OutcomePct.String())

	var unit StockUnitDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/stock-units/"+unitID, ts.owner, nil, &unit))
	assert.Equal(t, int64(60), *unit.Pieces)

	// AND: the owner cannot revert, an admin can
	var errResp ErrorResponse
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodPost, "/api/entries/"+entryID+"/revert", ts.owner, nil, &errResp))
	assert.Equal(t, "UNAUTHORIZED", errResp.Code)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/entries/"+entryID+"/revert", ts.admin, nil, &res))
	assert.Equal(t, "draft", res.Entry.Status)
	assert.Equal(t, 2, res.Deleted)

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/stock-units/"+unitID, ts.owner, nil, &unit))
	assert.Equal(t, int64(100), *unit.Pieces)
}

func TestSubmit_IncompleteOutputs_Unprocessable(t *testing.T) {
	ts := newTestServer(t, "")
	entryID, _ := ts.readyEntry()

	var errResp ErrorResponse
	status := ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.owner, nil, &errResp)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "PRECONDITION_FAILED", errResp.Code)
	assert.Equal(t, []any{"output 1: identifier not assigned", "output 2: identifier not assigned"}, errResp.Details)
}

func TestSubmit_InsufficientStock_Details(t *testing.T) {
	ts := newTestServer(t, "")
	var unit StockUnitDTO
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/stock-units", ts.owner, map[string]any{
		"identifier": "R-small", "attributes": fullAttributes(), "pieces": 10, "volume": "0.1",
	}, &unit))
	var entry EntryDTO
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/entries", ts.owner, map[string]any{
		"process_code": "PL", "production_date": "2025-03-10",
	}, &entry))
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/inputs", ts.owner, map[string]any{
		"stock_unit_id": unit.ID, "pieces": 10, "volume": "0.1",
	}, nil))
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/inputs", ts.owner, map[string]any{
		"stock_unit_id": unit.ID, "pieces": 5, "volume": "0.05",
	}, nil))
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/outputs", ts.owner, map[string]any{
		"attributes": fullAttributes(), "volume": "0.1",
	}, nil))
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/outputs/identifiers", ts.owner, nil, nil))

	var errResp struct {
		Code    string                   `json:"code"`
		Details InsufficientStockDetails `json:"details"`
	}
	status := ts.do(http.MethodPost, "/api/entries/"+entry.ID+"/submit", ts.owner, nil, &errResp)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INSUFFICIENT_STOCK", errResp.Code)
	assert.Equal(t, "R-small", errResp.Details.Identifier)
	assert.Equal(t, "pieces", errResp.Details.Unit)
}

// =============================================================================
// REQUEST VALIDATION AND MAPPING
// =============================================================================

func TestCreateEntry_BadRequests(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown field", map[string]any{"process_code": "PL", "production_date": "2025-03-10", "colour": "red"}, http.StatusBadRequest},
		{"missing code", map[string]any{"production_date": "2025-03-10"}, http.StatusBadRequest},
		{"bad date", map[string]any{"process_code": "PL", "production_date": "10/03/2025"}, http.StatusBadRequest},
		{"unknown formula", map[string]any{"process_code": "PL", "production_date": "2025-03-10", "work_formula": "magic"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, ts.do(http.MethodPost, "/api/entries", ts.owner, tt.body, nil))
		})
	}
}

func TestGetEntry_OtherTenantIsNotFound(t *testing.T) {
	ts := newTestServer(t, "")
	entryID, _ := ts.readyEntry()
	stranger := ts.token(production.Actor{UserID: "owner", TenantID: "t2"})

	var errResp ErrorResponse
	status := ts.do(http.MethodGet, "/api/entries/"+entryID, stranger, nil, &errResp)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errResp.Code)
}

func TestGetEntry_Detail(t *testing.T) {
	ts := newTestServer(t, "")
	entryID, _ := ts.readyEntry()

	var detail EntryDetailResponse
	status := ts.do(http.MethodGet, "/api/entries/"+entryID, ts.owner, nil, &detail)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "draft", detail.Entry.Status)
	assert.Len(t, detail.Inputs, 1)
	assert.Len(t, detail.Outputs, 2)
	assert.Empty(t, detail.Consumptions)
	assert.Equal(t, "0.4", detail.Inputs[0].Volume.String())
}

func TestReceiveStockUnit_Conflict(t *testing.T) {
	ts := newTestServer(t, "")
	body := map[string]any{"identifier": "R-1", "attributes": fullAttributes(), "volume": "1"}
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/stock-units", ts.owner, body, nil))

	var errResp ErrorResponse
	status := ts.do(http.MethodPost, "/api/stock-units", ts.owner, body, &errResp)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "IDENTIFIER_CONFLICT", errResp.Code)
}

func TestStatusFor(t *testing.T) {
	tests := map[production.Code]int{
		production.CodeUnauthorized:        http.StatusForbidden,
		production.CodeNotFound:            http.StatusNotFound,
		production.CodeAlreadyInProgress:   http.StatusConflict,
		production.CodeIdentifierConflict:  http.StatusConflict,
		production.CodeReferencedElsewhere: http.StatusConflict,
		production.CodePreconditionFailed:  http.StatusUnprocessableEntity,
		production.CodeInsufficientStock:   http.StatusUnprocessableEntity,
		production.CodePersistenceFailure:  http.StatusInternalServerError,
		production.CodePartiallyRecovered:  http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestSubmit_RateLimited(t *testing.T) {
	ts := newTestServer(t, "2-M")
	entryID, _ := ts.readyEntry()

	// Both attempts fail on preconditions but still count against the limit.
	ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.owner, nil, nil)
	ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.owner, nil, nil)
	status := ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.owner, nil, nil)

	assert.Equal(t, http.StatusTooManyRequests, status)

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/entries/"+entryID, ts.owner, nil, nil))
	// Other users have their own budget.
	assert.NotEqual(t, http.StatusTooManyRequests, ts.do(http.MethodPost, "/api/entries/"+entryID+"/submit", ts.admin, nil, nil))
}

func TestNewRouter_InvalidRate(t *testing.T) {
	_, err := NewRouter(&Handler{}, RouterConfig{Auth: NewAuthenticator("x"), RateLimit: "lots"})
	assert.Error(t, err)
}
