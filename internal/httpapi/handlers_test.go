package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/settlement/internal/cashdrawer"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/inventory"
	"kasirinaja/settlement/internal/metrics"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/refund"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

const testManagerPIN = "480213"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	m := metrics.New("test")
	drawer := cashdrawer.New(repo, nil)
	engine := refund.NewEngine(repo, refund.Dependencies{
		Stock:     inventory.New(repo, nil),
		Cash:      drawer,
		Identity:  service.ContextIdentity{},
		Numbering: numbering.New(repo),
		Recorder:  m,
	}, refund.DefaultOptions(), nil)
	svc := service.New(repo, engine, drawer, memory.DemoOrgID, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo, nil)

	return New(svc, auth, Options{AllowedOrigin: "*", Metrics: m})
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// doJSON sends an authenticated request carrying a fresh CSRF token.
func doJSON(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func milkReturnBody(pin string) map[string]any {
	return map[string]any{
		"refund_method": "cash",
		"reason":        "expired",
		"manager_pin":   pin,
		"items": []map[string]any{
			{"sale_item_id": "sli-demo-2", "return_quantity": 2, "refund_amount": "20.00", "reason": "expired", "affects_inventory": true},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_ReturnsOrganizationScope(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != "cashier" {
		t.Fatalf("unexpected login response %+v", resp)
	}
	if resp.OrgID != memory.DemoOrgID || resp.BranchID != memory.DemoBranchID {
		t.Fatalf("expected token scoped to %s/%s, got %s/%s", memory.DemoOrgID, memory.DemoBranchID, resp.OrgID, resp.BranchID)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLedger_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/"+memory.DemoSaleID+"/ledger", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLedger_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/"+memory.DemoSaleID+"/ledger", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var view domain.LedgerView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Sale.ID != memory.DemoSaleID || len(view.Lines) != 2 {
		t.Fatalf("unexpected ledger %+v", view)
	}
}

func TestHandleLedger_UnknownSale(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/sale-missing/ledger", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateReturn_PartialCashRefund(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, milkReturnBody(testManagerPIN))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["settlement_kind"] != string(domain.SettlementPartial) {
		t.Fatalf("expected partial settlement, got %v", body["settlement_kind"])
	}
	if _, leaked := body["SideEffectFailures"]; leaked {
		t.Fatalf("side effect failures must not be serialized")
	}
	ret, _ := body["return"].(map[string]any)
	if ret == nil || ret["id"] == "" || ret["user_id"] != "cashier" {
		t.Fatalf("unexpected return payload %v", body["return"])
	}
	if strings.Contains(rec.Body.String(), testManagerPIN) {
		t.Fatalf("manager PIN echoed in response")
	}

	history := doJSON(t, api, http.MethodGet, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, nil)
	if history.Code != http.StatusOK {
		t.Fatalf("expected 200 for history, got %d", history.Code)
	}
	var hist domain.ReturnHistoryResponse
	if err := json.NewDecoder(history.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Returns) != 1 {
		t.Fatalf("expected 1 return in history, got %d", len(hist.Returns))
	}
}

func TestHandleCreateReturn_ValidationFields(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	body := milkReturnBody(testManagerPIN)
	body["items"] = []map[string]any{
		{"sale_item_id": "sli-demo-2", "return_quantity": 9, "refund_amount": "90.00", "reason": "expired"},
	}
	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var payload struct {
		Error  string              `json:"error"`
		Fields []refund.FieldError `json:"fields"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Fields) == 0 {
		t.Fatalf("expected field errors, got %+v", payload)
	}
}

func TestHandleCreateReturn_WrongPIN(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, milkReturnBody("000000"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreateReturn_SecondFullRefundRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	full := map[string]any{
		"refund_method": "credit_note",
		"reason":        "customer cancelled",
		"manager_pin":   testManagerPIN,
		"items": []map[string]any{
			{"sale_item_id": "sli-demo-1", "return_quantity": 2, "refund_amount": "60.00", "reason": "order cancelled"},
			{"sale_item_id": "sli-demo-2", "return_quantity": 4, "refund_amount": "40.00", "reason": "order cancelled"},
		},
	}
	first := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, full)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 for full refund, got %d (body: %s)", first.Code, first.Body.String())
	}

	again := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+memory.DemoSaleID+"/returns", token, full)
	if again.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a second refund of the same units, got %d", again.Code)
	}
}

func TestAdminRoutesRejectCashier(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/settlements"},
		{http.MethodPost, "/api/v1/settlements/reconcile"},
		{http.MethodGet, "/api/v1/audit-logs"},
	} {
		rec := doJSON(t, api, tc.method, tc.path, token, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestHandleReconcile_AcceptsEmptyBody(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/settlements/reconcile", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var report domain.ReconcileReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("expected nothing to reconcile, got %+v", report)
	}
}

func TestHandleCheckpoints_RejectsUnknownStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/settlements?status=bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	ok := doJSON(t, api, http.MethodGet, "/api/v1/settlements?status=completed", token, nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", ok.Code)
	}
}

func TestCashSessionRoutes(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	active := doJSON(t, api, http.MethodGet, "/api/v1/cash-sessions/active", token, nil)
	if active.Code != http.StatusOK {
		t.Fatalf("expected seeded session to be active, got %d", active.Code)
	}

	reopen := doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/open", token, domain.CashSessionOpenRequest{OpeningFloat: decimal.NewFromInt(10)})
	if reopen.Code != http.StatusConflict {
		t.Fatalf("expected 409 when a session is already open, got %d", reopen.Code)
	}

	closed := doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/close", token, domain.CashSessionCloseRequest{ClosingCash: decimal.NewFromInt(200)})
	if closed.Code != http.StatusOK {
		t.Fatalf("expected 200 on close, got %d (body: %s)", closed.Code, closed.Body.String())
	}

	gone := doJSON(t, api, http.MethodGet, "/api/v1/cash-sessions/active", token, nil)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an open session, got %d", gone.Code)
	}
}

func TestMethodNotAllowedIsJSON(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodDelete, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "method not allowed") {
		t.Fatalf("expected JSON error body, got %s", rec.Body.String())
	}
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "settlement_http_requests_total") || !strings.Contains(body, `route="/healthz"`) {
		t.Fatalf("expected http counter for /healthz in scrape output")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&refund.ValidationError{Fields: []refund.FieldError{{Field: "items", Message: "empty"}}}, http.StatusBadRequest},
		{fmt.Errorf("%w: sale x", refund.ErrNotFound), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{refund.ErrSettlementBusy, http.StatusConflict},
		{refund.ErrNeedsReconciliation, http.StatusConflict},
		{cashdrawer.ErrSessionOpen, http.StatusConflict},
		{refund.ErrUnauthenticated, http.StatusUnauthorized},
		{&refund.AuditWriteError{CheckpointID: "cp-1", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Fatalf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
