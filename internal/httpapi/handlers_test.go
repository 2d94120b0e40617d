package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/export"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store/memory"
)

const acmeCSV = "vendor_name,sku,quantity,unit_cost,product_name\nAcme,X1,10,5.00,Gold Cup\n"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

type session struct {
	api   *API
	token string
	csrf  string
}

func newSession(t *testing.T, api *API, username string, password string) session {
	t.Helper()
	return session{api: api, token: login(t, api, username, password), csrf: fetchCSRFToken(t, api)}
}

func (s session) do(t *testing.T, method string, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-CSRF-Token", s.csrf)
	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (s session) json(t *testing.T, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	return s.do(t, method, path, body, "application/json")
}

func (s session) upload(t *testing.T, path string, filename string, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return s.do(t, http.MethodPost, path, &buf, writer.FormDataContentType())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d (body: %s)", want, rec.Code, rec.Body.String())
	}
}

func importAcme(t *testing.T, s session) string {
	t.Helper()
	rec := s.upload(t, "/api/v1/imports/purchases?payment_status=Due", "acme.csv", acmeCSV)
	expectStatus(t, rec, http.StatusOK)

	list := s.do(t, http.MethodGet, "/api/v1/purchases", nil, "")
	expectStatus(t, list, http.StatusOK)
	body := decodeBody[struct {
		Purchases []domain.Purchase `json:"purchases"`
	}](t, list)
	if len(body.Purchases) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(body.Purchases))
	}
	return body.Purchases[0].ID
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	expectStatus(t, rec, http.StatusOK)
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	if token := login(t, api, "owner", "owner12345"); token == "" {
		t.Fatalf("expected access token")
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	payload, _ := json.Marshal(domain.LoginRequest{Username: "owner", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestPurchases_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/purchases", nil))

	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestImportPurchasesSkipsDuplicateUpload(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")

	first := s.upload(t, "/api/v1/imports/purchases?payment_status=Due", "acme.csv", acmeCSV)
	expectStatus(t, first, http.StatusOK)
	created := decodeBody[domain.ImportResult](t, first)
	if created.Created != 1 {
		t.Fatalf("expected 1 created purchase, got %+v", created)
	}

	second := s.upload(t, "/api/v1/imports/purchases", "acme.csv", acmeCSV)
	expectStatus(t, second, http.StatusOK)
	skipped := decodeBody[domain.ImportResult](t, second)
	if skipped.Created != 0 || skipped.SkippedDuplicates != 1 {
		t.Fatalf("expected duplicate to be skipped, got %+v", skipped)
	}
}

func TestImportPurchasesRejectsBadInput(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")

	expectStatus(t, s.upload(t, "/api/v1/imports/purchases", "notes.txt", acmeCSV), http.StatusBadRequest)
	expectStatus(t, s.upload(t, "/api/v1/imports/purchases", "acme.csv", "sku,quantity\nX1,1\n"), http.StatusBadRequest)
	expectStatus(t, s.upload(t, "/api/v1/imports/purchases?payment_status=Partially%20Paid", "acme.csv", acmeCSV), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/imports/purchases", strings.NewReader("{}"), "application/json"), http.StatusBadRequest)
}

func TestDeletePurchaseRequiresCSRF(t *testing.T) {
	api := newTestAPI(t)
	s := newSession(t, api, "owner", "owner12345")
	purchaseID := importAcme(t, s)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/purchases/"+purchaseID, nil)
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusForbidden)
}

func TestDeletePurchaseTwiceIsConflict(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")
	purchaseID := importAcme(t, s)

	first := s.do(t, http.MethodDelete, "/api/v1/purchases/"+purchaseID+"?revert_stock=true", nil, "")
	expectStatus(t, first, http.StatusOK)
	result := decodeBody[domain.DeleteResult](t, first)
	if !result.StockReverted {
		t.Fatalf("expected stock to be reverted, got %+v", result)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/purchases/"+purchaseID, nil, ""), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/purchases/"+purchaseID+"?revert_stock=maybe", nil, ""), http.StatusBadRequest)
}

func TestUnknownPurchaseIsNotFound(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/purchases/pur-missing", nil, ""), http.StatusNotFound)
	expectStatus(t, s.json(t, http.MethodPost, "/api/v1/purchases/pur-missing/pay", nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/purchases/a/b/c", nil, ""), http.StatusNotFound)
}

func TestPayAndUnpayPurchase(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")
	purchaseID := importAcme(t, s)

	partial := s.json(t, http.MethodPost, "/api/v1/purchases/"+purchaseID+"/pay", map[string]any{"amount": 20})
	expectStatus(t, partial, http.StatusOK)
	paid := decodeBody[domain.PaymentResult](t, partial)
	if paid.Status != domain.PaymentPartiallyPaid || paid.VendorBalance.String() != "-30" {
		t.Fatalf("unexpected partial payment %+v", paid)
	}

	expectStatus(t, s.json(t, http.MethodPost, "/api/v1/purchases/"+purchaseID+"/pay", map[string]any{"amount": 500}), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/purchases/"+purchaseID+"/pay", nil, ""), http.StatusOK)

	unpaid := s.do(t, http.MethodPost, "/api/v1/purchases/"+purchaseID+"/unpay", nil, "")
	expectStatus(t, unpaid, http.StatusOK)
	reverted := decodeBody[domain.PaymentResult](t, unpaid)
	if reverted.Status != domain.PaymentDue || reverted.VendorBalance.String() != "-50" {
		t.Fatalf("unexpected unpay result %+v", reverted)
	}
}

func TestVendorRoutes(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")
	importAcme(t, s)

	list := s.do(t, http.MethodGet, "/api/v1/vendors", nil, "")
	expectStatus(t, list, http.StatusOK)
	vendors := decodeBody[struct {
		Vendors []domain.Vendor `json:"vendors"`
	}](t, list).Vendors
	if len(vendors) != 1 || vendors[0].Name != "Acme" {
		t.Fatalf("unexpected vendors %+v", vendors)
	}
	acmeID := vendors[0].ID

	ledgerRec := s.do(t, http.MethodGet, "/api/v1/vendors/"+acmeID+"/purchases", nil, "")
	expectStatus(t, ledgerRec, http.StatusOK)
	view := decodeBody[domain.VendorLedger](t, ledgerRec)
	if len(view.Entries) != 1 || view.CurrentBalance.String() != "-50" {
		t.Fatalf("unexpected ledger %+v", view)
	}

	payment := s.json(t, http.MethodPost, "/api/v1/vendors/"+acmeID+"/payments", map[string]any{"amount": "15"})
	expectStatus(t, payment, http.StatusOK)
	if got := decodeBody[domain.VendorPaymentResult](t, payment).NewBalance.String(); got != "-35" {
		t.Fatalf("expected balance -35, got %s", got)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/vendors/"+acmeID, nil, ""), http.StatusConflict)
	expectStatus(t, s.json(t, http.MethodPost, "/api/v1/vendors", map[string]any{"name": "Acme"}), http.StatusConflict)

	created := s.json(t, http.MethodPost, "/api/v1/vendors", map[string]any{"name": "Beta", "email": "sales@beta.example"})
	expectStatus(t, created, http.StatusCreated)
	beta := decodeBody[struct {
		Vendor domain.Vendor `json:"vendor"`
	}](t, created).Vendor

	patched := s.json(t, http.MethodPatch, "/api/v1/vendors/"+beta.ID, map[string]any{"address": "9 Side Rd"})
	expectStatus(t, patched, http.StatusOK)
	if got := decodeBody[struct {
		Vendor domain.Vendor `json:"vendor"`
	}](t, patched).Vendor.Address; got != "9 Side Rd" {
		t.Fatalf("expected updated address, got %q", got)
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/vendors/"+beta.ID, nil, ""), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/vendors/"+beta.ID+"/purchases", nil, ""), http.StatusNotFound)
}

func TestOwnersCannotSeeEachOther(t *testing.T) {
	api := newTestAPI(t)
	owner := newSession(t, api, "owner", "owner12345")
	purchaseID := importAcme(t, owner)

	root := newSession(t, api, "root", "root12345")
	created := root.json(t, http.MethodPost, "/api/v1/users", domain.UserCreateRequest{Username: "rival", Password: "rival12345"})
	expectStatus(t, created, http.StatusCreated)

	rival := newSession(t, api, "rival", "rival12345")
	expectStatus(t, rival.do(t, http.MethodDelete, "/api/v1/purchases/"+purchaseID, nil, ""), http.StatusNotFound)

	list := rival.do(t, http.MethodGet, "/api/v1/purchases", nil, "")
	expectStatus(t, list, http.StatusOK)
	if got := decodeBody[struct {
		Purchases []domain.Purchase `json:"purchases"`
	}](t, list).Purchases; len(got) != 0 {
		t.Fatalf("expected no purchases for another owner, got %d", len(got))
	}

	all := root.do(t, http.MethodGet, "/api/v1/purchases", nil, "")
	expectStatus(t, all, http.StatusOK)
	if got := decodeBody[struct {
		Purchases []domain.Purchase `json:"purchases"`
	}](t, all).Purchases; len(got) != 1 {
		t.Fatalf("expected root to see 1 purchase, got %d", len(got))
	}
}

func TestRootOnlyRoutes(t *testing.T) {
	api := newTestAPI(t)
	owner := newSession(t, api, "owner", "owner12345")
	importAcme(t, owner)

	expectStatus(t, owner.do(t, http.MethodGet, "/api/v1/audit-logs", nil, ""), http.StatusForbidden)
	expectStatus(t, owner.do(t, http.MethodGet, "/api/v1/users", nil, ""), http.StatusForbidden)
	expectStatus(t, owner.do(t, http.MethodPost, "/api/v1/backups/run", nil, ""), http.StatusForbidden)

	root := newSession(t, api, "root", "root12345")
	logs := root.do(t, http.MethodGet, "/api/v1/audit-logs?limit=10", nil, "")
	expectStatus(t, logs, http.StatusOK)
	if got := decodeBody[struct {
		Logs []domain.AuditLog `json:"logs"`
	}](t, logs).Logs; len(got) == 0 {
		t.Fatalf("expected the import to be audited")
	}

	users := root.do(t, http.MethodGet, "/api/v1/users", nil, "")
	expectStatus(t, users, http.StatusOK)
	if got := decodeBody[struct {
		Users []domain.User `json:"users"`
	}](t, users).Users; len(got) != 2 {
		t.Fatalf("expected 2 seeded users, got %d", len(got))
	}

	expectStatus(t, root.json(t, http.MethodPost, "/api/v1/users", domain.UserCreateRequest{Username: "owner", Password: "owner12345"}), http.StatusConflict)
	expectStatus(t, root.json(t, http.MethodPost, "/api/v1/users", domain.UserCreateRequest{Username: "x", Password: "owner12345"}), http.StatusBadRequest)

	// No backup job is configured for the test service.
	expectStatus(t, root.do(t, http.MethodPost, "/api/v1/backups/run", nil, ""), http.StatusConflict)
}

func TestSpreadsheetDownloads(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")
	importAcme(t, s)

	for _, path := range []string{"/api/v1/imports/purchases/template", "/api/v1/items/export"} {
		rec := s.do(t, http.MethodGet, path, nil, "")
		expectStatus(t, rec, http.StatusOK)
		if got := rec.Header().Get("Content-Type"); got != export.ContentType {
			t.Fatalf("%s: unexpected content type %q", path, got)
		}
		if !strings.HasPrefix(rec.Body.String(), "PK") {
			t.Fatalf("%s: expected an xlsx (zip) payload", path)
		}
	}
}

func TestImportInventoryAndListItems(t *testing.T) {
	s := newSession(t, newTestAPI(t), "owner", "owner12345")

	csv := "name,sku,quantity,cost_price,selling_price\nCup,C1,4,2,5\n"
	rec := s.upload(t, "/api/v1/imports/inventory", "stock.csv", csv)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[domain.InventoryImportResult](t, rec); got.Imported != 1 {
		t.Fatalf("expected 1 imported item, got %+v", got)
	}

	items := s.do(t, http.MethodGet, "/api/v1/items", nil, "")
	expectStatus(t, items, http.StatusOK)
	list := decodeBody[struct {
		Items []domain.Item `json:"items"`
	}](t, items).Items
	if len(list) != 1 || list[0].SKU != "C1" || list[0].Quantity != 4 {
		t.Fatalf("unexpected items %+v", list)
	}
}

func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
