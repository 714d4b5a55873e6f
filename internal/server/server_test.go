package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/haulscan/internal/config"
	"github.com/dukerupert/haulscan/internal/database"
	"github.com/dukerupert/haulscan/internal/identity"
	"github.com/dukerupert/haulscan/internal/logging"
	"github.com/dukerupert/haulscan/internal/model"
)

const (
	testJWTSecret  = "test-signing-secret"
	testAdminToken = "operator-token"
	testDeviceID   = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
)

func setupServerTest(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash admin token: %v", err)
	}
	cfg := &config.Config{
		JWTSecret:      testJWTSecret,
		StoreTimeout:   time.Second,
		WebhookLockTTL: time.Minute,
		AdminTokenHash: string(hash),
		Allotments:     model.DefaultAllotments,
		Stripe:         config.Stripe{WebhookSecret: "whsec_server_test"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(db, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func usedScans(t *testing.T, rec *httptest.ResponseRecorder) int64 {
	t.Helper()
	var resp struct {
		CanScan   bool `json:"canScan"`
		UsageInfo struct {
			Used int64 `json:"used"`
		} `json:"usageInfo"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp.UsageInfo.Used
}

func TestPublicRoutes(t *testing.T) {
	h := setupServerTest(t, nil)

	if rec := do(t, h, "GET", "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := do(t, h, "GET", "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := do(t, h, "POST", "/webhook", map[string]any{}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unsigned POST /webhook = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestClientRoutesRequireIdentity(t *testing.T) {
	h := setupServerTest(t, nil)
	body := map[string]any{"action_kind": model.ActionTextSearchCurrent}

	if rec := do(t, h, "POST", "/check-scan-limit", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	bad := map[string]string{"Authorization": "Bearer not-a-jwt", "X-Device-ID": testDeviceID}
	if rec := do(t, h, "POST", "/check-scan-limit", body, bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	device := map[string]string{"X-Device-ID": testDeviceID}
	if rec := do(t, h, "POST", "/check-scan-limit", body, device); rec.Code != http.StatusOK {
		t.Errorf("device credentials = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestLoginMergesDeviceHistory(t *testing.T) {
	h := setupServerTest(t, nil)
	device := map[string]string{"X-Device-ID": testDeviceID}

	for _, id := range []string{"c-1", "c-2"} {
		rec := do(t, h, "POST", "/record-scan", map[string]any{"action_kind": model.ActionTextSearchSold, "correlation_id": id}, device)
		if rec.Code != http.StatusOK {
			t.Fatalf("record scan = %d", rec.Code)
		}
	}

	token, err := identity.SignToken([]byte(testJWTSecret), "", "u-77", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	user := map[string]string{"Authorization": "Bearer " + token, "X-Device-ID": testDeviceID}
	rec := do(t, h, "POST", "/check-scan-limit", map[string]any{"action_kind": model.ActionTextSearchSold}, user)
	if rec.Code != http.StatusOK {
		t.Fatalf("check as user = %d", rec.Code)
	}
	if got := usedScans(t, rec); got != 2 {
		t.Errorf("user used = %d, want 2 carried over from the device", got)
	}

	// The device alone now resolves to the user.
	rec = do(t, h, "POST", "/check-scan-limit", map[string]any{"action_kind": model.ActionTextSearchSold}, device)
	if got := usedScans(t, rec); got != 2 {
		t.Errorf("linked device used = %d, want 2", got)
	}

	rec = do(t, h, "GET", "/subscription-status/u-77", nil, user)
	if rec.Code != http.StatusOK {
		t.Errorf("own status = %d, want %d", rec.Code, http.StatusOK)
	}
	rec = do(t, h, "GET", "/subscription-status/user:someone-else", nil, user)
	if rec.Code != http.StatusForbidden {
		t.Errorf("other status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestAdminRoutes(t *testing.T) {
	h := setupServerTest(t, nil)
	grant := map[string]any{"principal": "device:" + testDeviceID, "quantity": 5, "source_reference": "goodwill"}

	if rec := do(t, h, "POST", "/admin/credits", grant, nil); rec.Code != http.StatusForbidden {
		t.Errorf("no token = %d, want %d", rec.Code, http.StatusForbidden)
	}
	admin := map[string]string{"X-Admin-Token": testAdminToken}
	if rec := do(t, h, "POST", "/admin/credits", grant, admin); rec.Code != http.StatusCreated {
		t.Errorf("grant = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec := do(t, h, "GET", "/admin/entitlements/device:"+testDeviceID, nil, admin); rec.Code != http.StatusOK {
		t.Errorf("entitlement = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCheckoutRouteNeedsSecretKey(t *testing.T) {
	h := setupServerTest(t, nil)
	device := map[string]string{"X-Device-ID": testDeviceID}

	if rec := do(t, h, "POST", "/create-checkout-session", map[string]any{"pack": 50}, device); rec.Code != http.StatusNotFound {
		t.Errorf("checkout without secret key = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRateLimitByPrincipal(t *testing.T) {
	h := setupServerTest(t, func(c *config.Config) { c.RateLimit = 2 })
	device := map[string]string{"X-Device-ID": testDeviceID}
	body := map[string]any{"action_kind": model.ActionTextSearchCurrent}

	for i := 0; i < 2; i++ {
		if rec := do(t, h, "POST", "/check-scan-limit", body, device); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}
	if rec := do(t, h, "POST", "/check-scan-limit", body, device); rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	other := map[string]string{"X-Device-ID": "b-second-device-id"}
	if rec := do(t, h, "POST", "/check-scan-limit", body, other); rec.Code != http.StatusOK {
		t.Errorf("other principal = %d, want %d", rec.Code, http.StatusOK)
	}
}
