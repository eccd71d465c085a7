package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/husam-hammami/hercules-sfms-sub001/config"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/sirupsen/logrus"
)

const (
	testAdminToken = "test-admin-token"
	testMachineID  = "a1b2c3d4e5f6a7b8c9d0"
)

func newTestRouter(t *testing.T) (*gin.Engine, *core.Services) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := core.NewMemStore()
	tokens := core.NewTokenService([]byte("test-secret-0123456789"), 24*time.Hour, 72*time.Hour)
	limiter := core.NewMemoryRateLimiter(15*time.Minute, 1000)

	services := &core.Services{
		Activation: core.NewActivationService(store, limiter, tokens, logger, 360*time.Hour),
		Tokens:     tokens,
		Gateways:   core.NewGatewayService(store, logger, 2*time.Minute, 15*time.Minute),
		Ingestion:  core.NewIngestionService(store, nil, logger, 500, 5*time.Minute, 720*time.Hour),
		Commands:   core.NewCommandService(store, logger, 100),
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxBodyBytes: 1 << 20,
			AdminToken:   testAdminToken,
		},
	}

	router := gin.New()
	handlers := NewAPIHandlers(services, logger, "test")
	SetupRoutes(router, handlers, services, cfg, logger)
	return router, services
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return body
}

// activateTestGateway mints a code via the admin API and activates it,
// returning the gateway uid and session token.
func activateTestGateway(t *testing.T, router *gin.Engine) (string, string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/admin/codes", testAdminToken, map[string]any{"tenant_id": 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("code creation failed: %d %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	code := created["activation_code"].(map[string]any)["code"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{
		"activation_code": code,
		"machine_id":      testMachineID,
		"name":            "test-gw",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("activation failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	return body["gateway_uid"].(string), body["token"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestActivationFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)
	if !strings.HasPrefix(uid, "gw-") {
		t.Errorf("unexpected gateway uid %q", uid)
	}
	if token == "" {
		t.Fatal("expected a session token")
	}

	// Second activation of the same code conflicts.
	w := doJSON(t, router, http.MethodPost, "/api/v1/admin/codes", testAdminToken, map[string]any{"tenant_id": 1})
	code := decodeBody(t, w)["activation_code"].(map[string]any)["code"].(string)
	doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{
		"activation_code": code, "machine_id": testMachineID,
	})
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{
		"activation_code": code, "machine_id": "ffffffffeeeeddddcccc",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for bound code, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "MACHINE_ID_MISMATCH" {
		t.Errorf("expected MACHINE_ID_MISMATCH, got %v", body["error"])
	}
	if body["ok"] != false {
		t.Error("error envelope must carry ok:false")
	}
	if w.Header().Get("X-Error-Code") != "MACHINE_ID_MISMATCH" {
		t.Error("expected X-Error-Code header")
	}
	if w.Header().Get("X-Support-ID") == "" {
		t.Error("expected X-Support-ID header")
	}
}

func TestActivateMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{"machine_id": testMachineID})
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "CODE_MISSING" {
		t.Errorf("expected 400 CODE_MISSING, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{"activation_code": "HERC-A2B3-C4D5-E6F7-G8H9"})
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "MACHINE_ID_MISSING" {
		t.Errorf("expected 400 MACHINE_ID_MISSING, got %d %s", w.Code, w.Body.String())
	}
}

func TestRefreshFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := activateTestGateway(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/refresh", "", map[string]any{"token": token})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["token"] == "" || body["token_expiry"] == "" {
		t.Errorf("expected fresh token and expiry, got %v", body)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/refresh", "", map[string]any{"token": "garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for malformed token, got %d", w.Code)
	}
}

func TestGatewayAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	heartbeat := map[string]any{"metrics": map[string]any{"os": "linux"}}

	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", "", heartbeat)
	if w.Code != http.StatusUnauthorized || decodeBody(t, w)["error"] != "TOKEN_MISSING" {
		t.Errorf("expected 401 TOKEN_MISSING, got %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Token "+token)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-bearer scheme, got %d", w2.Code)
	}

	// Token for gateway A replayed against gateway B's routes.
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/gw-other/heartbeat", token, heartbeat)
	if w.Code != http.StatusForbidden || decodeBody(t, w)["error"] != "GATEWAY_ID_MISMATCH" {
		t.Errorf("expected 403 GATEWAY_ID_MISMATCH, got %d %s", w.Code, w.Body.String())
	}

	// Valid token works.
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", token, heartbeat)
	if w.Code != http.StatusOK {
		t.Errorf("heartbeat with valid token failed: %d %s", w.Code, w.Body.String())
	}
}

func TestDataIngestEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	batch := map[string]any{
		"batch_id":  "batch-001",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": []map[string]any{
			{"tag_id": "t.temp", "value": 21.5, "data_type": "numeric"},
			{"tag_id": "t.on", "value": true, "data_type": "boolean"},
		},
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/data", token, batch)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["accepted"]; got != float64(2) {
		t.Errorf("expected accepted=2, got %v", got)
	}

	// A bad sample rejects the whole batch with 400.
	batch["data"] = []map[string]any{
		{"tag_id": "t.temp", "value": 21.5, "data_type": "numeric"},
		{"tag_id": "t.bad", "value": "oops", "data_type": "numeric"},
	}
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/data", token, batch)
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "TAG_VALUE_INVALID" {
		t.Errorf("expected 400 TAG_VALUE_INVALID, got %d %s", w.Code, w.Body.String())
	}
}

func TestCommandRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	// Operator queues a command.
	w := doJSON(t, router, http.MethodPost, "/api/v1/admin/gateways/"+uid+"/commands", testAdminToken, map[string]any{
		"type":   "backup",
		"params": map[string]any{"target": "s3://bucket"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue failed: %d %s", w.Code, w.Body.String())
	}
	cmdUID := decodeBody(t, w)["command"].(map[string]any)["command_uid"].(string)

	// Gateway polls and receives it.
	w = doJSON(t, router, http.MethodGet, "/api/v1/gateway/"+uid+"/commands/next", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll failed: %d %s", w.Code, w.Body.String())
	}
	cmd := decodeBody(t, w)["command"].(map[string]any)
	if cmd["command_uid"] != cmdUID || cmd["status"] != "sent" {
		t.Errorf("unexpected polled command: %v", cmd)
	}

	// Empty queue polls return command:null.
	w = doJSON(t, router, http.MethodGet, "/api/v1/gateway/"+uid+"/commands/next", token, nil)
	if decodeBody(t, w)["command"] != nil {
		t.Error("expected null command on empty queue")
	}

	// Gateway reports completion.
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/gateway/%s/commands/%s/result", uid, cmdUID), token, map[string]any{
		"status": "completed",
		"result": map[string]any{"duration_ms": 900},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("report failed: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["command"].(map[string]any)["status"]; got != "completed" {
		t.Errorf("expected completed, got %v", got)
	}
}

func TestAdminAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways?tenant_id=1", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without admin token, got %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways?tenant_id=1", "wrong-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong admin token, got %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways?tenant_id=1", testAdminToken, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with admin token, got %d %s", w.Code, w.Body.String())
	}
}

func TestAdminGatewayView(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	// Before any heartbeat the derived connection status is disconnected.
	w := doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways/"+uid, testAdminToken, nil)
	gw := decodeBody(t, w)["gateway"].(map[string]any)
	if gw["connection"] != "disconnected" {
		t.Errorf("expected disconnected before heartbeat, got %v", gw["connection"])
	}

	doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", token, map[string]any{
		"metrics": map[string]any{"os": "linux", "cpu_percent": 12.0},
	})

	w = doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways/"+uid, testAdminToken, nil)
	gw = decodeBody(t, w)["gateway"].(map[string]any)
	if gw["connection"] != "active" {
		t.Errorf("expected active after heartbeat, got %v", gw["connection"])
	}
}

func TestRevokedGatewayCannotReactivate(t *testing.T) {
	router, services := newTestRouter(t)
	uid, _ := activateTestGateway(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/admin/gateways/"+uid+"/revoke", testAdminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke failed: %d %s", w.Code, w.Body.String())
	}

	codes, err := services.Activation.ListCodes(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 || codes[0].Status != core.CodeStatusRevoked {
		t.Fatalf("expected revoked code, got %+v", codes[0])
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{
		"activation_code": codes[0].Code,
		"machine_id":      testMachineID,
	})
	if w.Code != http.StatusGone || decodeBody(t, w)["error"] != "CODE_REVOKED" {
		t.Errorf("expected 410 CODE_REVOKED, got %d %s", w.Code, w.Body.String())
	}
}

func TestRevokedGatewaySessionSevered(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	heartbeat := map[string]any{"metrics": map[string]any{"os": "linux"}}
	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", token, heartbeat)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat before revoke failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/admin/gateways/"+uid+"/revoke", testAdminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke failed: %d %s", w.Code, w.Body.String())
	}

	// The session token is still cryptographically valid, but every
	// authenticated operation must now be rejected.
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/heartbeat", token, heartbeat)
	if w.Code != http.StatusGone || decodeBody(t, w)["error"] != "CODE_REVOKED" {
		t.Errorf("expected 410 CODE_REVOKED for heartbeat, got %d %s", w.Code, w.Body.String())
	}

	batch := map[string]any{
		"batch_id":  "batch-001",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      []map[string]any{{"tag_id": "t.temp", "value": 21.5}},
	}
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/"+uid+"/data", token, batch)
	if w.Code != http.StatusGone || decodeBody(t, w)["error"] != "CODE_REVOKED" {
		t.Errorf("expected 410 CODE_REVOKED for data, got %d %s", w.Code, w.Body.String())
	}

	// The session is not renewable either.
	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/refresh", "", map[string]any{"token": token})
	if w.Code != http.StatusGone || decodeBody(t, w)["error"] != "CODE_REVOKED" {
		t.Errorf("expected 410 CODE_REVOKED for refresh, got %d %s", w.Code, w.Body.String())
	}
}

func TestMalformedBodyErrorCodes(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	raw := func(path, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	// Each endpoint reports a malformed body with a code from its own phase
	// of the protocol, not the activation-phase one.
	w := raw("/api/v1/gateway/activate", "")
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "CODE_FORMAT_INVALID" {
		t.Errorf("activate: expected 400 CODE_FORMAT_INVALID, got %d %s", w.Code, w.Body.String())
	}

	w = raw("/api/v1/gateway/refresh", "")
	if w.Code != http.StatusUnauthorized || decodeBody(t, w)["error"] != "TOKEN_FORMAT_INVALID" {
		t.Errorf("refresh: expected 401 TOKEN_FORMAT_INVALID, got %d %s", w.Code, w.Body.String())
	}

	w = raw("/api/v1/gateway/"+uid+"/data", token)
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "BATCH_ID_MISSING" {
		t.Errorf("data: expected 400 BATCH_ID_MISSING, got %d %s", w.Code, w.Body.String())
	}

	w = raw("/api/v1/gateway/"+uid+"/commands/cmd-x/result", token)
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "COMMAND_PARAMETERS_MISSING" {
		t.Errorf("report: expected 400 COMMAND_PARAMETERS_MISSING, got %d %s", w.Code, w.Body.String())
	}
}

func TestNotFoundCodesPerEntity(t *testing.T) {
	router, _ := newTestRouter(t)
	uid, token := activateTestGateway(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/admin/gateways/gw-ghost", testAdminToken, nil)
	if w.Code != http.StatusNotFound || decodeBody(t, w)["error"] != "GATEWAY_NOT_FOUND" {
		t.Errorf("expected 404 GATEWAY_NOT_FOUND, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/gateway/%s/commands/cmd-ghost/result", uid), token, map[string]any{"status": "executing"})
	if w.Code != http.StatusNotFound || decodeBody(t, w)["error"] != "COMMAND_NOT_FOUND" {
		t.Errorf("expected 404 COMMAND_NOT_FOUND, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", map[string]any{
		"activation_code": "HERC-A2B3-C4D5-E6F7-G8H9",
		"machine_id":      testMachineID,
	})
	if w.Code != http.StatusNotFound || decodeBody(t, w)["error"] != "CODE_NOT_FOUND" {
		t.Errorf("expected 404 CODE_NOT_FOUND, got %d %s", w.Code, w.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	router, _ := newTestRouter(t)

	// 2MB of padding against the 1MB limit.
	big := map[string]any{
		"activation_code": "HERC-A2B3-C4D5-E6F7-G8H9",
		"machine_id":      testMachineID,
		"name":            strings.Repeat("x", 2<<20),
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/gateway/activate", "", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "REQUEST_BODY_TOO_LARGE" {
		t.Errorf("expected REQUEST_BODY_TOO_LARGE, got %s", w.Body.String())
	}
}
