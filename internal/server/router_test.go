package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/audit"
	"fleet-master/internal/auth"
	"fleet-master/internal/dispatch"
	"fleet-master/internal/registry"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

const testBootstrap = "boot-secret"

type testEnv struct {
	router   *gin.Engine
	tokenCfg auth.TokenConfig
	worker   *auth.TrustManager
	workerPK string
	sink     *audit.MemorySink
}

// newTestEnv wires a master router plus a worker identity "w1" that shares
// the master's key directory but has not registered its public key yet.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sink := audit.NewMemorySink(100)
	auditLog := audit.New(nil, sink)

	keys := auth.NewDirKeyStore(t.TempDir())
	master := auth.NewTrustManager(auth.TrustConfig{
		NodeName:       "master",
		Keys:           keys,
		BootstrapToken: testBootstrap,
		Audit:          auditLog,
	})

	privPEM, pubPEM, err := auth.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := auth.ParsePrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	worker := auth.NewTrustManager(auth.TrustConfig{NodeName: "w1", PrivateKey: priv, Keys: keys})

	st := store.New()
	reg := registry.New(st, registry.Config{Audit: auditLog})
	group := tasks.NewGroup(nil, 8)
	disp := dispatch.New(dispatch.Config{
		Store:    st,
		Registry: reg,
		Tokens:   master,
		Tasks:    group,
		Audit:    auditLog,
	})
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

	r := NewRouter(Deps{
		Store:         st,
		Registry:      reg,
		Dispatcher:    disp,
		Trust:         master,
		Tasks:         group,
		TokenConfig:   tokenCfg,
		FleetAudience: "fleet",
		Audit:         auditLog,
		AuditStore:    sink,
		NodeName:      "master",
	})
	return &testEnv{router: r, tokenCfg: tokenCfg, worker: worker, workerPK: string(pubPEM), sink: sink}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) fleetHeader(t *testing.T) map[string]string {
	t.Helper()
	tok, err := e.worker.IssueToken("fleet")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (e *testEnv) registerWorkerKey(t *testing.T) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/fleet/register-key",
		map[string]any{"name": "w1", "public_key": e.workerPK},
		map[string]string{"X-Bootstrap-Token": testBootstrap})
	if w.Code != http.StatusOK {
		t.Fatalf("register-key: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["ok"] != true || resp["node"] != "master" {
		t.Fatalf("unexpected health: %v", resp)
	}

	w = e.do(t, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %d", w.Code)
	}
}

func TestRegisterKey_BootstrapToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/fleet/register-key",
		map[string]any{"name": "w1", "public_key": e.workerPK},
		map[string]string{"X-Bootstrap-Token": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/fleet/register-key",
		map[string]any{"name": "../etc", "public_key": e.workerPK},
		map[string]string{"X-Bootstrap-Token": testBootstrap})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad name, got %d: %s", w.Code, w.Body.String())
	}

	e.registerWorkerKey(t)

	entries, err := e.sink.List(context.Background(), audit.Query{Category: audit.CategorySecurity})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rejected and accepted registrations audited, got %d", len(entries))
	}
}

func TestFleetEndpoints_RequireToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/fleet/ping/w1", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// key not registered yet: the issuer is unknown
	w = e.do(t, http.MethodPost, "/api/v1/fleet/ping/w1", nil, e.fleetHeader(t))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for untrusted issuer, got %d: %s", w.Code, w.Body.String())
	}

	e.registerWorkerKey(t)
	tok, err := e.worker.IssueToken("elsewhere")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	w = e.do(t, http.MethodPost, "/api/v1/fleet/ping/w1", nil, map[string]string{"Authorization": "Bearer " + tok})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for audience mismatch, got %d", w.Code)
	}
}

func TestFleetFlow_RegisterSyncAndUserAPI(t *testing.T) {
	e := newTestEnv(t)
	e.registerWorkerKey(t)

	w := e.do(t, http.MethodPost, "/api/v1/fleet/ping/w1", nil, e.fleetHeader(t))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown worker, got %d", w.Code)
	}

	w = e.do(t, http.MethodPost, "/api/v1/fleet/register",
		map[string]any{"name": "w1", "subdomain": "w1", "endpoint": "http://127.0.0.1:1"}, e.fleetHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/fleet/ping/w1", nil, e.fleetHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "pong" || resp["fleet_id"] != "w1" {
		t.Fatalf("unexpected ping: %v", resp)
	}

	w = e.do(t, http.MethodPost, "/api/v1/fleet/users", map[string]any{
		"username":    "alice",
		"person_name": "Alice",
		"im_username": "im-alice",
		"cookies":     map[string]string{"sid": "a"},
	}, e.fleetHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("users: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	synced := decode(t, w)
	user, _ := synced["user"].(map[string]any)
	if user["worker"] != "w1" || synced["created"] != true {
		t.Fatalf("expected alice assigned to w1, got %v", synced)
	}
	userToken, _ := synced["token"].(string)
	if userToken == "" {
		t.Fatalf("expected session token, got %v", synced)
	}
	bearer := map[string]string{"Authorization": "Bearer " + userToken}

	w = e.do(t, http.MethodGet, "/api/v1/auth/me", nil, bearer)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("me: got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/sign-configs", map[string]any{
		"name":          "fast",
		"triggerType":   "threshold",
		"isDefault":     true,
		"thresholdTime": 10,
		"pollInterval":  100,
	}, bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("create config: got %d: %s", w.Code, w.Body.String())
	}
	cfg, _ := decode(t, w)["config"].(map[string]any)
	if cfg["thresholdTime"] != float64(120) || cfg["pollInterval"] != float64(60) {
		t.Fatalf("expected clamped threshold params, got %v", cfg)
	}
	cfgID, _ := cfg["uuid"].(string)

	w = e.do(t, http.MethodGet, "/api/v1/sign-configs", nil, bearer)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), cfgID) {
		t.Fatalf("list configs: got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/v1/activity/active-activities", nil, bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("active: got %d: %s", w.Code, w.Body.String())
	}
	if detections, _ := decode(t, w)["detections"].([]any); len(detections) != 0 {
		t.Fatalf("expected no detections, got %v", detections)
	}

	w = e.do(t, http.MethodPost, "/api/v1/activity/does-not-exist", nil, bearer)
	if w.Code != http.StatusNotFound {
		t.Fatalf("trigger unknown: expected 404, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/fleet/report-ws-error",
		map[string]any{"message": "socket closed", "im_uname": "im-alice"}, e.fleetHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("report-ws-error: got %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, http.MethodGet, "/api/v1/monitor/status", nil, bearer)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "false") {
		t.Fatalf("monitor status: got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/v1/system/status", nil, bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("system status: got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["workers"] != float64(1) {
		t.Fatalf("expected one worker, got %v", resp)
	}
}

func TestUserAPI_RequiresSessionToken(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/activity/active-activities",
		"/api/v1/sign-configs",
		"/api/v1/workers",
		"/api/v1/logs",
	} {
		w := e.do(t, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestQRCode_NoDetections(t *testing.T) {
	e := newTestEnv(t)
	tok, err := auth.CreateToken("user-1", e.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	w := e.do(t, http.MethodPost, "/api/v1/activity/qr-code",
		map[string]any{"activity_id": "42", "enc": "E"},
		map[string]string{"Authorization": "Bearer " + tok})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/activity/qr-code",
		map[string]any{"activity_id": "42"},
		map[string]string{"Authorization": "Bearer " + tok})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enc, got %d", w.Code)
	}
}
