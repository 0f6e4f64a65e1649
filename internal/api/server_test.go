package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/org/citaguard/internal/audit"
	"github.com/org/citaguard/internal/auth"
	"github.com/org/citaguard/internal/crypto"
	"github.com/org/citaguard/internal/csrf"
	"github.com/org/citaguard/internal/storage"
	"github.com/org/citaguard/pkg/models"
)

const (
	aliceToken = "alice-token-000000000000"
	bobToken   = "bob-token-00000000000000"
	adminToken = "admin-token-000000000000"
)

// offlineEvents stores documents normally but fails every event insert.
type offlineEvents struct {
	*storage.MemoryBackend
}

func (offlineEvents) InsertEvent(ctx context.Context, e *models.SecurityEvent) error {
	return errors.New("event store offline")
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *storage.MemoryBackend
	auditor *audit.Logger
	tokens  *auth.StaticVerifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, cfg, nil)
}

func newTestEnvWithStore(t *testing.T, cfg Config, wrap func(*storage.MemoryBackend) storage.Backend) *testEnv {
	t.Helper()
	mem := storage.NewMemoryBackend()
	var backend storage.Backend = mem
	if wrap != nil {
		backend = wrap(mem)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cipher, err := crypto.NewFieldCipher(key)
	if err != nil {
		t.Fatalf("creating cipher: %v", err)
	}

	tokens := auth.NewStaticVerifier()
	tokens.Add(aliceToken, models.Principal{UID: "alice", Email: "alice@citaguard.dev"})
	tokens.Add(bobToken, models.Principal{UID: "bob", Email: "bob@citaguard.dev"})
	tokens.Add(adminToken, models.Principal{UID: "root", Email: "root@citaguard.dev", Admin: true})

	auditor := audit.NewLogger(backend)
	srv := NewServer(cfg, Deps{
		Store:    backend,
		Cipher:   cipher,
		Codec:    csrf.NewCodec([]byte("api-test-csrf-secret-0123456789abcdef")),
		Auditor:  auditor,
		Verifier: tokens,
		Tokens:   tokens,
	})
	return &testEnv{
		srv:     srv,
		handler: srv.BuildRouter(),
		store:   mem,
		auditor: auditor,
		tokens:  tokens,
	}
}

// session tracks the CSRF cookie the way a browser would.
type session struct {
	t       *testing.T
	handler http.Handler
	bearer  string
	csrf    string
}

func (e *testEnv) session(t *testing.T, bearer string) *session {
	t.Helper()
	s := &session{t: t, handler: e.handler, bearer: bearer}
	w := s.do(http.MethodGet, "/csrf-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fetching csrf token: %d %s", w.Code, w.Body.String())
	}
	if s.csrf == "" {
		t.Fatal("expected csrf cookie on /csrf-token")
	}
	return s
}

func (s *session) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}
	if s.csrf != "" {
		req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: s.csrf})
		if csrf.Unsafe(method) {
			req.Header.Set(csrf.HeaderName, s.csrf)
		}
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == csrf.CookieName {
			s.csrf = c.Value
		}
	}
	return w
}

func getJSON(t *testing.T, handler http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func (e *testEnv) events(t *testing.T, typ models.EventType) []*models.SecurityEvent {
	t.Helper()
	events, err := e.store.QueryEvents(context.Background(), storage.EventFilter{EventType: typ})
	if err != nil {
		t.Fatalf("querying events: %v", err)
	}
	return events
}

var phoneBody = map[string]any{
	"phone_number": "600111222",
	"country_code": "+34",
	"label":        "Casa",
}

func createPhone(t *testing.T, s *session) string {
	t.Helper()
	w := s.do(http.MethodPost, "/api/emergency/phones", phoneBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	return data["id"].(string)
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := getJSON(t, env.handler, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS in development, got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestProductionHeaders(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	w := getJSON(t, env.handler, "/api/emergency/phones", aliceToken)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS in production")
	}
	if got := w.Header().Get("Cache-Control"); got == "" {
		t.Error("expected no-store cache headers on /api/")
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == csrf.CookieName && !c.Secure {
			t.Error("expected Secure csrf cookie in production")
		}
	}
}

func TestCSRFTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := getJSON(t, env.handler, "/csrf-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	token, _ := decodeBody(t, w)["csrf_token"].(string)
	if len(token) != csrf.TokenLength {
		t.Fatalf("expected %d-char token, got %q", csrf.TokenLength, token)
	}
	var cookie string
	for _, c := range w.Result().Cookies() {
		if c.Name == csrf.CookieName {
			cookie = c.Value
		}
	}
	if cookie != token {
		t.Error("expected cookie to carry the same token as the body")
	}
}

// A browser fetches a token, then creates a phone. The number is stored
// encrypted and the token rotates.
func TestCreatePhoneWithCSRF(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)
	before := s.csrf

	id := createPhone(t, s)
	if s.csrf == before {
		t.Error("expected csrf token to rotate after a successful POST")
	}

	raw, err := env.store.GetDocument(context.Background(), storage.CollectionEmergencyPhones, id)
	if err != nil {
		t.Fatalf("reading stored phone: %v", err)
	}
	if raw["phone_number"] == "600111222" {
		t.Error("expected phone number to be encrypted at rest")
	}

	w := s.do(http.MethodGet, "/api/emergency/phones/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["phone_number"] != "600111222" {
		t.Errorf("expected decrypted number, got %v", data["phone_number"])
	}
}

// The same POST without the header is rejected before any handler runs.
func TestCreatePhoneMissingHeader(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)

	data, _ := json.Marshal(phoneBody)
	req := httptest.NewRequest(http.MethodPost, "/api/emergency/phones", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: s.csrf})
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	errs, _ := decodeBody(t, w)["errors"].([]any)
	if len(errs) != 1 || errs[0] != csrf.ErrMissingHeader.Reason {
		t.Errorf("unexpected errors: %v", errs)
	}

	docs, _ := env.store.FindDocuments(context.Background(), storage.CollectionEmergencyPhones, "user_id", "alice")
	if len(docs) != 0 {
		t.Errorf("expected no phone to be stored, got %d", len(docs))
	}
}

func TestCSRFRejectsForgedToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)
	flipped := "0"
	if s.csrf[len(s.csrf)-1] == '0' {
		flipped = "1"
	}
	s.csrf = s.csrf[:len(s.csrf)-1] + flipped
	w := s.do(http.MethodPost, "/api/emergency/phones", phoneBody)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// A stored ciphertext that no longer decrypts comes back as the sentinel,
// and the rest of the list is unaffected.
func TestListWithUndecryptablePhone(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)
	good := createPhone(t, s)
	bad := createPhone(t, s)

	err := env.store.UpdateDocument(context.Background(), storage.CollectionEmergencyPhones, bad,
		models.Document{"phone_number": "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	if err != nil {
		t.Fatalf("corrupting phone: %v", err)
	}

	w := s.do(http.MethodGet, "/api/emergency/phones", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", w.Code, w.Body.String())
	}
	list := decodeBody(t, w)["data"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 phones, got %d", len(list))
	}
	for _, item := range list {
		p := item.(map[string]any)
		switch p["id"] {
		case good:
			if p["phone_number"] != "600111222" {
				t.Errorf("expected good phone to decrypt, got %v", p["phone_number"])
			}
		case bad:
			if p["phone_number"] != crypto.DecryptionFailedValue {
				t.Errorf("expected sentinel, got %v", p["phone_number"])
			}
		}
	}
}

// An unreachable event store never fails the request.
func TestEventStoreOutage(t *testing.T) {
	env := newTestEnvWithStore(t, Config{}, func(m *storage.MemoryBackend) storage.Backend {
		return offlineEvents{m}
	})
	s := env.session(t, aliceToken)
	id := createPhone(t, s)

	w := s.do(http.MethodDelete, "/api/emergency/phones/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", w.Code, w.Body.String())
	}
	if n := len(env.events(t, "")); n != 0 {
		t.Errorf("expected no stored events, got %d", n)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, Config{})
	if w := getJSON(t, env.handler, "/api/emergency/phones", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := getJSON(t, env.handler, "/api/emergency/phones", "nope"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown token, got %d", w.Code)
	}
}

func TestPhoneOwnership(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.session(t, aliceToken)
	id := createPhone(t, alice)

	bob := env.session(t, bobToken)
	if w := bob.do(http.MethodGet, "/api/emergency/phones/"+id, nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for other user's phone, got %d", w.Code)
	}
	if w := bob.do(http.MethodGet, "/api/emergency/phones?user_id=alice", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 listing other user's phones, got %d", w.Code)
	}
	if n := len(env.events(t, models.EventUnauthorizedAccess)); n != 2 {
		t.Errorf("expected 2 unauthorized_access events, got %d", n)
	}
	if w := bob.do(http.MethodGet, "/api/emergency/phones/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPhoneValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)

	w := s.do(http.MethodPost, "/api/emergency/phones", map[string]any{"phone_number": "12"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	errs, _ := decodeBody(t, w)["errors"].(map[string]any)
	if _, ok := errs["phone_number"]; !ok {
		t.Errorf("expected phone_number error, got %v", errs)
	}

	w = s.do(http.MethodPost, "/api/emergency/phones", map[string]any{
		"phone_number": "600111222",
		"label":        "<script>alert(1)</script>",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for markup, got %d", w.Code)
	}
	if n := len(env.events(t, models.EventXSSAttemptBlocked)); n != 1 {
		t.Errorf("expected 1 xss event, got %d", n)
	}
}

func TestPhoneUpdateAndDelete(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.session(t, aliceToken)
	id := createPhone(t, s)

	w := s.do(http.MethodPut, "/api/emergency/phones/"+id, map[string]any{"label": "Trabajo"})
	if w.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["label"] != "Trabajo" || data["phone_number"] != "600111222" {
		t.Errorf("unexpected update result: %v", data)
	}

	if w := s.do(http.MethodPut, "/api/emergency/phones/"+id, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty update, got %d", w.Code)
	}

	if w := s.do(http.MethodDelete, "/api/emergency/phones/"+id, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/emergency/phones/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := getJSON(t, env.handler, "/api/admin/security-events", aliceToken)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	events := env.events(t, models.EventUnauthorizedAccess)
	if len(events) != 1 || events[0].ActorUserID != "alice" {
		t.Errorf("expected one unauthorized_access event for alice, got %v", events)
	}
}

func TestAdminVerifyAndEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := createPhone(t, env.session(t, aliceToken))

	admin := env.session(t, adminToken)
	w := admin.do(http.MethodPost, "/api/admin/emergency/phones/"+id+"/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["is_verified"] != true {
		t.Errorf("expected is_verified=true, got %v", data["is_verified"])
	}

	w = admin.do(http.MethodGet, "/api/admin/security-events?event_type=admin_action", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events query failed: %d %s", w.Code, w.Body.String())
	}
	if n := decodeBody(t, w)["count"].(float64); n != 1 {
		t.Errorf("expected 1 admin_action event, got %v", n)
	}

	w = admin.do(http.MethodGet, "/api/admin/security-events?user_id=alice&limit=1", nil)
	if n := decodeBody(t, w)["count"].(float64); n != 1 {
		t.Errorf("expected limit to apply, got %v", n)
	}

	for _, q := range []string{"severity=urgent", "event_type=nope", "limit=0", "since=yesterday", "offset=-1"} {
		if w := admin.do(http.MethodGet, "/api/admin/security-events?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestClientStats(t *testing.T) {
	env := newTestEnv(t, Config{StatsMaxKeys: 100})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(clientVersionHeader, "webapp/2.1.0")
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	w := getJSON(t, env.handler, "/api/admin/client-stats", adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	versions := data["by_client_version"].(map[string]any)
	if _, ok := versions["webapp/2.1.0"]; !ok {
		t.Errorf("expected webapp/2.1.0 in stats, got %v", versions)
	}
	paths := data["by_path"].(map[string]any)
	if _, ok := paths["/health"]; !ok {
		t.Errorf("expected /health in stats, got %v", paths)
	}
}

func TestDebugLogin(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := postJSON(t, env.handler, "/api/v1/debug/login", map[string]any{"uid": "carol", "email": "carol@citaguard.dev"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	token := decodeBody(t, w)["token"].(string)

	if w := getJSON(t, env.handler, "/api/emergency/phones", token); w.Code != http.StatusOK {
		t.Errorf("expected issued token to authenticate, got %d", w.Code)
	}

	postJSON(t, env.handler, "/api/v1/debug/login", map[string]any{"uid": "carol"}, "")
	if n := len(env.events(t, models.EventAccountCreated)); n != 1 {
		t.Errorf("expected 1 account_created event, got %d", n)
	}
	if n := len(env.events(t, models.EventLoginSuccess)); n != 2 {
		t.Errorf("expected 2 login_success events, got %d", n)
	}

	if w := postJSON(t, env.handler, "/api/v1/debug/login", map[string]any{"uid": " "}, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty uid, got %d", w.Code)
	}
	if n := len(env.events(t, models.EventLoginFailed)); n != 1 {
		t.Errorf("expected 1 login_failed event, got %d", n)
	}
}

func TestDebugLoginDisabledInProduction(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	w := postJSON(t, env.handler, "/api/v1/debug/login", map[string]any{"uid": "carol"}, "")
	if w.Code == http.StatusOK {
		t.Fatal("expected debug login to be unavailable in production")
	}
}

func TestAccountDelete(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.session(t, aliceToken)
	createPhone(t, alice)
	createPhone(t, alice)

	admin := env.session(t, adminToken)
	w := admin.do(http.MethodDelete, "/api/admin/accounts/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["deleted_phones"].(float64) != 2 || body["revoked_tokens"].(float64) != 1 {
		t.Errorf("unexpected delete result: %v", body)
	}
	if w := getJSON(t, env.handler, "/api/emergency/phones", aliceToken); w.Code != http.StatusUnauthorized {
		t.Errorf("expected revoked token to fail, got %d", w.Code)
	}
	if n := len(env.events(t, models.EventAccountDeleted)); n != 1 {
		t.Errorf("expected 1 account_deleted event, got %d", n)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2, StatsMaxKeys: 10})
	for i := 0; i < 2; i++ {
		if w := getJSON(t, env.handler, "/health", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := getJSON(t, env.handler, "/health", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if n := len(env.events(t, models.EventRateLimitExceeded)); n != 1 {
		t.Errorf("expected 1 rate_limit_exceeded event, got %d", n)
	}
}
