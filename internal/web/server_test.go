package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/portguard/portguard/internal/auth"
	"github.com/portguard/portguard/internal/batch"
	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/config"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/registry"
	"github.com/portguard/portguard/internal/store"
)

type noCreds struct{}

func (noCreds) GetRegistryCredentials(userID string) ([]registry.RegistryCredential, error) {
	return nil, nil
}

// testServer builds a full Dependencies graph on a temp bbolt store,
// mirroring the teacher's own integration-test convention of wiring real
// components rather than interface mocks (internal/batch/batch_test.go).
func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureAuthBuckets(); err != nil {
		t.Fatalf("ensure auth buckets: %v", err)
	}
	if err := s.SeedBuiltinRoles(); err != nil {
		t.Fatalf("seed roles: %v", err)
	}

	log := logging.New(false)
	clk := clock.Real{}
	authSvc := auth.NewService(s, s, s, s, false, time.Hour)
	det := detector.New(s, noCreds{}, registry.NewRateLimitTracker(), log)
	c := cache.New(s, log, clk)
	in := intent.New(s, log, clk)
	sched := batch.NewScheduler(s, log, clk, det, c, in)
	disp := notify.NewDispatcher(s, log)

	deps := Dependencies{
		Store: s, Auth: authSvc, Cache: c, Detector: det,
		Scheduler: sched, Intents: in, Notify: disp,
		Config: config.NewTestConfig(), Log: log, Clock: clk,
	}
	return NewServer(deps), s
}

// createUserAndToken bootstraps a user directly against the store and
// mints a bearer API token, so handler tests authenticate without going
// through the cookie+CSRF path.
func createUserAndToken(t *testing.T, s *store.Store) (auth.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := auth.User{ID: "u1", Username: "owner", PasswordHash: hash, RoleID: auth.RoleOwnerID, CreatedAt: time.Now().UTC()}
	if err := s.CreateFirstUser(user); err != nil {
		t.Fatalf("create first user: %v", err)
	}
	plaintext, hashed, err := auth.GenerateAPIToken()
	if err != nil {
		t.Fatalf("generate api token: %v", err)
	}
	if err := s.CreateAPIToken(auth.APIToken{ID: "tok1", UserID: user.ID, Name: "test", TokenHash: hashed, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create api token: %v", err)
	}
	return user, plaintext
}

func doJSON(t *testing.T, srv *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSetupThenLogin(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/setup", "", setupRequest{Username: "owner", Password: "correct horse battery staple"})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/setup", "", setupRequest{Username: "owner2", Password: "correct horse battery staple"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second setup: expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/login", "", loginRequest{Username: "owner", Password: "wrong password entirely"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/login", "", loginRequest{Username: "owner", Password: "correct horse battery staple"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Result().Cookies() == nil {
		t.Fatalf("expected a session cookie to be set")
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/containers", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPortainerInstanceCRUD(t *testing.T) {
	srv, s := testServer(t)
	_, bearer := createUserAndToken(t, s)

	rec := doJSON(t, srv, http.MethodPost, "/api/portainer/instances", bearer, map[string]any{
		"name": "prod", "url": "https://portainer.example.com", "authType": "apikey", "apiKey": "secret-key",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created store.PortainerInstance
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created instance: %v", err)
	}
	if created.APIKey != "****" {
		t.Errorf("expected masked apiKey in response, got %q", created.APIKey)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/portainer/instances", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var listed []store.PortainerInstance
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(listed))
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/portainer/instances/"+created.ID, bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
}

func TestCreatePortainerInstanceValidation(t *testing.T) {
	srv, s := testServer(t)
	_, bearer := createUserAndToken(t, s)

	rec := doJSON(t, srv, http.MethodPost, "/api/portainer/instances", bearer, map[string]any{
		"name": "prod", "url": "https://portainer.example.com", "authType": "password",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password fields, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIntentCapEnforced(t *testing.T) {
	srv, s := testServer(t)
	_, bearer := createUserAndToken(t, s)

	for i := 0; i < store.MaxIntentsPerUser; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/intents", bearer, map[string]any{
			"name": "intent", "scheduleType": "immediate",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("intent %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/intents", bearer, map[string]any{
		"name": "one too many", "scheduleType": "immediate",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 once the per-user cap is hit, got %d", rec.Code)
	}
}

func TestBatchConfigIntervalValidation(t *testing.T) {
	srv, s := testServer(t)
	_, bearer := createUserAndToken(t, s)

	rec := doJSON(t, srv, http.MethodPost, "/api/batch/config", bearer, map[string]any{
		"jobType": "docker-hub-pull", "enabled": true, "intervalMinutes": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for intervalMinutes=0, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/batch/config", bearer, map[string]any{
		"jobType": "docker-hub-pull", "enabled": true, "intervalMinutes": 60,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
