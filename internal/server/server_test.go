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

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/migrate"
)

const testSecret = "test-secret"

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	Admin  domain.User
	Member domain.User
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) auth(t *testing.T, u domain.User) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, u.CID, u.IsAdmin, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testBase }
	ctx := context.Background()
	admin, err := e.CreateUser(ctx, engine.UserCreateOptions{Name: "Admin", Email: "admin@test.local", IsAdmin: true, ActorID: "test"})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	member, err := e.CreateUser(ctx, engine.UserCreateOptions{Name: "Member", Email: "member@test.local", ActorID: "test"})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
	})
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
		Admin:  admin,
		Member: member,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body %q: %v", data, err)
	}
	return body.Code
}

func TestHealthOpenWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %s", code)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"email": srv.Member.Email,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil || token.Token == "" {
		t.Fatalf("expected a token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.CID != srv.Member.CID {
		t.Fatalf("expected %s, got %s", srv.Member.CID, me.CID)
	}
	if me.LoginTimestamp == "" {
		t.Fatalf("expected dev login to stamp the login instant")
	}
}

func TestTaskCreationIsAdminOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	payload := map[string]any{
		"title":       "Ship it",
		"point_value": 1,
		"due":         testBase.Add(48 * time.Hour).Format(time.RFC3339),
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", payload, srv.auth(t, srv.Member))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", payload, srv.auth(t, srv.Admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	adminAuth := srv.auth(t, srv.Admin)
	memberAuth := srv.auth(t, srv.Member)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":               "Evening walk",
		"point_value":         2,
		"due":                 testBase.Add(48 * time.Hour).Format(time.RFC3339),
		"partner_up_deadline": "SIX_HOURS",
	}, adminAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.CID+"/commit", nil, memberAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.CID+"/done", nil, memberAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done: %d %s", res.StatusCode, string(data))
	}
	var outcome OutcomeResponse
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Type != domain.OutcomePending {
		t.Fatalf("expected PENDING, got %s", outcome.Type)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes/"+outcome.CID+"/review", map[string]any{
		"type": domain.OutcomeFulfilled,
	}, memberAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected review to require admin, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes/"+outcome.CID+"/review", map[string]any{
		"type": domain.OutcomeFulfilled,
	}, adminAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/score", nil, memberAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score: %d %s", res.StatusCode, string(data))
	}
	var report engine.ScoreReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	if report.Total != 2 || report.TasksDoneAlone != 1 {
		t.Fatalf("expected 2 points done alone, got %+v", report)
	}
}

func TestPartnerRequestOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	other, err := srv.Engine.CreateUser(context.Background(), engine.UserCreateOptions{Name: "Other", Email: "other@test.local", ActorID: "test"})
	if err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":               "Pair run",
		"point_value":         1,
		"due":                 testBase.Add(48 * time.Hour).Format(time.RFC3339),
		"partner_up_deadline": "SIX_HOURS",
	}, srv.auth(t, srv.Admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.CID+"/partner-requests", map[string]any{
		"candidate_cid": other.CID,
	}, srv.auth(t, srv.Member))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request partner: %d %s", res.StatusCode, string(data))
	}
	var conn ConnectionResponse
	if err := json.Unmarshal(data, &conn); err != nil {
		t.Fatalf("unmarshal connection: %v", err)
	}
	if conn.FromCID != srv.Member.CID || conn.ToCID != other.CID {
		t.Fatalf("unexpected direction: %s -> %s", conn.FromCID, conn.ToCID)
	}

	// the requester cannot confirm; the error surfaces as an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/connections/"+conn.CID+"/confirm", nil, srv.auth(t, srv.Member))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/connections/"+conn.CID+"/confirm", nil, srv.auth(t, other))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	memberAuth := srv.auth(t, srv.Member)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope", nil, memberAuth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	// a task whose completion grace has expired
	stale, err := srv.Engine.CreateTask(context.Background(), engine.TaskCreateOptions{
		Title:      "Stale",
		PointValue: 1,
		Due:        testBase.Add(-72 * time.Hour).Format(time.RFC3339),
		ActorID:    "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+stale.CID+"/done", nil, memberAuth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "deadline_passed" {
		t.Fatalf("expected deadline_passed, got %s", code)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{
		"name": "ci",
	}, srv.auth(t, srv.Member))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected the raw key in the create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me UserResponse
	_ = json.Unmarshal(data, &me)
	if me.CID != srv.Member.CID {
		t.Fatalf("expected %s, got %s", srv.Member.CID, me.CID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "pk_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsAdminOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, srv.auth(t, srv.Member))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, srv.auth(t, srv.Admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var items []EventResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected user creation events in the log")
	}
}
