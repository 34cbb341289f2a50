package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/middleware"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/realtime"
	"github.com/mmynk/groupchat/internal/registry"
	"github.com/mmynk/groupchat/internal/service"
	"github.com/mmynk/groupchat/internal/storage/sqlite"
)

type testServer struct {
	*httptest.Server
	hub *realtime.Hub
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	hub := realtime.NewHub(m)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSvc := service.NewAuthService(
		auth.NewPasswordAuthenticator(store).WithCost(bcrypt.MinCost),
		auth.NewJWTManager("test-secret", time.Hour),
		auth.NewMemoryRevocations(),
		store,
		logger,
	)
	membership := service.NewMembershipService(registry.New(store), store, hub, m)
	cookies := middleware.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"), false)

	router := NewRouter(Deps{
		Auth:       authSvc,
		Membership: membership,
		Hub:        hub,
		Sessions:   middleware.NewAuth(authSvc, cookies),
		Origins:    middleware.NewOrigins([]string{"http://localhost:8080"}),
		Metrics:    m,
		Gatherer:   promReg,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub}
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// signup registers and logs in, returning the token.
func (s *testServer) signup(t *testing.T, username string) string {
	t.Helper()
	creds := credentialsRequest{Username: username, Password: "password123"}
	if code := s.do(t, http.MethodPost, "/api/register", "", creds, nil); code != http.StatusOK {
		t.Fatalf("register %s: status %d", username, code)
	}
	var login loginResponse
	if code := s.do(t, http.MethodPost, "/api/login", "", creds, &login); code != http.StatusOK {
		t.Fatalf("login %s: status %d", username, code)
	}
	return login.Token
}

func (s *testServer) createGroup(t *testing.T, token string, body any) groupResponse {
	t.Helper()
	var g groupResponse
	if code := s.do(t, http.MethodPost, "/api/groups", token, body, &g); code != http.StatusCreated {
		t.Fatalf("create group: status %d", code)
	}
	return g
}

func assertStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected status %d, got %d", want, got)
	}
}

func TestAuthFlow(t *testing.T) {
	s := setupTestServer(t)
	creds := credentialsRequest{Username: "alice", Password: "password123"}

	var user userResponse
	assertStatus(t, s.do(t, http.MethodPost, "/api/register", "", creds, &user), http.StatusOK)
	if user.Username != "alice" || user.Groups == nil {
		t.Errorf("unexpected register response: %+v", user)
	}

	var e errorResponse
	assertStatus(t, s.do(t, http.MethodPost, "/api/register", "", creds, &e), http.StatusBadRequest)
	if !strings.Contains(e.Error, "already registered") {
		t.Errorf("unexpected error: %q", e.Error)
	}

	assertStatus(t, s.do(t, http.MethodPost, "/api/login", "",
		credentialsRequest{Username: "alice", Password: "wrong-password"}, nil), http.StatusUnauthorized)

	var login loginResponse
	assertStatus(t, s.do(t, http.MethodPost, "/api/login", "", creds, &login), http.StatusOK)
	if login.Token == "" || login.Username != "alice" || !login.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected login response: %+v", login)
	}

	assertStatus(t, s.do(t, http.MethodGet, "/api/me", login.Token, nil, &user), http.StatusOK)
	if user.Username != "alice" {
		t.Errorf("expected alice, got %+v", user)
	}

	assertStatus(t, s.do(t, http.MethodPost, "/api/logout", login.Token, nil, nil), http.StatusOK)
	assertStatus(t, s.do(t, http.MethodGet, "/api/me", login.Token, nil, nil), http.StatusUnauthorized)
	assertStatus(t, s.do(t, http.MethodPost, "/api/logout", login.Token, nil, nil), http.StatusUnauthorized)
	assertStatus(t, s.do(t, http.MethodPost, "/api/logout", "", nil, nil), http.StatusUnauthorized)
}

func TestRegisterValidation(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty body", nil},
		{"malformed", "{"},
		{"unknown field", `{"username":"alice","password":"password123","admin":true}`},
		{"missing password", credentialsRequest{Username: "alice"}},
		{"short username", credentialsRequest{Username: "al", Password: "password123"}},
		{"username with dot", credentialsRequest{Username: "a.lice", Password: "password123"}},
		{"weak password", credentialsRequest{Username: "alice", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorResponse
			assertStatus(t, s.do(t, http.MethodPost, "/api/register", "", tt.body, &e), http.StatusBadRequest)
			if e.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestCookieSession(t *testing.T) {
	s := setupTestServer(t)
	s.signup(t, "alice")

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	body := `{"username":"alice","password":"password123"}`
	resp, err := client.Post(s.URL+"/api/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()

	resp, err = client.Get(s.URL + "/api/me")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	resp.Body.Close()
	assertStatus(t, resp.StatusCode, http.StatusOK)

	resp, err = client.Post(s.URL+"/api/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	assertStatus(t, resp.StatusCode, http.StatusOK)

	resp, err = client.Get(s.URL + "/api/me")
	if err != nil {
		t.Fatalf("me after logout: %v", err)
	}
	resp.Body.Close()
	assertStatus(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestGroupLifecycle(t *testing.T) {
	s := setupTestServer(t)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bobby")
	carol := s.signup(t, "carol")

	group := s.createGroup(t, alice, map[string]any{"name": "Trivia", "theme": "general", "max_members": 2})
	if group.ID < registry.MinGroupID || group.ID > registry.MaxGroupID {
		t.Errorf("id %d is not 7 digits", group.ID)
	}
	if len(group.Members) != 1 || group.Members[0] != (memberResponse{"alice", "active"}) {
		t.Errorf("unexpected members: %+v", group.Members)
	}
	path := fmt.Sprintf("/api/groups/%d", group.ID)

	var me userResponse
	s.do(t, http.MethodGet, "/api/me", alice, nil, &me)
	if len(me.Groups) != 1 || me.Groups[0] != group.ID {
		t.Errorf("alice's groups: %v", me.Groups)
	}

	var res successResponse
	assertStatus(t, s.do(t, http.MethodPost, path+"/join", bob, nil, &res), http.StatusOK)
	if !res.Success {
		t.Error("expected success:true")
	}

	var e errorResponse
	assertStatus(t, s.do(t, http.MethodPost, path+"/join", bob, nil, &e), http.StatusBadRequest)
	if !strings.Contains(e.Error, "already a member") {
		t.Errorf("unexpected error: %q", e.Error)
	}
	assertStatus(t, s.do(t, http.MethodPost, path+"/join", carol, map[string]string{"username": "carol"}, &e), http.StatusBadRequest)
	if !strings.Contains(e.Error, "full") {
		t.Errorf("unexpected error: %q", e.Error)
	}
	assertStatus(t, s.do(t, http.MethodPost, path+"/join", carol, map[string]string{"username": "ghost"}, nil), http.StatusNotFound)
	assertStatus(t, s.do(t, http.MethodPost, "/api/groups/1/join", carol, nil, nil), http.StatusNotFound)

	// viewing a group needs no login, and a bad token is ignored
	assertStatus(t, s.do(t, http.MethodGet, path, alice, nil, nil), http.StatusOK)
	assertStatus(t, s.do(t, http.MethodGet, path, "forged", nil, nil), http.StatusOK)

	var got groupResponse
	assertStatus(t, s.do(t, http.MethodGet, path, "", nil, &got), http.StatusOK)
	if len(got.Members) != 2 || got.Members[1] != (memberResponse{"bobby", "pending"}) {
		t.Errorf("unexpected members: %+v", got.Members)
	}

	assertStatus(t, s.do(t, http.MethodPost, path+"/action", bob, actionRequest{Action: "ready"}, nil), http.StatusAccepted)
	assertStatus(t, s.do(t, http.MethodPost, "/api/groups/1/action", bob, actionRequest{Action: "ready"}, nil), http.StatusNotFound)
	s.do(t, http.MethodGet, path, "", nil, &got)
	if got.Actions["bobby"] != "ready" {
		t.Errorf("expected bobby's action, got %v", got.Actions)
	}

	assertStatus(t, s.do(t, http.MethodDelete, path, carol, nil, nil), http.StatusForbidden)
	assertStatus(t, s.do(t, http.MethodGet, path, "", nil, nil), http.StatusOK)

	assertStatus(t, s.do(t, http.MethodDelete, path, bob, nil, nil), http.StatusOK)
	assertStatus(t, s.do(t, http.MethodGet, path, "", nil, nil), http.StatusNotFound)
	assertStatus(t, s.do(t, http.MethodDelete, path, alice, nil, nil), http.StatusNotFound)

	s.do(t, http.MethodGet, "/api/me", alice, nil, &me)
	if len(me.Groups) != 0 {
		t.Errorf("deleted group still listed: %v", me.Groups)
	}
}

func TestJoinByName(t *testing.T) {
	s := setupTestServer(t)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bobby")

	var created groupResponse
	body := map[string]any{"name": "Book Club", "theme": "novels", "max_members": 3}
	assertStatus(t, s.do(t, http.MethodPost, "/api/groups/join-by-name", alice, body, &created), http.StatusOK)
	if created.Name != "Book Club" || created.MaxMembers != 3 || len(created.Members) != 1 {
		t.Fatalf("unexpected group: %+v", created)
	}

	for i := 0; i < 2; i++ {
		var joined groupResponse
		assertStatus(t, s.do(t, http.MethodPost, "/api/groups/join-by-name", bob, body, &joined), http.StatusOK)
		if joined.ID != created.ID || len(joined.Members) != 2 {
			t.Errorf("call %d: unexpected group %+v", i, joined)
		}
	}
}

func TestGroupValidation(t *testing.T) {
	s := setupTestServer(t)
	alice := s.signup(t, "alice")

	for name, body := range map[string]any{
		"missing name":    map[string]any{"theme": "x"},
		"zero capacity":   map[string]any{"name": "x", "max_members": 0},
		"string capacity": `{"name":"x","max_members":"eight"}`,
		"unknown field":   `{"name":"x","owner":"bob"}`,
	} {
		t.Run(name, func(t *testing.T) {
			assertStatus(t, s.do(t, http.MethodPost, "/api/groups", alice, body, nil), http.StatusBadRequest)
		})
	}

	g := s.createGroup(t, alice, map[string]any{"name": "x"})
	if g.MaxMembers != models.DefaultMaxMembers {
		t.Errorf("expected default capacity, got %d", g.MaxMembers)
	}
	assertStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/api/groups/%d/action", g.ID), alice, actionRequest{}, nil), http.StatusBadRequest)
}

func TestProtectedRoutes(t *testing.T) {
	s := setupTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/logout"},
		{http.MethodGet, "/api/me"},
		{http.MethodPost, "/api/groups"},
		{http.MethodPost, "/api/groups/join-by-name"},
		{http.MethodDelete, "/api/groups/1234567"},
		{http.MethodPost, "/api/groups/1234567/join"},
		{http.MethodPost, "/api/groups/1234567/action"},
		{http.MethodGet, "/ws"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			assertStatus(t, s.do(t, rt.method, rt.path, "", nil, nil), http.StatusUnauthorized)
			assertStatus(t, s.do(t, rt.method, rt.path, "forged", nil, nil), http.StatusUnauthorized)
		})
	}
}

func TestRouting(t *testing.T) {
	s := setupTestServer(t)

	var health map[string]string
	assertStatus(t, s.do(t, http.MethodGet, "/healthz", "", nil, &health), http.StatusOK)
	if health["status"] != "ok" {
		t.Errorf("unexpected health: %v", health)
	}

	fallbacks := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/groups/abc", http.StatusNotFound},
		{http.MethodGet, "/api/nothing", http.StatusNotFound},
		{http.MethodGet, "/nothing", http.StatusNotFound},
		{http.MethodPut, "/api/groups/1234567", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/register", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/groups", http.StatusMethodNotAllowed},
		{http.MethodPut, "/healthz", http.StatusMethodNotAllowed},
	}
	for _, fb := range fallbacks {
		t.Run(fb.method+" "+fb.path, func(t *testing.T) {
			var e errorResponse
			assertStatus(t, s.do(t, fb.method, fb.path, "", nil, &e), fb.want)
			if e.Error == "" {
				t.Error("expected a JSON error body")
			}
		})
	}

	resp, err := http.Get(s.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "groupchat_http_request_duration_seconds") {
		t.Error("metrics output misses the request histogram")
	}
}

func dialWS(t *testing.T, s *testServer, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func waitForSubscribers(t *testing.T, hub *realtime.Hub, groupID int64, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for hub.Subscribers(groupID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("group %d: expected %d subscribers, have %d", groupID, n, hub.Subscribers(groupID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketEvents(t *testing.T) {
	s := setupTestServer(t)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bobby")

	group := s.createGroup(t, alice, map[string]any{"name": "Trivia", "max_members": 2})
	path := fmt.Sprintf("/api/groups/%d", group.ID)

	conn := dialWS(t, s, alice, fmt.Sprintf("?group_id=%d", group.ID))
	if env := readEnvelope(t, conn); env.Event != realtime.EventSubscribed || env.GroupID != group.ID {
		t.Fatalf("expected a subscribed reply, got %+v", env)
	}
	waitForSubscribers(t, s.hub, group.ID, 1)

	assertStatus(t, s.do(t, http.MethodPost, path+"/join", bob, nil, nil), http.StatusOK)
	env := readEnvelope(t, conn)
	if env.Event != models.EventUserJoined || env.GroupID != group.ID {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var joined models.UserJoinedPayload
	json.Unmarshal(env.Data, &joined)
	if joined.UserName != "bobby" {
		t.Errorf("expected user_name bobby, got %q", joined.UserName)
	}

	// actions sent over the socket are recorded and broadcast
	if err := conn.WriteJSON(realtime.Inbound{Type: realtime.MessageAction, GroupID: group.ID, Action: "buzz"}); err != nil {
		t.Fatalf("write action: %v", err)
	}
	env = readEnvelope(t, conn)
	var action models.ActionUpdatedPayload
	json.Unmarshal(env.Data, &action)
	if env.Event != models.EventActionUpdated || action != (models.ActionUpdatedPayload{UserName: "alice", YourAction: "buzz"}) {
		t.Errorf("unexpected action event: %+v %+v", env, action)
	}

	assertStatus(t, s.do(t, http.MethodDelete, path, alice, nil, nil), http.StatusOK)
	env = readEnvelope(t, conn)
	var deleted models.GroupDeletedPayload
	json.Unmarshal(env.Data, &deleted)
	if env.Event != models.EventGroupDeleted || deleted.GroupID != group.ID {
		t.Errorf("unexpected delete event: %+v", env)
	}
	waitForSubscribers(t, s.hub, group.ID, 0)
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	s := setupTestServer(t)
	alice := s.signup(t, "alice")

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	header := http.Header{
		"Authorization": {"Bearer " + alice},
		"Origin":        {"http://evil.test"},
	}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	assertStatus(t, s.do(t, http.MethodGet, "/ws?group_id=abc", alice, nil, nil), http.StatusBadRequest)
}
