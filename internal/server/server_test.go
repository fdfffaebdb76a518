package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rave-org/rave/apps/spawn-hub/internal/auth"
	"github.com/rave-org/rave/apps/spawn-hub/internal/config"
	"github.com/rave-org/rave/apps/spawn-hub/internal/hub"
	"github.com/rave-org/rave/apps/spawn-hub/internal/proxy"
	"github.com/rave-org/rave/apps/spawn-hub/internal/session"
	"github.com/rave-org/rave/apps/spawn-hub/internal/spawner"
	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

type fakeSpawner struct {
	user *store.User

	mu       sync.Mutex
	listener net.Listener
	exited   bool
	status   int
}

func (f *fakeSpawner) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", f.user.Server.Addr())
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return nil
}

func (f *fakeSpawner) Stop(ctx context.Context) error {
	f.die(0)
	return nil
}

func (f *fakeSpawner) Poll() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.exited
}

func (f *fakeSpawner) State() json.RawMessage {
	return json.RawMessage(`{"pid": 4234}`)
}

func (f *fakeSpawner) die(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		f.listener.Close()
		f.listener = nil
	}
	f.status = status
	f.exited = true
}

// fakeAuth accepts any allowed user presenting the shared password.
type fakeAuth struct {
	password string

	mu    sync.Mutex
	calls int
}

func (f *fakeAuth) Authenticate(ctx context.Context, creds auth.Credentials) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if creds.Password != f.password {
		return "", auth.ErrAuthFailed
	}
	return creds.Username, nil
}

func (f *fakeAuth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type rig struct {
	ts   *httptest.Server
	st   store.Store
	auth *fakeAuth

	mu       sync.Mutex
	spawners []*fakeSpawner
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rg := &rig{
		st:   store.NewMemoryStore(),
		auth: &fakeAuth{password: "secret"},
	}
	t.Cleanup(func() {
		rg.mu.Lock()
		defer rg.mu.Unlock()
		for _, sp := range rg.spawners {
			sp.die(0)
		}
	})

	proxyBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(proxyBackend.Close)

	hubRec := &store.Hub{Server: store.NewServer()}
	hubRec.Server.CookieName = "spawn-hub-token"
	hubRec.Server.BaseURL = "/hub/"

	factory := func(user *store.User, _ *store.Hub, _ string, _ spawner.Options) spawner.Spawner {
		sp := &fakeSpawner{user: user}
		rg.mu.Lock()
		rg.spawners = append(rg.spawners, sp)
		rg.mu.Unlock()
		return sp
	}

	controller := hub.NewController(hub.Config{
		Store:        rg.st,
		Hub:          hubRec,
		Proxy:        proxy.NewClient(proxyBackend.URL, "test-token"),
		Factory:      factory,
		ReadyTimeout: 2 * time.Second,
		Logger:       logger,
	})

	cfg := config.Config{
		HubIP:     "localhost",
		HubPort:   8081,
		BaseURL:   "/",
		HubPrefix: "/hub/",
	}
	srv := New(cfg, rg.st, hubRec, session.NewManager(rg.st, hubRec, logger), controller, rg.auth, logger)

	rg.ts = httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(rg.ts.Close)
	return rg
}

func (r *rig) client() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// loginCookieFor creates the user if needed and returns a valid hub cookie.
func (r *rig) loginCookieFor(t *testing.T, name string) *http.Cookie {
	t.Helper()
	user, err := r.st.EnsureUser(context.Background(), name)
	if err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	tok, err := r.st.NewCookieToken(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("NewCookieToken failed: %v", err)
	}
	return &http.Cookie{Name: "spawn-hub-token", Value: tok}
}

func (r *rig) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawners)
}

func (r *rig) lastSpawner() *fakeSpawner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spawners) == 0 {
		return nil
	}
	return r.spawners[len(r.spawners)-1]
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestUserSpawnRedirectsOwnerToServer(t *testing.T) {
	rg := newRig(t)

	req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/user/alice", nil)
	req.AddCookie(rg.loginCookieFor(t, "alice"))
	resp, err := rg.client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/user/alice" {
		t.Errorf("expected redirect to /user/alice, got %q", loc)
	}
	if rg.spawnCount() != 1 {
		t.Errorf("expected 1 spawn, got %d", rg.spawnCount())
	}
	if c := cookieNamed(resp.Cookies(), "spawn-hub-token-alice"); c == nil {
		t.Errorf("expected a user-scoped cookie on the response")
	} else if c.Path != "/user/alice" {
		t.Errorf("unexpected user cookie path: %q", c.Path)
	}
}

func TestUserSpawnRepeatVisitReusesServer(t *testing.T) {
	rg := newRig(t)
	cookie := rg.loginCookieFor(t, "alice")

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/user/alice", nil)
		req.AddCookie(cookie)
		resp, err := rg.client().Do(req)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("request %d: expected 302, got %d", i, resp.StatusCode)
		}
	}
	if rg.spawnCount() != 1 {
		t.Errorf("second visit re-spawned a live server: %d spawns", rg.spawnCount())
	}
}

func TestUserSpawnRespawnsDeadServer(t *testing.T) {
	rg := newRig(t)
	cookie := rg.loginCookieFor(t, "alice")

	req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/user/alice", nil)
	req.AddCookie(cookie)
	resp, err := rg.client().Do(req)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp.Body.Close()

	// The process dies out of band.
	rg.lastSpawner().die(1)

	req, _ = http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/user/alice", nil)
	req.AddCookie(cookie)
	resp, err = rg.client().Do(req)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 after re-spawn, got %d", resp.StatusCode)
	}
	if rg.spawnCount() != 2 {
		t.Errorf("dead server was not re-spawned: %d spawns", rg.spawnCount())
	}
}

func TestUserSpawnRejectsOtherUsers(t *testing.T) {
	rg := newRig(t)

	req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/user/alice", nil)
	req.AddCookie(rg.loginCookieFor(t, "bob"))
	resp, err := rg.client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	want := "/hub/login?next=" + url.QueryEscape("/hub/user/alice")
	if loc := resp.Header.Get("Location"); loc != want {
		t.Errorf("expected redirect to %q, got %q", want, loc)
	}
	if rg.spawnCount() != 0 {
		t.Errorf("mismatched visit triggered a spawn")
	}
	cleared := cookieNamed(resp.Cookies(), "spawn-hub-token")
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expected the hub cookie to be cleared, got %v", cleared)
	}
}

func TestUserSpawnRejectsAnonymous(t *testing.T) {
	rg := newRig(t)

	resp, err := rg.client().Get(rg.ts.URL + "/hub/user/alice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/hub/login?next=") {
		t.Errorf("expected a login redirect, got %q", loc)
	}
	if rg.spawnCount() != 0 {
		t.Errorf("anonymous visit triggered a spawn")
	}
}

func TestAuthorizations(t *testing.T) {
	rg := newRig(t)
	ctx := context.Background()

	alice, _ := rg.st.EnsureUser(ctx, "alice")
	apiTok, _ := rg.st.NewAPIToken(ctx, alice.ID)
	cookieTok, _ := rg.st.NewCookieToken(ctx, alice.ID)

	get := func(target, bearer string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/api/authorizations/"+target, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "token "+bearer)
		}
		resp, err := rg.client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return resp
	}

	resp := get(cookieTok, apiTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	resp.Body.Close()
	if body["user"] != "alice" {
		t.Errorf("expected user alice, got %v", body)
	}

	resp = get("no-such-token", apiTok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown cookie token, got %d", resp.StatusCode)
	}

	resp = get(cookieTok, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without an api token, got %d", resp.StatusCode)
	}

	// A cookie token does not grant API access.
	resp = get(cookieTok, cookieTok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for a cookie token in the bearer slot, got %d", resp.StatusCode)
	}
}

func TestLoginSuccess(t *testing.T) {
	rg := newRig(t)

	form := url.Values{
		"username": {"alice"},
		"password": {"secret"},
		"next":     {"/hub/user/alice"},
	}
	resp, err := rg.client().PostForm(rg.ts.URL+"/hub/login", form)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/hub/user/alice" {
		t.Errorf("expected redirect to next, got %q", loc)
	}

	hubCookie := cookieNamed(resp.Cookies(), "spawn-hub-token")
	if hubCookie == nil {
		t.Fatalf("expected a hub cookie on successful login")
	}
	owner, err := rg.st.UserByCookieToken(context.Background(), hubCookie.Value)
	if err != nil || owner.Name != "alice" {
		t.Errorf("login cookie does not resolve to alice: %v", err)
	}
}

func TestLoginBadPassword(t *testing.T) {
	rg := newRig(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	resp, err := rg.client().PostForm(rg.ts.URL+"/hub/login", form)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if cookieNamed(resp.Cookies(), "spawn-hub-token") != nil {
		t.Errorf("cookie issued on rejected login")
	}
}

func TestLoginRejectsInvalidUsername(t *testing.T) {
	rg := newRig(t)

	form := url.Values{"username": {"alice/../root"}, "password": {"secret"}}
	resp, err := rg.client().PostForm(rg.ts.URL+"/hub/login", form)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if rg.auth.callCount() != 0 {
		t.Errorf("authenticator consulted for a malformed username")
	}
}

func TestLoginIgnoresAbsoluteNext(t *testing.T) {
	rg := newRig(t)

	form := url.Values{
		"username": {"alice"},
		"password": {"secret"},
		"next":     {"//evil.example.com/"},
	}
	resp, err := rg.client().PostForm(rg.ts.URL+"/hub/login", form)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("expected redirect to base url, got %q", loc)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	rg := newRig(t)

	req, _ := http.NewRequest(http.MethodGet, rg.ts.URL+"/hub/logout", nil)
	req.AddCookie(rg.loginCookieFor(t, "alice"))
	resp, err := rg.client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/hub/login" {
		t.Errorf("expected redirect to login, got %q", loc)
	}
	cleared := cookieNamed(resp.Cookies(), "spawn-hub-token")
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expected the hub cookie to be cleared, got %v", cleared)
	}
}

func TestPrefixRedirect(t *testing.T) {
	rg := newRig(t)

	resp, err := rg.client().Get(rg.ts.URL + "/foo")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/hub/foo" {
		t.Errorf("expected redirect to /hub/foo, got %q", loc)
	}
}

func TestUnknownHubPathIs404(t *testing.T) {
	rg := newRig(t)

	resp, err := rg.client().Get(rg.ts.URL + "/hub/does-not-exist")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected a JSON error body, got %q", ct)
	}
}

func TestHealthEndpoints(t *testing.T) {
	rg := newRig(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := rg.client().Get(rg.ts.URL + path)
		if err != nil {
			t.Fatalf("%s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
