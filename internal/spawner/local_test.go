package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUser(name string) (*store.User, *store.Hub) {
	srv := store.NewServer()
	srv.BaseURL = "/user/" + name
	srv.CookieName = "spawn-hub-token-" + name
	user := &store.User{ID: "u-" + name, Name: name, Server: srv}
	hub := &store.Hub{Server: store.NewServer()}
	hub.Server.BaseURL = "/hub/"
	return user, hub
}

func newLocal(user *store.User, hub *store.Hub, opts Options) *LocalProcessSpawner {
	return NewLocal(testLogger())(user, hub, "tok-123", opts).(*LocalProcessSpawner)
}

func TestExpandCmd(t *testing.T) {
	user, hub := newTestUser("alice")
	sp := newLocal(user, hub, Options{
		Cmd: []string{"single-user-server", "--user={username}", "--port={port}", "--base-url={base_url}"},
	})

	argv := sp.expandCmd()
	want := []string{
		"single-user-server",
		"--user=alice",
		"--port=" + strconv.Itoa(user.Server.Port),
		"--base-url=/user/alice",
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildEnvContract(t *testing.T) {
	user, hub := newTestUser("alice")
	sp := newLocal(user, hub, Options{Env: map[string]string{"EXTRA": "1"}})

	env := make(map[string]string)
	for _, kv := range sp.buildEnv() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	want := map[string]string{
		"SPAWN_HUB_USER":         "alice",
		"SPAWN_HUB_API_TOKEN":    "tok-123",
		"SPAWN_HUB_API_URL":      hub.APIURL(),
		"SPAWN_HUB_COOKIE_NAME":  "spawn-hub-token-alice",
		"SPAWN_HUB_BASE_URL":     "/user/alice",
		"SPAWN_HUB_SERVICE_IP":   user.Server.IP,
		"SPAWN_HUB_SERVICE_PORT": strconv.Itoa(user.Server.Port),
		"EXTRA":                  "1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env %s = %q, want %q", k, env[k], v)
		}
	}
}

func TestStartWithoutCommandFails(t *testing.T) {
	user, hub := newTestUser("alice")
	sp := newLocal(user, hub, Options{})
	if err := sp.Start(context.Background()); !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestProcessLifecycle(t *testing.T) {
	user, hub := newTestUser("alice")
	sp := newLocal(user, hub, Options{Cmd: []string{"sleep", "30"}})

	if err := sp.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, exited := sp.Poll(); exited {
		t.Fatalf("process reported exited right after start")
	}

	var snap struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(sp.State(), &snap); err != nil || snap.PID <= 0 {
		t.Errorf("state does not carry a pid: %s (%v)", sp.State(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sp.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, exited := sp.Poll(); !exited {
		t.Errorf("process still reported running after stop")
	}
	// Stop again is a no-op.
	if err := sp.Stop(ctx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestPollReportsExitStatus(t *testing.T) {
	user, hub := newTestUser("alice")
	sp := newLocal(user, hub, Options{Cmd: []string{"sh", "-c", "exit 3"}})

	if err := sp.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if status, exited := sp.Poll(); exited {
			if status != 3 {
				t.Errorf("expected exit status 3, got %d", status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never reported exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAliveFromState(t *testing.T) {
	state, _ := json.Marshal(map[string]int{"pid": os.Getpid()})
	if pid, alive := AliveFromState(state); !alive || pid != os.Getpid() {
		t.Errorf("own pid reported dead: pid=%d alive=%v", pid, alive)
	}
	if _, alive := AliveFromState(json.RawMessage(`{"pid": 0}`)); alive {
		t.Errorf("pid 0 reported alive")
	}
	if _, alive := AliveFromState(json.RawMessage(`not json`)); alive {
		t.Errorf("garbage state reported alive")
	}
}
