package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// termGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const termGrace = 10 * time.Second

// LocalProcessSpawner runs the single-user server as a local child process.
type LocalProcessSpawner struct {
	user     *store.User
	hub      *store.Hub
	apiToken string
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	pid    int
	status int
	exited chan struct{} // closed by the waiter once the process is gone
}

// NewLocal is a Factory for LocalProcessSpawner.
func NewLocal(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(user *store.User, hub *store.Hub, apiToken string, opts Options) Spawner {
		return &LocalProcessSpawner{
			user:     user,
			hub:      hub,
			apiToken: apiToken,
			opts:     opts,
			logger:   logger,
		}
	}
}

// Start implements Spawner.
func (s *LocalProcessSpawner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("%w: already started for user %s", ErrSpawnFailed, s.user.Name)
	}
	if len(s.opts.Cmd) == 0 {
		return fmt.Errorf("%w: no command configured", ErrSpawnFailed)
	}
	if s.user.Server == nil {
		return fmt.Errorf("%w: user %s has no server record", ErrSpawnFailed, s.user.Name)
	}

	argv := s.expandCmd()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.buildEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.exited = make(chan struct{})
	s.logger.Info("single-user server started",
		"user", s.user.Name, "pid", s.pid, "addr", s.user.Server.Addr())

	go s.wait(cmd)
	return nil
}

// wait reaps the child and records its exit status for Poll.
func (s *LocalProcessSpawner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	status := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status = exitErr.ExitCode()
	} else if err != nil {
		status = -1
	}

	s.mu.Lock()
	s.status = status
	close(s.exited)
	s.mu.Unlock()

	s.logger.Info("single-user server exited", "user", s.user.Name, "pid", s.pid, "status", status)
}

// Stop implements Spawner. SIGTERM first, SIGKILL after a grace period.
func (s *LocalProcessSpawner) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal single-user server: %w", err)
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(termGrace):
	}

	s.logger.Warn("single-user server ignored SIGTERM, killing", "user", s.user.Name, "pid", s.pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill single-user server: %w", err)
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll implements Spawner.
func (s *LocalProcessSpawner) Poll() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited == nil {
		return 0, false
	}
	select {
	case <-s.exited:
		return s.status, true
	default:
		return 0, false
	}
}

// State implements Spawner.
func (s *LocalProcessSpawner) State() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == 0 {
		return nil
	}
	raw, _ := json.Marshal(map[string]int{"pid": s.pid})
	return raw
}

func (s *LocalProcessSpawner) expandCmd() []string {
	replacer := strings.NewReplacer(
		"{username}", s.user.Name,
		"{port}", strconv.Itoa(s.user.Server.Port),
		"{base_url}", s.user.Server.BaseURL,
	)
	argv := make([]string, len(s.opts.Cmd))
	for i, arg := range s.opts.Cmd {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// buildEnv layers the hub's contract variables and configured extras over
// the parent environment. The API token travels only through the child's
// environment, never through argv.
func (s *LocalProcessSpawner) buildEnv() []string {
	env := os.Environ()
	for k, v := range s.opts.Env {
		env = append(env, k+"="+v)
	}
	srv := s.user.Server
	env = append(env,
		"SPAWN_HUB_USER="+s.user.Name,
		"SPAWN_HUB_API_TOKEN="+s.apiToken,
		"SPAWN_HUB_API_URL="+s.hub.APIURL(),
		"SPAWN_HUB_COOKIE_NAME="+srv.CookieName,
		"SPAWN_HUB_BASE_URL="+srv.BaseURL,
		"SPAWN_HUB_SERVICE_IP="+srv.IP,
		"SPAWN_HUB_SERVICE_PORT="+strconv.Itoa(srv.Port),
	)
	return env
}

// AliveFromState reports whether the pid recorded in a persisted state
// snapshot still refers to a live process on this host.
func AliveFromState(state json.RawMessage) (pid int, alive bool) {
	var snap struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(state, &snap); err != nil || snap.PID <= 0 {
		return 0, false
	}
	if err := syscall.Kill(snap.PID, 0); err != nil {
		return snap.PID, false
	}
	return snap.PID, true
}

// ReapFromState best-effort terminates a process left over from a previous
// hub instance, identified by its persisted state snapshot.
func ReapFromState(state json.RawMessage) {
	if pid, alive := AliveFromState(state); alive {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}
