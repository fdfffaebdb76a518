// Package spawner owns the lifecycle of one user's single-user server
// process: launch, poll, teardown, and the opaque state snapshot the hub
// persists across restarts.
package spawner

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// ErrSpawnFailed wraps any failure to bring a single-user server up.
var ErrSpawnFailed = errors.New("spawner: spawn failed")

// Options is the configuration bag recognized by the reference backend.
type Options struct {
	// Cmd is the argv template for the single-user server. The placeholders
	// {username}, {port}, and {base_url} are expanded per spawn.
	Cmd []string
	// Env is extra environment passed to the child.
	Env map[string]string
	// IP is the address the child should bind. Empty means localhost.
	IP string
	// Port is the port the child should bind. Zero means pick a free one.
	Port int
}

// Spawner manages one live single-user server. At most one instance exists
// per running user.
type Spawner interface {
	// Start launches the process. It returns once the process is running
	// and its listen endpoint is known.
	Start(ctx context.Context) error
	// Stop terminates the process and returns after it has exited. It is
	// idempotent.
	Stop(ctx context.Context) error
	// Poll reports the exit status if the process has terminated. exited is
	// false while it is still running.
	Poll() (status int, exited bool)
	// State is an opaque snapshot the hub persists so it can reason about
	// the process across restarts.
	State() json.RawMessage
}

// Factory builds a Spawner bound to a user, the hub, and a freshly minted
// API token. user.Server is populated before the factory is called.
type Factory func(user *store.User, hub *store.Hub, apiToken string, opts Options) Spawner
