// Package hub orchestrates the spawn lifecycle: bringing a user's
// single-user server up, keeping the proxy's routing table consistent with
// spawn state, and tearing everything down again.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rave-org/rave/apps/spawn-hub/internal/proxy"
	"github.com/rave-org/rave/apps/spawn-hub/internal/spawner"
	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// DefaultReadyTimeout bounds the readiness probe after a spawn.
const DefaultReadyTimeout = 30 * time.Second

// probeInterval is the pause between TCP connect attempts while waiting for
// a spawned server to accept connections.
const probeInterval = 100 * time.Millisecond

// Controller drives the per-user spawn state machine. Users move
// Idle -> Spawning -> Running -> Stopping -> Idle; the store row
// user.Server reflects Running, and the live spawner handles are process
// state owned exclusively by this controller.
type Controller struct {
	store        store.Store
	hub          *store.Hub
	proxy        *proxy.Client
	factory      spawner.Factory
	opts         spawner.Options
	baseURL      string // deployment base URL, not the hub prefix
	readyTimeout time.Duration
	logger       *slog.Logger

	flight singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex   // serializes spawn vs stop per user
	live  map[string]spawner.Spawner // user id -> live handle, never persisted
}

// Config carries the controller's collaborators and tunables.
type Config struct {
	Store        store.Store
	Hub          *store.Hub
	Proxy        *proxy.Client
	Factory      spawner.Factory
	SpawnOptions spawner.Options
	BaseURL      string
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// NewController wires up a Controller.
func NewController(cfg Config) *Controller {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "/"
	}
	return &Controller{
		store:        cfg.Store,
		hub:          cfg.Hub,
		proxy:        cfg.Proxy,
		factory:      cfg.Factory,
		opts:         cfg.SpawnOptions,
		baseURL:      cfg.BaseURL,
		readyTimeout: cfg.ReadyTimeout,
		logger:       cfg.Logger,
		locks:        make(map[string]*sync.Mutex),
		live:         make(map[string]spawner.Spawner),
	}
}

// EnsureRunning makes sure the user's single-user server is up, spawning or
// re-spawning as needed, and returns the refreshed user record.
func (c *Controller) EnsureRunning(ctx context.Context, user *store.User) (*store.User, error) {
	sp := c.spawnerFor(user.ID)
	if sp == nil {
		if user.Server != nil && user.State != nil {
			// Row left over from a previous hub instance. If the process
			// is somehow still alive we cannot manage it, so reap it and
			// spawn fresh.
			spawner.ReapFromState(user.State)
		}
		return c.Spawn(ctx, user)
	}
	if status, exited := sp.Poll(); exited {
		c.logger.Warn("single-user server died out of band, re-spawning",
			"user", user.Name, "status", status)
		return c.Spawn(ctx, user)
	}
	return user, nil
}

// Spawn brings the user's single-user server up. Concurrent calls for the
// same user share one result. The spawn is owned by the hub: a client
// disconnect does not abort it.
func (c *Controller) Spawn(ctx context.Context, user *store.User) (*store.User, error) {
	result, err, _ := c.flight.Do("spawn:"+user.Name, func() (any, error) {
		lock := c.userLock(user.Name)
		lock.Lock()
		defer lock.Unlock()
		return c.spawn(context.WithoutCancel(ctx), user)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.User), nil
}

func (c *Controller) spawn(ctx context.Context, user *store.User) (*store.User, error) {
	srv := store.NewServer()
	srv.CookieName = fmt.Sprintf("%s-%s", c.hub.Server.CookieName, user.Name)
	srv.CookieSecret = append([]byte(nil), c.hub.Server.CookieSecret...)
	srv.BaseURL = store.URLPathJoin(c.baseURL, "user", user.Name)
	if c.opts.IP != "" {
		srv.IP = c.opts.IP
	}
	if c.opts.Port != 0 {
		srv.Port = c.opts.Port
	}

	// The row must be durable before anything observable happens outside
	// the store.
	if err := c.store.SetUserServer(ctx, user.ID, srv); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}

	apiToken, err := c.store.NewAPIToken(ctx, user.ID)
	if err != nil {
		c.rollback(ctx, user.ID, nil)
		return nil, fmt.Errorf("mint api token: %w", err)
	}

	bound := &store.User{ID: user.ID, Name: user.Name, Server: srv}
	sp := c.factory(bound, c.hub, apiToken, c.opts)
	c.setSpawner(user.ID, sp)

	if err := sp.Start(ctx); err != nil {
		c.rollback(ctx, user.ID, sp)
		return nil, fmt.Errorf("%w: start: %v", spawner.ErrSpawnFailed, err)
	}

	if err := c.waitForServer(ctx, srv.Addr()); err != nil {
		c.rollback(ctx, user.ID, sp)
		return nil, fmt.Errorf("%w: %v", spawner.ErrSpawnFailed, err)
	}

	if err := c.store.SaveUserState(ctx, user.ID, sp.State()); err != nil {
		c.rollback(ctx, user.ID, sp)
		return nil, fmt.Errorf("persist spawner state: %w", err)
	}

	// Register the route before returning, so the client is never
	// redirected to a path the proxy cannot serve yet. One retry.
	if err := c.register(ctx, srv, user.Name); err != nil {
		c.rollback(ctx, user.ID, sp)
		return nil, fmt.Errorf("%w: register route: %v", spawner.ErrSpawnFailed, err)
	}

	c.logger.Info("user server running",
		"user", user.Name, "addr", srv.Addr(), "base_url", srv.BaseURL)

	refreshed, err := c.store.GetUser(ctx, user.Name)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (c *Controller) register(ctx context.Context, srv *store.Server, name string) error {
	err := c.proxy.Register(ctx, srv.BaseURL, srv.Host(), name)
	if err == nil {
		return nil
	}
	c.logger.Warn("proxy register failed, retrying", "user", name, "err", err)
	return c.proxy.Register(ctx, srv.BaseURL, srv.Host(), name)
}

// rollback reverts a failed spawn to Idle: best-effort process stop, then
// drop the server row and API tokens.
func (c *Controller) rollback(ctx context.Context, userID string, sp spawner.Spawner) {
	if sp != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := sp.Stop(stopCtx); err != nil {
			c.logger.Error("rollback stop", "err", err)
		}
		cancel()
	}
	c.clearSpawner(userID)
	if err := c.store.ClearUserServer(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("rollback clear server", "err", err)
	}
}

// Stop tears the user's single-user server down. It returns immediately
// when no live spawner exists for the user.
func (c *Controller) Stop(ctx context.Context, user *store.User) error {
	_, err, _ := c.flight.Do("stop:"+user.Name, func() (any, error) {
		lock := c.userLock(user.Name)
		lock.Lock()
		defer lock.Unlock()
		return nil, c.stop(context.WithoutCancel(ctx), user)
	})
	return err
}

func (c *Controller) stop(ctx context.Context, user *store.User) error {
	sp := c.spawnerFor(user.ID)
	if sp == nil {
		return nil
	}

	if _, exited := sp.Poll(); !exited {
		if err := sp.Stop(ctx); err != nil {
			return fmt.Errorf("stop single-user server: %w", err)
		}
	}

	// Unregister before the row clear so the proxy does not route to a
	// server the store no longer knows about. A failure here only leaves a
	// stale route, which self-heals on the next register.
	if user.Server != nil {
		if err := c.proxy.Unregister(ctx, user.Server.BaseURL); err != nil {
			c.logger.Error("proxy unregister failed, route is stale", "user", user.Name, "err", err)
		}
	}

	if err := c.store.ClearUserServer(ctx, user.ID); err != nil {
		return fmt.Errorf("clear server: %w", err)
	}
	c.clearSpawner(user.ID)

	c.logger.Info("user server stopped", "user", user.Name)
	return nil
}

// StopAll terminates every live single-user server. Store rows are left in
// place so a restarted hub can reconcile them. Used during hub shutdown.
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]spawner.Spawner, 0, len(c.live))
	for _, sp := range c.live {
		handles = append(handles, sp)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sp := range handles {
		g.Go(func() error {
			return sp.Stop(ctx)
		})
	}
	return g.Wait()
}

// waitForServer probes the spawned endpoint until it accepts a TCP
// connection or the ready timeout elapses.
func (c *Controller) waitForServer(ctx context.Context, addr string) error {
	deadline := time.Now().Add(c.readyTimeout)
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s not ready after %s", addr, c.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

func (c *Controller) userLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}
	return lock
}

func (c *Controller) spawnerFor(userID string) spawner.Spawner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[userID]
}

func (c *Controller) setSpawner(userID string, sp spawner.Spawner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[userID] = sp
}

func (c *Controller) clearSpawner(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, userID)
}
