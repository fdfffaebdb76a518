// Package store persists the hub's entities: users, servers, the hub and
// proxy singleton rows, and the cookie/API tokens that bind sessions to
// users. Two implementations exist, an in-memory store for development and
// tests and a PostgreSQL store for real deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rave-org/rave/apps/spawn-hub/internal/token"
)

// ErrNotFound is returned when an entity lookup misses.
var ErrNotFound = errors.New("store: not found")

// Store captures the persistence contract for the hub.
//
// SetUserServer is the commit point for a spawn: external side effects
// (proxy registration) must not happen before it returns. It replaces any
// previous server row for the user. ClearUserServer is its inverse and also
// drops the user's API tokens, since those live only as long as the spawn.
type Store interface {
	// Users are created lazily on first successful authentication.
	EnsureUser(ctx context.Context, name string) (*User, error)
	GetUser(ctx context.Context, name string) (*User, error)
	Users(ctx context.Context) ([]*User, error)

	SetUserServer(ctx context.Context, userID string, srv *Server) error
	SaveUserState(ctx context.Context, userID string, state json.RawMessage) error
	ClearUserServer(ctx context.Context, userID string) error

	NewCookieToken(ctx context.Context, userID string) (string, error)
	NewAPIToken(ctx context.Context, userID string) (string, error)
	UserByCookieToken(ctx context.Context, tok string) (*User, error)
	UserByAPIToken(ctx context.Context, tok string) (*User, error)
	CookieTokens(ctx context.Context, userID string) ([]string, error)
	APITokens(ctx context.Context, userID string) ([]string, error)

	SaveHub(ctx context.Context, hub *Hub) error
	LoadHub(ctx context.Context) (*Hub, error)
	SaveProxy(ctx context.Context, proxy *Proxy) error
	LoadProxy(ctx context.Context) (*Proxy, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// MemoryStore keeps everything in process memory. Data is lost on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*User // keyed by id
	byName       map[string]string
	cookieTokens map[string]string // token -> user id
	apiTokens    map[string]string
	hub          *Hub
	proxy        *Proxy
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		byName:       make(map[string]string),
		cookieTokens: make(map[string]string),
		apiTokens:    make(map[string]string),
	}
}

// EnsureUser returns the user with the given name, creating it if absent.
func (m *MemoryStore) EnsureUser(ctx context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return copyUser(m.users[id]), nil
	}
	user := &User{ID: uuid.NewString(), Name: name}
	m.users[user.ID] = user
	m.byName[name] = user.ID
	return copyUser(user), nil
}

// GetUser returns the user with the given name or ErrNotFound.
func (m *MemoryStore) GetUser(ctx context.Context, name string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

// Users returns a snapshot of all users.
func (m *MemoryStore) Users(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, copyUser(u))
	}
	return out, nil
}

// SetUserServer attaches srv to the user, replacing and discarding any
// previous server row along with the API tokens minted for it.
func (m *MemoryStore) SetUserServer(ctx context.Context, userID string, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if user.Server != nil {
		m.dropAPITokensLocked(userID)
	}
	user.Server = copyServer(srv)
	return nil
}

// SaveUserState persists the spawner state snapshot for the user.
func (m *MemoryStore) SaveUserState(ctx context.Context, userID string, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.State = append(json.RawMessage(nil), state...)
	return nil
}

// ClearUserServer detaches and deletes the user's server row, clears its
// state, and drops its API tokens. It is a no-op for users with no server.
func (m *MemoryStore) ClearUserServer(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.Server = nil
	user.State = nil
	m.dropAPITokensLocked(userID)
	return nil
}

func (m *MemoryStore) dropAPITokensLocked(userID string) {
	for tok, id := range m.apiTokens {
		if id == userID {
			delete(m.apiTokens, tok)
		}
	}
}

// NewCookieToken mints and persists a cookie token for the user.
func (m *MemoryStore) NewCookieToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return "", ErrNotFound
	}
	tok := token.New()
	m.cookieTokens[tok] = userID
	return tok, nil
}

// NewAPIToken mints and persists an API token for the user.
func (m *MemoryStore) NewAPIToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return "", ErrNotFound
	}
	tok := token.New()
	m.apiTokens[tok] = userID
	return tok, nil
}

// UserByCookieToken resolves a presented cookie token to its owning user.
func (m *MemoryStore) UserByCookieToken(ctx context.Context, tok string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userByTokenLocked(m.cookieTokens, tok)
}

// UserByAPIToken resolves a presented API token to its owning user.
func (m *MemoryStore) UserByAPIToken(ctx context.Context, tok string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userByTokenLocked(m.apiTokens, tok)
}

// userByTokenLocked scans the token set comparing in constant time, so the
// lookup does not leak prefix matches against stored tokens.
func (m *MemoryStore) userByTokenLocked(set map[string]string, tok string) (*User, error) {
	for stored, userID := range set {
		if token.Equal(stored, tok) {
			if user, ok := m.users[userID]; ok {
				return copyUser(user), nil
			}
		}
	}
	return nil, ErrNotFound
}

// CookieTokens lists the user's cookie tokens.
func (m *MemoryStore) CookieTokens(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tokensOf(m.cookieTokens, userID), nil
}

// APITokens lists the user's API tokens.
func (m *MemoryStore) APITokens(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tokensOf(m.apiTokens, userID), nil
}

func tokensOf(set map[string]string, userID string) []string {
	out := []string{}
	for tok, id := range set {
		if id == userID {
			out = append(out, tok)
		}
	}
	return out
}

// SaveHub stores the hub singleton row.
func (m *MemoryStore) SaveHub(ctx context.Context, hub *Hub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hub.ID == "" {
		hub.ID = uuid.NewString()
	}
	m.hub = &Hub{ID: hub.ID, Server: copyServer(hub.Server)}
	return nil
}

// LoadHub returns the hub singleton row.
func (m *MemoryStore) LoadHub(ctx context.Context) (*Hub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.hub == nil {
		return nil, ErrNotFound
	}
	return &Hub{ID: m.hub.ID, Server: copyServer(m.hub.Server)}, nil
}

// SaveProxy stores the proxy singleton row.
func (m *MemoryStore) SaveProxy(ctx context.Context, proxy *Proxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if proxy.ID == "" {
		proxy.ID = uuid.NewString()
	}
	m.proxy = &Proxy{
		ID:           proxy.ID,
		AuthToken:    proxy.AuthToken,
		PublicServer: copyServer(proxy.PublicServer),
		APIServer:    copyServer(proxy.APIServer),
	}
	return nil
}

// LoadProxy returns the proxy singleton row.
func (m *MemoryStore) LoadProxy(ctx context.Context) (*Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.proxy == nil {
		return nil, ErrNotFound
	}
	return &Proxy{
		ID:           m.proxy.ID,
		AuthToken:    m.proxy.AuthToken,
		PublicServer: copyServer(m.proxy.PublicServer),
		APIServer:    copyServer(m.proxy.APIServer),
	}, nil
}

// HealthCheck implements Store.
func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close(ctx context.Context) error { return nil }

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	out := &User{ID: u.ID, Name: u.Name, Server: copyServer(u.Server)}
	if u.State != nil {
		out.State = append(json.RawMessage(nil), u.State...)
	}
	return out
}

func copyServer(s *Server) *Server {
	if s == nil {
		return nil
	}
	out := *s
	out.CookieSecret = append([]byte(nil), s.CookieSecret...)
	return &out
}
