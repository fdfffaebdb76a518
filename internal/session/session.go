// Package session resolves incoming requests to users and manages the login
// cookies binding browsers to them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// tokenHeaderPat matches the authorization header form "token <t>".
var tokenHeaderPat = regexp.MustCompile(`^token\s+(\S+)$`)

// Manager identifies request users and issues or clears their cookies.
type Manager struct {
	store  store.Store
	hub    *store.Hub
	logger *slog.Logger
}

// NewManager builds a Manager bound to the hub record whose cookie the
// browser carries.
func NewManager(st store.Store, hub *store.Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, hub: hub, logger: logger}
}

// UserFromRequest resolves the request's user: bearer API token first, then
// the hub cookie, otherwise anonymous (nil). An invalid hub cookie is
// cleared on the response before the request is treated as anonymous.
func (m *Manager) UserFromRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) *store.User {
	if user := m.userFromTokenHeader(ctx, r); user != nil {
		return user
	}
	return m.userFromCookie(ctx, w, r)
}

// UserFromAPIToken resolves only the bearer header form "Authorization:
// token <t>" against the API token set. Used by API endpoints that must not
// accept cookies.
func (m *Manager) UserFromAPIToken(ctx context.Context, r *http.Request) *store.User {
	return m.userFromTokenHeader(ctx, r)
}

func (m *Manager) userFromTokenHeader(ctx context.Context, r *http.Request) *store.User {
	match := tokenHeaderPat.FindStringSubmatch(r.Header.Get("Authorization"))
	if match == nil {
		return nil
	}
	user, err := m.store.UserByAPIToken(ctx, match[1])
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("api token lookup", "err", err)
		}
		return nil
	}
	return user
}

func (m *Manager) userFromCookie(ctx context.Context, w http.ResponseWriter, r *http.Request) *store.User {
	cookie, err := r.Cookie(m.hub.Server.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	user, err := m.store.UserByCookieToken(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Cookie present but not valid. Clear it and start over.
			m.clearCookie(w, m.hub.Server.CookieName, m.hub.Server.BaseURL)
		} else {
			m.logger.Error("cookie token lookup", "err", err)
		}
		return nil
	}
	return user
}

// SetLoginCookie sets login cookies for the hub and, when the user has a
// running server, for that server's scope. Each cookie carries a freshly
// minted token.
func (m *Manager) SetLoginCookie(ctx context.Context, w http.ResponseWriter, r *http.Request, user *store.User) error {
	if user.Server != nil {
		tok, err := m.store.NewCookieToken(ctx, user.ID)
		if err != nil {
			return err
		}
		m.setCookie(w, user.Server.CookieName, tok, user.Server.BaseURL)
	}

	if m.userFromCookie(ctx, w, r) == nil {
		tok, err := m.store.NewCookieToken(ctx, user.ID)
		if err != nil {
			return err
		}
		m.setCookie(w, m.hub.Server.CookieName, tok, m.hub.Server.BaseURL)
	}
	return nil
}

// ClearLoginCookie clears the hub cookie and, when the current user has a
// running server, that server's cookie. The backing tokens simply become
// unreachable.
func (m *Manager) ClearLoginCookie(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if user := m.UserFromRequest(ctx, w, r); user != nil && user.Server != nil {
		m.clearCookie(w, user.Server.CookieName, user.Server.BaseURL)
	}
	m.clearCookie(w, m.hub.Server.CookieName, m.hub.Server.BaseURL)
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   m.hub.Server.Proto == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}
