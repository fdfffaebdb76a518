// Package server owns the HTTP surface of the hub: the user spawn URL, the
// authorizations API used by single-user servers to validate browser
// cookies, and the login/logout endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rave-org/rave/apps/spawn-hub/internal/auth"
	"github.com/rave-org/rave/apps/spawn-hub/internal/config"
	"github.com/rave-org/rave/apps/spawn-hub/internal/hub"
	"github.com/rave-org/rave/apps/spawn-hub/internal/session"
	"github.com/rave-org/rave/apps/spawn-hub/internal/spawner"
	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// usernamePat restricts user names to characters safe in both cookie names
// and URL paths.
var usernamePat = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Server owns the HTTP surface area for the hub.
type Server struct {
	cfg           config.Config
	store         store.Store
	hubRec        *store.Hub
	sessions      *session.Manager
	controller    *hub.Controller
	authenticator auth.Authenticator
	httpServer    *http.Server
	logger        *slog.Logger

	metricsRegistry *prometheus.Registry
	loginsTotal     prometheus.Counter
	authFailures    prometheus.Counter
	spawnsTotal     prometheus.Counter
	spawnFailures   prometheus.Counter
}

// New wires up the HTTP server and routes.
func New(cfg config.Config, st store.Store, hubRec *store.Hub, sessions *session.Manager,
	controller *hub.Controller, authenticator auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		cfg:           cfg,
		store:         st,
		hubRec:        hubRec,
		sessions:      sessions,
		controller:    controller,
		authenticator: authenticator,
		logger:        logger,
	}

	reg := prometheus.NewRegistry()
	srv.metricsRegistry = reg
	srv.loginsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_hub_logins_total",
		Help: "Number of successful logins",
	})
	srv.authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_hub_auth_failures_total",
		Help: "Number of rejected login attempts",
	})
	srv.spawnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_hub_spawns_total",
		Help: "Number of single-user server spawns",
	})
	srv.spawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spawn_hub_spawn_failures_total",
		Help: "Number of failed single-user server spawns",
	})
	reg.MustRegister(srv.loginsTotal, srv.authFailures, srv.spawnsTotal, srv.spawnFailures)

	prefix := cfg.HubPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/readyz", srv.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(srv.metricsRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET "+prefix+"user/{name}", srv.handleUserSpawn)
	mux.HandleFunc("GET "+prefix+"user/{name}/{rest...}", srv.handleUserSpawn)
	mux.HandleFunc("GET "+prefix+"api/authorizations/{token}", srv.handleAuthorizations)
	mux.HandleFunc("POST "+prefix+"login", srv.handleLogin)
	mux.HandleFunc("GET "+prefix+"logout", srv.handleLogout)
	mux.HandleFunc(prefix, srv.handleHubNotFound)
	mux.HandleFunc("/", srv.handlePrefixRedirect)

	srv.httpServer = &http.Server{
		Addr:         cfg.HubIP + ":" + strconv.Itoa(cfg.HubPort),
		Handler:      srv.logRequest(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("spawn-hub listening", "addr", s.httpServer.Addr, "prefix", s.cfg.HubPrefix)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleUserSpawn serves GET {prefix}user/{name}: for the matching logged-in
// user it ensures the single-user server is running and redirects to it; for
// anyone else it clears cookies and bounces to login.
func (s *Server) handleUserSpawn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	user := s.sessions.UserFromRequest(ctx, w, r)
	if user == nil || user.Name != name || !usernamePat.MatchString(name) {
		s.sessions.ClearLoginCookie(ctx, w, r)
		http.Redirect(w, r, s.loginURL()+"?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
		return
	}

	s.spawnsTotal.Inc()
	user, err := s.controller.EnsureRunning(ctx, user)
	if err != nil {
		s.spawnFailures.Inc()
		s.logger.Error("spawn failed", "user", name, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, spawner.ErrSpawnFailed) {
			s.respondError(w, status, err)
		} else {
			s.respondJSON(w, status, map[string]string{"error": "spawn failed"})
		}
		return
	}

	if err := s.sessions.SetLoginCookie(ctx, w, r, user); err != nil {
		s.logger.Error("set login cookie", "user", name, "err", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	http.Redirect(w, r, store.URLPathJoin(s.cfg.BaseURL, "user", name), http.StatusFound)
}

// handleAuthorizations serves GET {prefix}api/authorizations/{token}. A
// single-user server presents its API token and asks which user owns a
// browser cookie token.
func (s *Server) handleAuthorizations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.sessions.UserFromAPIToken(ctx, r) == nil {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "api token required"})
		return
	}

	owner, err := s.store.UserByCookieToken(ctx, r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"user": owner.Name})
}

// handleLogin authenticates form credentials, lazily creating the user on
// first success, and issues login cookies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	creds := auth.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if !usernamePat.MatchString(creds.Username) {
		s.authFailures.Inc()
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "invalid credentials"})
		return
	}

	name, err := s.authenticator.Authenticate(ctx, creds)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			s.authFailures.Inc()
			s.logger.Info("login rejected", "user", creds.Username)
			s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "invalid credentials"})
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	user, err := s.store.EnsureUser(ctx, name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.sessions.SetLoginCookie(ctx, w, r, user); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.loginsTotal.Inc()
	s.logger.Info("login", "user", name)
	http.Redirect(w, r, s.nextURL(r), http.StatusFound)
}

// handleLogout clears the login cookies and bounces back to login.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearLoginCookie(r.Context(), w, r)
	http.Redirect(w, r, s.loginURL(), http.StatusFound)
}

// handleHubNotFound covers unknown paths under the hub prefix.
func (s *Server) handleHubNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// handlePrefixRedirect sends anything outside the hub prefix into it, so
// /foo lands on {prefix}foo.
func (s *Server) handlePrefixRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, store.URLPathJoin(s.cfg.HubPrefix, r.URL.Path), http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"current_time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.HealthCheck(ctx); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// nextURL validates the post-login redirect target: relative paths only.
func (s *Server) nextURL(r *http.Request) string {
	next := r.FormValue("next")
	if next == "" || next[0] != '/' || (len(next) > 1 && next[1] == '/') {
		return s.cfg.BaseURL
	}
	return next
}

func (s *Server) loginURL() string {
	return store.URLPathJoin(s.cfg.HubPrefix, "login")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
