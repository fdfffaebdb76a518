package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Server describes one reachable HTTP endpoint: the hub itself, the proxy's
// two listeners, or a user's spawned single-user server.
type Server struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Proto        string `json:"proto"`
	BaseURL      string `json:"base_url"`
	CookieName   string `json:"cookie_name"`
	CookieSecret []byte `json:"cookie_secret"`
}

// NewServer returns a Server populated with defaults: localhost, a random
// unassigned port, http, and fresh cookie material.
func NewServer() *Server {
	return &Server{
		ID:           uuid.NewString(),
		IP:           "localhost",
		Port:         randomPort(),
		Proto:        "http",
		BaseURL:      "/",
		CookieName:   "cookie-" + uuid.NewString()[:8],
		CookieSecret: randomSecret(64),
	}
}

// Host is the scheme://ip:port portion of the server's address.
func (s *Server) Host() string {
	return fmt.Sprintf("%s://%s:%d", s.Proto, s.IP, s.Port)
}

// URL is the full address including the base URL path.
func (s *Server) URL() string {
	return s.Host() + s.BaseURL
}

// Addr is the dialable ip:port pair.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// Hub is the singleton record for the hub's own endpoint.
type Hub struct {
	ID     string  `json:"id"`
	Server *Server `json:"server"`
}

// APIURL is where single-user servers reach the hub's REST API.
func (h *Hub) APIURL() string {
	return h.Server.Host() + URLPathJoin(h.Server.BaseURL, "api")
}

// Proxy is the singleton record for the reverse proxy's endpoints and its
// control-plane credential.
type Proxy struct {
	ID           string  `json:"id"`
	AuthToken    string  `json:"auth_token"`
	PublicServer *Server `json:"public_server"`
	APIServer    *Server `json:"api_server"`
}

// User is the central aggregate. Server is non-nil exactly while a spawn is
// considered running from the hub's view. The live spawner handle is process
// state owned by the controller and is never part of this record.
type User struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Server *Server         `json:"server,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

// CookieToken authenticates one browser session for its owning user.
type CookieToken struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// APIToken authenticates a user's single-user server calling back into the
// hub.
type APIToken struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// URLPathJoin joins URL path segments with single slashes, preserving a
// trailing slash on the last segment.
func URLPathJoin(parts ...string) string {
	joined := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if joined == "" {
			joined = p
			continue
		}
		joined = strings.TrimRight(joined, "/") + "/" + strings.TrimLeft(p, "/")
	}
	if joined == "" {
		return "/"
	}
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func randomSecret(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("generate cookie secret: %w", err))
	}
	return buf
}

// randomPort asks the kernel for an unassigned port. The listener is closed
// immediately; the caller binds it for real later.
func randomPort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
