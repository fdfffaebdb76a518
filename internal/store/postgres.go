package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rave-org/rave/apps/spawn-hub/internal/token"
)

// PostgresStore persists hub entities in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database, ensures the schema exists, and
// returns a Store implementation.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS servers (
    id TEXT PRIMARY KEY,
    ip TEXT NOT NULL,
    port INTEGER NOT NULL,
    proto TEXT NOT NULL,
    base_url TEXT NOT NULL,
    cookie_name TEXT NOT NULL,
    cookie_secret BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    server_id TEXT REFERENCES servers(id) ON DELETE SET NULL,
    state JSONB
);
CREATE TABLE IF NOT EXISTS hubs (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL REFERENCES servers(id)
);
CREATE TABLE IF NOT EXISTS proxies (
    id TEXT PRIMARY KEY,
    auth_token TEXT NOT NULL,
    public_server_id TEXT NOT NULL REFERENCES servers(id),
    api_server_id TEXT NOT NULL REFERENCES servers(id)
);
CREATE TABLE IF NOT EXISTS cookie_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS api_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE
);
`
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

const userColumns = `
u.id, u.name, u.state,
s.id, s.ip, s.port, s.proto, s.base_url, s.cookie_name, s.cookie_secret
`

const userSelect = `
SELECT ` + userColumns + `
FROM users u
LEFT JOIN servers s ON s.id = u.server_id
`

// EnsureUser implements Store.
func (p *PostgresStore) EnsureUser(ctx context.Context, name string) (*User, error) {
	const insertSQL = `
INSERT INTO users (id, name) VALUES ($1, $2)
ON CONFLICT (name) DO NOTHING;
`
	if _, err := p.pool.Exec(ctx, insertSQL, uuid.NewString(), name); err != nil {
		return nil, err
	}
	return p.GetUser(ctx, name)
}

// GetUser implements Store.
func (p *PostgresStore) GetUser(ctx context.Context, name string) (*User, error) {
	row := p.pool.QueryRow(ctx, userSelect+`WHERE u.name = $1;`, name)
	return scanUser(row)
}

// Users implements Store.
func (p *PostgresStore) Users(ctx context.Context) ([]*User, error) {
	rows, err := p.pool.Query(ctx, userSelect+`ORDER BY u.name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetUserServer implements Store. The server insert, the user update, and
// the teardown of any replaced server commit atomically; the proxy never
// sees a route for a server row that is not durable.
func (p *PostgresStore) SetUserServer(ctx context.Context, userID string, srv *Server) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var oldServerID *string
		err := tx.QueryRow(ctx, `SELECT server_id FROM users WHERE id = $1 FOR UPDATE;`, userID).Scan(&oldServerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := insertServer(ctx, tx, srv); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET server_id = $1 WHERE id = $2;`, srv.ID, userID); err != nil {
			return err
		}
		if oldServerID != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM api_tokens WHERE user_id = $1;`, userID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM servers WHERE id = $1;`, *oldServerID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveUserState implements Store.
func (p *PostgresStore) SaveUserState(ctx context.Context, userID string, state json.RawMessage) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET state = $1 WHERE id = $2;`, state, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearUserServer implements Store.
func (p *PostgresStore) ClearUserServer(ctx context.Context, userID string) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var serverID *string
		err := tx.QueryRow(ctx, `SELECT server_id FROM users WHERE id = $1 FOR UPDATE;`, userID).Scan(&serverID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET server_id = NULL, state = NULL WHERE id = $1;`, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM api_tokens WHERE user_id = $1;`, userID); err != nil {
			return err
		}
		if serverID != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM servers WHERE id = $1;`, *serverID); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewCookieToken implements Store.
func (p *PostgresStore) NewCookieToken(ctx context.Context, userID string) (string, error) {
	return p.insertToken(ctx, "cookie_tokens", userID)
}

// NewAPIToken implements Store.
func (p *PostgresStore) NewAPIToken(ctx context.Context, userID string) (string, error) {
	return p.insertToken(ctx, "api_tokens", userID)
}

func (p *PostgresStore) insertToken(ctx context.Context, table, userID string) (string, error) {
	tok := token.New()
	_, err := p.pool.Exec(ctx, `INSERT INTO `+table+` (token, user_id) VALUES ($1, $2);`, tok, userID)
	if err != nil {
		return "", err
	}
	return tok, nil
}

// UserByCookieToken implements Store.
func (p *PostgresStore) UserByCookieToken(ctx context.Context, tok string) (*User, error) {
	return p.userByToken(ctx, "cookie_tokens", tok)
}

// UserByAPIToken implements Store.
func (p *PostgresStore) UserByAPIToken(ctx context.Context, tok string) (*User, error) {
	return p.userByToken(ctx, "api_tokens", tok)
}

func (p *PostgresStore) userByToken(ctx context.Context, table, tok string) (*User, error) {
	row := p.pool.QueryRow(ctx, `
SELECT t.token, `+userColumns+`
FROM `+table+` t
JOIN users u ON u.id = t.user_id
LEFT JOIN servers s ON s.id = u.server_id
WHERE t.token = $1;`, tok)

	var stored string
	user, err := scanUserWith(row, &stored)
	if err != nil {
		return nil, err
	}
	// The index already matched on equality; re-check in constant time so
	// the comparison discipline holds on every path.
	if !token.Equal(stored, tok) {
		return nil, ErrNotFound
	}
	return user, nil
}

// CookieTokens implements Store.
func (p *PostgresStore) CookieTokens(ctx context.Context, userID string) ([]string, error) {
	return p.listTokens(ctx, "cookie_tokens", userID)
}

// APITokens implements Store.
func (p *PostgresStore) APITokens(ctx context.Context, userID string) ([]string, error) {
	return p.listTokens(ctx, "api_tokens", userID)
}

func (p *PostgresStore) listTokens(ctx context.Context, table, userID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT token FROM `+table+` WHERE user_id = $1;`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// SaveHub implements Store.
func (p *PostgresStore) SaveHub(ctx context.Context, hub *Hub) error {
	if hub.ID == "" {
		hub.ID = uuid.NewString()
	}
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertServer(ctx, tx, hub.Server); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO hubs (id, server_id) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET server_id = EXCLUDED.server_id;`, hub.ID, hub.Server.ID)
		return err
	})
}

// LoadHub implements Store.
func (p *PostgresStore) LoadHub(ctx context.Context) (*Hub, error) {
	row := p.pool.QueryRow(ctx, `
SELECT h.id, s.id, s.ip, s.port, s.proto, s.base_url, s.cookie_name, s.cookie_secret
FROM hubs h JOIN servers s ON s.id = h.server_id
LIMIT 1;`)

	hub := &Hub{Server: &Server{}}
	s := hub.Server
	err := row.Scan(&hub.ID, &s.ID, &s.IP, &s.Port, &s.Proto, &s.BaseURL, &s.CookieName, &s.CookieSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return hub, nil
}

// SaveProxy implements Store.
func (p *PostgresStore) SaveProxy(ctx context.Context, proxy *Proxy) error {
	if proxy.ID == "" {
		proxy.ID = uuid.NewString()
	}
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertServer(ctx, tx, proxy.PublicServer); err != nil {
			return err
		}
		if err := insertServer(ctx, tx, proxy.APIServer); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO proxies (id, auth_token, public_server_id, api_server_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    auth_token = EXCLUDED.auth_token,
    public_server_id = EXCLUDED.public_server_id,
    api_server_id = EXCLUDED.api_server_id;`,
			proxy.ID, proxy.AuthToken, proxy.PublicServer.ID, proxy.APIServer.ID)
		return err
	})
}

// LoadProxy implements Store.
func (p *PostgresStore) LoadProxy(ctx context.Context) (*Proxy, error) {
	row := p.pool.QueryRow(ctx, `
SELECT p.id, p.auth_token,
    pub.id, pub.ip, pub.port, pub.proto, pub.base_url, pub.cookie_name, pub.cookie_secret,
    api.id, api.ip, api.port, api.proto, api.base_url, api.cookie_name, api.cookie_secret
FROM proxies p
JOIN servers pub ON pub.id = p.public_server_id
JOIN servers api ON api.id = p.api_server_id
LIMIT 1;`)

	proxy := &Proxy{PublicServer: &Server{}, APIServer: &Server{}}
	pub, api := proxy.PublicServer, proxy.APIServer
	err := row.Scan(&proxy.ID, &proxy.AuthToken,
		&pub.ID, &pub.IP, &pub.Port, &pub.Proto, &pub.BaseURL, &pub.CookieName, &pub.CookieSecret,
		&api.ID, &api.IP, &api.Port, &api.Proto, &api.BaseURL, &api.CookieName, &api.CookieSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return proxy, nil
}

// HealthCheck pings the database to ensure the pool is healthy.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertServer(ctx context.Context, tx pgx.Tx, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
INSERT INTO servers (id, ip, port, proto, base_url, cookie_name, cookie_secret)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    ip = EXCLUDED.ip,
    port = EXCLUDED.port,
    proto = EXCLUDED.proto,
    base_url = EXCLUDED.base_url,
    cookie_name = EXCLUDED.cookie_name,
    cookie_secret = EXCLUDED.cookie_secret;`,
		srv.ID, srv.IP, srv.Port, srv.Proto, srv.BaseURL, srv.CookieName, srv.CookieSecret)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*User, error) {
	return scanUserWith(r)
}

func scanUserWith(r rowScanner, extra ...any) (*User, error) {
	user := &User{}
	var (
		state        *json.RawMessage
		serverID     *string
		ip, proto    *string
		baseURL      *string
		cookieName   *string
		port         *int
		cookieSecret []byte
	)
	dest := append(extra, &user.ID, &user.Name, &state,
		&serverID, &ip, &port, &proto, &baseURL, &cookieName, &cookieSecret)
	if err := r.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if state != nil {
		user.State = *state
	}
	if serverID != nil {
		user.Server = &Server{
			ID:           *serverID,
			IP:           *ip,
			Port:         *port,
			Proto:        *proto,
			BaseURL:      *baseURL,
			CookieName:   *cookieName,
			CookieSecret: cookieSecret,
		}
	}
	return user, nil
}
