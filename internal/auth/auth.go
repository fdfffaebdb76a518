// Package auth defines the credential-check contract and the reference
// backend that validates credentials against the host's PAM stack.
package auth

import (
	"context"
	"errors"
)

// ErrAuthFailed is the only error surfaced for rejected credentials. The
// reason is deliberately not exposed.
var ErrAuthFailed = errors.New("auth: invalid credentials")

// Credentials is the payload submitted by the login form.
type Credentials struct {
	Username string
	Password string
}

// Authenticator validates a credential payload. On success it returns the
// canonical username; on failure it returns ErrAuthFailed. Implementations
// may block on I/O and must honor ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (string, error)
}

// PAMAuthenticator is the reference backend. It delegates to the OS PAM
// stack via the configured service.
type PAMAuthenticator struct {
	// Service is the PAM service name, "login" by default.
	Service string
	// AllowedUsers restricts who may log in. Empty means any user may
	// attempt login.
	AllowedUsers map[string]struct{}
}

// NewPAMAuthenticator builds a PAMAuthenticator for the given service name.
func NewPAMAuthenticator(service string, allowed []string) *PAMAuthenticator {
	if service == "" {
		service = "login"
	}
	auth := &PAMAuthenticator{Service: service}
	if len(allowed) > 0 {
		auth.AllowedUsers = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			auth.AllowedUsers[name] = struct{}{}
		}
	}
	return auth
}

// Authenticate implements Authenticator. The PAM conversation itself is a
// blocking syscall chain, so it runs on its own goroutine while this method
// waits on it or on ctx.
//
// Non-ASCII usernames or passwords are rejected up front: the underlying
// credential check mishandles them, so they are never forwarded to it.
func (a *PAMAuthenticator) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if creds.Username == "" || !isASCII(creds.Username) || !isASCII(creds.Password) {
		return "", ErrAuthFailed
	}
	if a.AllowedUsers != nil {
		if _, ok := a.AllowedUsers[creds.Username]; !ok {
			return "", ErrAuthFailed
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- pamAuthenticate(a.Service, creds.Username, creds.Password)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", ErrAuthFailed
		}
		return creds.Username, nil
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
