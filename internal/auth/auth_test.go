package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRejectsEmptyUsername(t *testing.T) {
	a := NewPAMAuthenticator("login", nil)
	_, err := a.Authenticate(context.Background(), Credentials{Username: "", Password: "x"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRejectsNonASCIICredentials(t *testing.T) {
	a := NewPAMAuthenticator("login", nil)
	cases := []Credentials{
		{Username: "jösé", Password: "x"},
		{Username: "alice", Password: "pässword"},
	}
	for _, creds := range cases {
		if _, err := a.Authenticate(context.Background(), creds); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("credentials %q/%q: expected ErrAuthFailed, got %v",
				creds.Username, creds.Password, err)
		}
	}
}

func TestRejectsUserOutsideAllowlist(t *testing.T) {
	a := NewPAMAuthenticator("login", []string{"alice", "bob"})
	_, err := a.Authenticate(context.Background(), Credentials{Username: "mallory", Password: "x"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for user outside allowlist, got %v", err)
	}
}

func TestDefaultService(t *testing.T) {
	a := NewPAMAuthenticator("", nil)
	if a.Service != "login" {
		t.Errorf("expected default service 'login', got %q", a.Service)
	}
	if a.AllowedUsers != nil {
		t.Errorf("expected open allowlist by default")
	}
}
