// Package proxy talks to the reverse proxy's control plane: adding and
// removing routes as user servers come and go, and optionally launching the
// proxy binary itself.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is returned when a control-plane call fails with a non-2xx status.
// The caller decides whether to retry.
type Error struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s %s failed: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client issues control-plane calls to the proxy's API server.
type Client struct {
	apiURL     string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a client against the proxy API endpoint (scheme://host:port,
// optionally with a path prefix, no trailing slash needed).
func NewClient(apiURL, authToken string) *Client {
	return &Client{
		apiURL:    strings.TrimRight(apiURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Register adds a route: requests under userBaseURL are forwarded to target
// (scheme://host:port). The proxy associates the route with the user name.
func (c *Client) Register(ctx context.Context, userBaseURL, target, user string) error {
	payload := map[string]string{
		"target": target,
		"user":   user,
	}
	return c.do(ctx, http.MethodPost, userBaseURL, payload)
}

// Unregister removes the route for userBaseURL.
func (c *Client) Unregister(ctx context.Context, userBaseURL string) error {
	return c.do(ctx, http.MethodDelete, userBaseURL, nil)
}

func (c *Client) do(ctx context.Context, method, routePath string, body any) error {
	fullURL := c.apiURL + "/" + strings.TrimLeft(routePath, "/")

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Method: method,
			URL:    fullURL,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(errBody)),
		}
	}
	return nil
}
