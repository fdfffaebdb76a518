package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures the tunable knobs for the spawn-hub service.
type Config struct {
	// Hub endpoint.
	HubIP     string
	HubPort   int
	BaseURL   string // deployment base URL
	HubPrefix string // hub-owned URL prefix under BaseURL

	CookieName   string
	CookieSecret []byte

	// Proxy endpoints and control plane.
	PublicIP       string
	PublicPort     int
	ProxyAPIIP     string
	ProxyAPIPort   int
	ProxyAuthToken string
	ProxyCmd       string
	LaunchProxy    bool

	DatabaseURL string

	// Single-user server spawning.
	SpawnerCmd   []string
	SpawnerIP    string
	SpawnerPort  int
	ReadyTimeout time.Duration

	// Authentication.
	PAMService   string
	AllowedUsers []string
}

// FromEnv builds a Config by reading environment variables and falling back
// to defaults that work for a single-host deployment.
func FromEnv() Config {
	publicPort := getEnvInt("SPAWN_HUB_PUBLIC_PORT", 8000)
	cfg := Config{
		HubIP:     getEnv("SPAWN_HUB_IP", "localhost"),
		HubPort:   getEnvInt("SPAWN_HUB_PORT", 8081),
		BaseURL:   normalizePrefix(getEnv("SPAWN_HUB_BASE_URL", "/")),
		HubPrefix: getEnv("SPAWN_HUB_PREFIX", "/hub/"),

		CookieName:   getEnv("SPAWN_HUB_COOKIE_NAME", "spawn-hub-token"),
		CookieSecret: []byte(getSecretFromEnv("SPAWN_HUB_COOKIE_SECRET", "SPAWN_HUB_COOKIE_SECRET_FILE", "")),

		PublicIP:       getEnv("SPAWN_HUB_PUBLIC_IP", ""),
		PublicPort:     publicPort,
		ProxyAPIIP:     getEnv("SPAWN_HUB_PROXY_API_IP", "localhost"),
		ProxyAPIPort:   getEnvInt("SPAWN_HUB_PROXY_API_PORT", publicPort+1),
		ProxyAuthToken: getSecretFromEnv("SPAWN_HUB_PROXY_AUTH_TOKEN", "SPAWN_HUB_PROXY_AUTH_TOKEN_FILE", ""),
		ProxyCmd:       getEnv("SPAWN_HUB_PROXY_CMD", "configurable-http-proxy"),
		LaunchProxy:    getEnv("SPAWN_HUB_LAUNCH_PROXY", "true") == "true",

		DatabaseURL: getEnv("SPAWN_HUB_DATABASE_URL", ""),

		SpawnerCmd:   strings.Fields(getEnv("SPAWN_HUB_SPAWNER_CMD", "")),
		SpawnerIP:    getEnv("SPAWN_HUB_SPAWNER_IP", ""),
		SpawnerPort:  getEnvInt("SPAWN_HUB_SPAWNER_PORT", 0),
		ReadyTimeout: getEnvDuration("SPAWN_HUB_READY_TIMEOUT", 30*time.Second),

		PAMService:   getEnv("SPAWN_HUB_PAM_SERVICE", "login"),
		AllowedUsers: splitList(getEnv("SPAWN_HUB_ALLOWED_USERS", "")),
	}

	// Generate missing secrets rather than running open.
	if len(cfg.CookieSecret) == 0 {
		cfg.CookieSecret = []byte(randomKey())
	}
	if cfg.ProxyAuthToken == "" {
		cfg.ProxyAuthToken = randomKey()
	}

	// The hub prefix lives under the base URL and is slash-delimited.
	cfg.HubPrefix = normalizePrefix(cfg.HubPrefix)
	if !strings.HasPrefix(cfg.HubPrefix, cfg.BaseURL) {
		cfg.HubPrefix = normalizePrefix(strings.TrimRight(cfg.BaseURL, "/") + cfg.HubPrefix)
	}

	return cfg
}

// Validate performs minimal static validation on the configuration.
func (c Config) Validate() error {
	if c.HubPrefix == "/" {
		return fmt.Errorf("%q is not a valid hub prefix", c.HubPrefix)
	}
	if c.HubPort == c.PublicPort {
		return fmt.Errorf("the hub and proxy cannot both listen on port %d", c.HubPort)
	}
	if c.HubPort == c.ProxyAPIPort {
		return fmt.Errorf("the hub and proxy API cannot both listen on port %d", c.HubPort)
	}
	if c.PublicPort == c.ProxyAPIPort {
		return fmt.Errorf("the proxy's public and API ports cannot both be %d", c.PublicPort)
	}
	if len(c.SpawnerCmd) == 0 {
		return fmt.Errorf("SPAWN_HUB_SPAWNER_CMD must not be empty")
	}
	return nil
}

// normalizePrefix guarantees leading and trailing slashes.
func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	return p
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getSecretFromEnv(valueKey, fileKey, fallback string) string {
	if path := os.Getenv(fileKey); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
				return trimmed
			}
		}
	}
	if value := os.Getenv(valueKey); value != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func randomKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("generate secret: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
