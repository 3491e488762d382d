package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendValkey = "valkey"
)

// Config holds all environment-based configuration for apibroker.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3000"`

	// PublicURL is the externally visible origin. Negotiations started
	// from MCP tools use it in place of a browser Referer to build
	// callback URLs.
	PublicURL string `env:"PUBLIC_URL"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Catalog directory holding apiconfig.json and per-API definitions.
	APIConfigDir string `env:"API_CONFIG_DIR" envDefault:"public/data"`
	WatchCatalog bool   `env:"WATCH_CATALOG" envDefault:"true"`

	// Credential and session store.
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"memory"`
	BoltPath       string `env:"BOLT_PATH" envDefault:"apibroker.db"`
	ValkeyAddr     string `env:"VALKEY_ADDR" envDefault:"localhost:6379"`
	ValkeyPassword string `env:"VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"VALKEY_DB" envDefault:"0"`

	// ValkeyURL overrides the address, password and DB. REDIS_URL is
	// honoured for hosted Redis add-ons.
	ValkeyURL string `env:"VALKEY_URL"`
	RedisURL  string `env:"REDIS_URL"`

	SessionCookie string `env:"SESSION_COOKIE" envDefault:"apibroker.sid"`
	SessionSecure bool   `env:"SESSION_SECURE" envDefault:"false"`

	// Optional basic-auth gate in front of every route except /healthz.
	// The hash is produced by `apibroker hash-password`.
	BasicAuthUser         string `env:"BASIC_AUTH_USER"`
	BasicAuthPasswordHash string `env:"BASIC_AUTH_PASSWORD_HASH"`

	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamTLSInsecure bool          `env:"UPSTREAM_TLS_INSECURE" envDefault:"false"`
	UpstreamMaxBody     int64         `env:"UPSTREAM_MAX_BODY" envDefault:"10485760"`

	MCPEnabled   bool   `env:"MCP_ENABLED" envDefault:"false"`
	MCPSessionID string `env:"MCP_SESSION_ID" envDefault:"mcp"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The catalog watcher and include resolution compare paths against
	// the catalog root, which only works with an absolute path.
	absDir, err := filepath.Abs(cfg.APIConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolving API config dir to absolute path: %w", err)
	}

	cfg.APIConfigDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_BACKEND=bolt")
		}
	case BackendValkey:
		if c.ValkeyAddr == "" && c.StoreURL() == "" {
			return fmt.Errorf("VALKEY_ADDR or VALKEY_URL is required when STORE_BACKEND=valkey")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, bolt or valkey)", c.StoreBackend)
	}

	if c.APIConfigDir == "" {
		return fmt.Errorf("API_CONFIG_DIR must not be empty")
	}

	if c.SessionCookie == "" {
		return fmt.Errorf("SESSION_COOKIE must not be empty")
	}

	if c.BasicAuthUser != "" {
		if c.BasicAuthPasswordHash == "" {
			return fmt.Errorf("BASIC_AUTH_PASSWORD_HASH is required when BASIC_AUTH_USER is set")
		}

		if _, err := bcrypt.Cost([]byte(c.BasicAuthPasswordHash)); err != nil {
			return fmt.Errorf("BASIC_AUTH_PASSWORD_HASH is not a bcrypt hash: %w", err)
		}
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.UpstreamMaxBody <= 0 {
		return fmt.Errorf("UPSTREAM_MAX_BODY must be positive")
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute URL with scheme and host")
		}
	}

	if c.MCPEnabled && c.MCPSessionID == "" {
		return fmt.Errorf("MCP_SESSION_ID must not be empty when MCP is enabled")
	}

	return nil
}

// StoreURL returns the Valkey connection URL, preferring VALKEY_URL.
func (c *Config) StoreURL() string {
	if c.ValkeyURL != "" {
		return c.ValkeyURL
	}

	return c.RedisURL
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
