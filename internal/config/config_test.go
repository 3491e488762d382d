package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"LISTEN_ADDR",
		"PUBLIC_URL",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"API_CONFIG_DIR",
		"WATCH_CATALOG",
		"STORE_BACKEND",
		"BOLT_PATH",
		"VALKEY_ADDR",
		"VALKEY_PASSWORD",
		"VALKEY_DB",
		"VALKEY_URL",
		"REDIS_URL",
		"SESSION_COOKIE",
		"SESSION_SECURE",
		"BASIC_AUTH_USER",
		"BASIC_AUTH_PASSWORD_HASH",
		"UPSTREAM_TIMEOUT",
		"UPSTREAM_TLS_INSECURE",
		"UPSTREAM_MAX_BODY",
		"MCP_ENABLED",
		"MCP_SESSION_ID",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, "apibroker.sid", cfg.SessionCookie)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, int64(10<<20), cfg.UpstreamMaxBody)
	assert.True(t, cfg.WatchCatalog)
	assert.False(t, cfg.MCPEnabled)
	assert.Equal(t, "mcp", cfg.MCPSessionID)
	assert.True(t, filepath.IsAbs(cfg.APIConfigDir))
	assert.Equal(t, "data", filepath.Base(cfg.APIConfigDir))
}

func TestLoad_ResolvesRelativeConfigDir(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("API_CONFIG_DIR", "relative/apis")

	cfg, err := Load()
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "relative", "apis"), cfg.APIConfigDir)
}

func TestLoad_AbsoluteConfigDirUnchanged(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	t.Setenv("API_CONFIG_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.APIConfigDir)
}

func TestLoad_CustomUpstream(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("UPSTREAM_TIMEOUT", "5s")
	t.Setenv("UPSTREAM_MAX_BODY", "1024")
	t.Setenv("UPSTREAM_TLS_INSECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, int64(1024), cfg.UpstreamMaxBody)
	assert.True(t, cfg.UpstreamTLSInsecure)
}

func TestLoad_InvalidTimeout(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("UPSTREAM_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_ZeroMaxBody(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("UPSTREAM_MAX_BODY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_MAX_BODY")
}

// --- Load: store backends ---

func TestLoad_BoltBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "Bolt")
	t.Setenv("BOLT_PATH", "/tmp/broker.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, cfg.StoreBackend)
	assert.Equal(t, "/tmp/broker.db", cfg.BoltPath)
}

func TestLoad_ValkeyBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "valkey")
	t.Setenv("VALKEY_ADDR", "cache:6379")
	t.Setenv("VALKEY_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.ValkeyAddr)
	assert.Equal(t, 2, cfg.ValkeyDB)
	assert.Empty(t, cfg.StoreURL())
}

func TestLoad_UnknownBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
}

func TestStoreURL_Precedence(t *testing.T) {
	cfg := &Config{RedisURL: "redis://r:6379"}
	assert.Equal(t, "redis://r:6379", cfg.StoreURL())

	cfg.ValkeyURL = "redis://v:6379"
	assert.Equal(t, "redis://v:6379", cfg.StoreURL())
}

// --- Load: basic auth ---

func TestLoad_BasicAuth(t *testing.T) {
	clearConfigEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	t.Setenv("BASIC_AUTH_USER", "admin")
	t.Setenv("BASIC_AUTH_PASSWORD_HASH", string(hash))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "admin", cfg.BasicAuthUser)
}

func TestLoad_BasicAuth_MissingHash(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("BASIC_AUTH_USER", "admin")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BASIC_AUTH_PASSWORD_HASH")
}

func TestLoad_BasicAuth_PlaintextRejected(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("BASIC_AUTH_USER", "admin")
	t.Setenv("BASIC_AUTH_PASSWORD_HASH", "hunter2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bcrypt hash")
}

// --- Load: public URL and MCP ---

func TestLoad_PublicURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PUBLIC_URL", "https://broker.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://broker.example.com", cfg.PublicURL)
}

func TestLoad_PublicURL_Relative(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PUBLIC_URL", "broker.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLIC_URL")
}

func TestLoad_MCPEnabled(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MCP_ENABLED", "true")
	t.Setenv("MCP_SESSION_ID", "agent")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MCPEnabled)
	assert.Equal(t, "agent", cfg.MCPSessionID)
}

// --- IsProduction ---

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}
