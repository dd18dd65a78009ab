package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "https://www.zohoapis.com/crm/v2", cfg.APIBase)
	assert.Equal(t, "Potentials1", cfg.Module)
	assert.Equal(t, "Discovery_Progress", cfg.DiscoveryField)
	assert.Equal(t, 30*time.Second, cfg.QueueInterval)
	assert.Equal(t, "obfuscate", cfg.Codec)
	assert.NotNil(t, cfg.Sources)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
backend_url: https://crm.example.com/
module: Deals
queue_interval: 45s
credential_backend: file
`)

	cfg := Default()
	loadFromFile(cfg, path, SourceGlobal)

	assert.Equal(t, "https://crm.example.com", cfg.BackendURL)
	assert.Equal(t, "Deals", cfg.Module)
	assert.Equal(t, 45*time.Second, cfg.QueueInterval)
	assert.Equal(t, "file", cfg.CredentialBackend)

	assert.Equal(t, "global", cfg.Sources["backend_url"])
	assert.Equal(t, "global", cfg.Source("module"))
	assert.Equal(t, "default", cfg.Source("scope"))
}

func TestLoadFromFileSkipsMalformed(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "module: [unterminated")

	cfg := Default()
	loadFromFile(cfg, path, SourceGlobal)
	assert.Equal(t, "Potentials1", cfg.Module)

	loadFromFile(cfg, filepath.Join(t.TempDir(), "missing.yaml"), SourceGlobal)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFromFileIgnoresBadDuration(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "queue_interval: soon\n")

	cfg := Default()
	loadFromFile(cfg, path, SourceGlobal)
	assert.Equal(t, 30*time.Second, cfg.QueueInterval)
	assert.NotContains(t, cfg.Sources, "queue_interval")
}

func TestLocalConfigCannotSetAuthorityKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
backend_url: https://evil.example.com
api_base: https://evil.example.com/crm
redis_url: redis://evil.example.com
module: Leads
`)

	cfg := Default()
	loadFromFile(cfg, path, SourceLocal)

	assert.Empty(t, cfg.BackendURL)
	assert.Equal(t, "https://www.zohoapis.com/crm/v2", cfg.APIBase)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "Leads", cfg.Module, "non-authority keys still apply")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CRMSYNC_BACKEND_URL", "localhost:3001")
	t.Setenv("CRMSYNC_QUEUE_BACKEND", "redis")
	t.Setenv("CRMSYNC_REDIS_URL", "redis://127.0.0.1:6379/0")

	cfg := Default()
	LoadFromEnv(cfg)

	assert.Equal(t, "http://localhost:3001", cfg.BackendURL)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, "env", cfg.Sources["queue_backend"])
	assert.NoError(t, cfg.Validate())
}

func TestLayeringPrecedence(t *testing.T) {
	cfgHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	require.NoError(t, os.MkdirAll(filepath.Join(cfgHome, "crmsync"), 0755))
	writeConfig(t, filepath.Join(cfgHome, "crmsync"), "module: Global\nformat: json\nbackend_url: https://global.example.com\n")

	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, ".crmsync"), 0755))
	writeConfig(t, filepath.Join(work, ".crmsync"), "module: Local\nformat: styled\n")
	t.Chdir(work)

	t.Setenv("CRMSYNC_FORMAT", "quiet")

	cfg, err := Load(FlagOverrides{StateDir: "/tmp/state"})
	require.NoError(t, err)

	assert.Equal(t, "Local", cfg.Module)
	assert.Equal(t, "local", cfg.Source("module"))
	assert.Equal(t, "quiet", cfg.Format)
	assert.Equal(t, "env", cfg.Source("format"))
	assert.Equal(t, "https://global.example.com", cfg.BackendURL)
	assert.Equal(t, "/tmp/state", cfg.StateDir)
	assert.Equal(t, "flag", cfg.Source("state_dir"))
}

func TestApplyOverridesSkipsEmpty(t *testing.T) {
	cfg := Default()
	ApplyOverrides(cfg, FlagOverrides{})
	assert.Empty(t, cfg.Sources)

	ApplyOverrides(cfg, FlagOverrides{BackendURL: "127.0.0.1:3001/", Format: "json"})
	assert.Equal(t, "http://127.0.0.1:3001", cfg.BackendURL)
	assert.Equal(t, "json", cfg.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.CredentialBackend = "vault" }, false},
		{"redis without url", func(c *Config) { c.Broadcast = "redis" }, false},
		{"redis with url", func(c *Config) { c.Broadcast = "redis"; c.RedisURL = "redis://localhost:6379" }, true},
		{"jwe without key", func(c *Config) { c.Codec = "jwe" }, false},
		{"bad backend url", func(c *Config) { c.BackendURL = "not a url" }, false},
		{"negative interval", func(c *Config) { c.QueueInterval = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestEntriesMaskSecrets(t *testing.T) {
	cfg := Default()
	cfg.EncryptionKey = "c2VjcmV0"

	var found bool
	for _, e := range cfg.Entries() {
		if e.Key == "encryption_key" {
			found = true
			assert.Equal(t, "********", e.Value)
		}
	}
	assert.True(t, found)
	assert.Len(t, cfg.Entries(), len(Keys()))

	v, ok := cfg.Get("module")
	assert.True(t, ok)
	assert.Equal(t, "Potentials1", v)
	_, ok = cfg.Get("nope")
	assert.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"https://crm.example.com/", "https://crm.example.com"},
		{"crm.example.com", "https://crm.example.com"},
		{"localhost:3001", "http://localhost:3001"},
		{"127.0.0.1:3001/api", "http://127.0.0.1:3001/api"},
		{"[::1]:8080", "http://[::1]:8080"},
		{"app.localhost", "http://app.localhost"},
		{"http://example.com", "http://example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeURL(tt.in), "input %q", tt.in)
	}
}

func TestGlobalConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom")
	assert.Equal(t, filepath.Join("/custom", "crmsync"), GlobalConfigDir())
}
