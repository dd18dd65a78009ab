// Package config provides layered configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basecamp/crmsync/internal/auth"
	"github.com/basecamp/crmsync/internal/storage"
	"github.com/basecamp/crmsync/internal/zoho"
)

// Config holds the resolved configuration.
type Config struct {
	// CRM settings
	APIBase        string `yaml:"api_base" validate:"required,url"`
	Module         string `yaml:"module" validate:"required"`
	DiscoveryField string `yaml:"discovery_field" validate:"required"`

	// Authorization settings
	AuthURL     string `yaml:"auth_url" validate:"required,url"`
	TokenURL    string `yaml:"token_url" validate:"omitempty,url"`
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri" validate:"omitempty,url"`
	Scope       string `yaml:"scope" validate:"required"`
	BackendURL  string `yaml:"backend_url" validate:"omitempty,url"`

	// Storage and broadcast settings
	StateDir          string `yaml:"state_dir" validate:"required"`
	CredentialBackend string `yaml:"credential_backend" validate:"oneof=auto keyring file redis"`
	QueueBackend      string `yaml:"queue_backend" validate:"oneof=file redis"`
	Broadcast         string `yaml:"broadcast" validate:"oneof=auto redis file none"`
	RedisURL          string `yaml:"redis_url" validate:"required_if=CredentialBackend redis,required_if=QueueBackend redis,required_if=Broadcast redis"`
	Codec             string `yaml:"codec" validate:"oneof=obfuscate jwe"`
	EncryptionKey     string `yaml:"encryption_key" validate:"required_if=Codec jwe"`

	// Runtime settings
	QueueInterval time.Duration `yaml:"queue_interval" validate:"min=0"`
	ListenAddr    string        `yaml:"listen_addr" validate:"required"`

	// Output settings
	Format string `yaml:"format" validate:"oneof=auto styled json quiet"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `yaml:"-"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceLocal   Source = "local"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// EnvPrefix prefixes every environment override, e.g. CRMSYNC_BACKEND_URL.
const EnvPrefix = "CRMSYNC_"

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	StateDir   string
	BackendURL string
	Format     string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		APIBase:           zoho.DefaultAPIBase,
		Module:            zoho.DefaultModule,
		DiscoveryField:    zoho.DefaultStateField,
		AuthURL:           auth.DefaultAuthURL,
		RedirectURI:       auth.DefaultRedirectURI,
		Scope:             auth.DefaultScope + ",ZohoCRM.users.READ",
		StateDir:          storage.DefaultStateDir(),
		CredentialBackend: "auto",
		QueueBackend:      "file",
		Broadcast:         "auto",
		Codec:             "obfuscate",
		QueueInterval:     30 * time.Second,
		ListenAddr:        "127.0.0.1:3001",
		Format:            "auto",
		Sources:           make(map[string]string),
	}
}

// field binds a config key to its struct field.
type field struct {
	key string
	// authority keys decide where credentials are sent and are never taken
	// from local config.
	authority bool
	get       func(*Config) string
	set       func(*Config, string) error
}

func strField(p func(*Config) *string) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return *p(c) },
		func(c *Config, v string) error { *p(c) = v; return nil }
}

func urlField(p func(*Config) *string) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return *p(c) },
		func(c *Config, v string) error { *p(c) = NormalizeURL(v); return nil }
}

func newField(key string, authority bool, acc func(func(*Config) *string) (func(*Config) string, func(*Config, string) error), p func(*Config) *string) field {
	get, set := acc(p)
	return field{key: key, authority: authority, get: get, set: set}
}

var fields = []field{
	newField("api_base", true, urlField, func(c *Config) *string { return &c.APIBase }),
	newField("module", false, strField, func(c *Config) *string { return &c.Module }),
	newField("discovery_field", false, strField, func(c *Config) *string { return &c.DiscoveryField }),
	newField("auth_url", true, urlField, func(c *Config) *string { return &c.AuthURL }),
	newField("token_url", true, urlField, func(c *Config) *string { return &c.TokenURL }),
	newField("client_id", false, strField, func(c *Config) *string { return &c.ClientID }),
	newField("redirect_uri", false, strField, func(c *Config) *string { return &c.RedirectURI }),
	newField("scope", false, strField, func(c *Config) *string { return &c.Scope }),
	newField("backend_url", true, urlField, func(c *Config) *string { return &c.BackendURL }),
	newField("state_dir", false, strField, func(c *Config) *string { return &c.StateDir }),
	newField("credential_backend", false, strField, func(c *Config) *string { return &c.CredentialBackend }),
	newField("queue_backend", false, strField, func(c *Config) *string { return &c.QueueBackend }),
	newField("broadcast", false, strField, func(c *Config) *string { return &c.Broadcast }),
	newField("redis_url", true, strField, func(c *Config) *string { return &c.RedisURL }),
	newField("codec", false, strField, func(c *Config) *string { return &c.Codec }),
	newField("encryption_key", false, strField, func(c *Config) *string { return &c.EncryptionKey }),
	{
		key: "queue_interval",
		get: func(c *Config) string { return c.QueueInterval.String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			c.QueueInterval = d
			return nil
		},
	},
	newField("listen_addr", false, strField, func(c *Config) *string { return &c.ListenAddr }),
	newField("format", false, strField, func(c *Config) *string { return &c.Format }),
}

// Keys lists every config key in a stable order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// Get returns the string form of key, or false for an unknown key.
func (cfg *Config) Get(key string) (string, bool) {
	for _, f := range fields {
		if f.key == key {
			return f.get(cfg), true
		}
	}
	return "", false
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > local > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	loadFromFile(cfg, systemConfigPath(), SourceSystem)
	loadFromFile(cfg, globalConfigPath(), SourceGlobal)
	if path := localConfigPath(); path != "" {
		loadFromFile(cfg, path, SourceLocal)
	}

	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string, source Source) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return
	}

	var fileCfg map[string]any
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
		return
	}

	for _, f := range fields {
		raw, ok := fileCfg[f.key]
		if !ok || raw == nil {
			continue
		}
		v := fmt.Sprint(raw)
		if v == "" {
			continue
		}
		// A config file in the working directory could redirect tokens.
		if f.authority && source == SourceLocal {
			fmt.Fprintf(os.Stderr, "warning: ignoring %s %q from local config at %s (authority keys are not trusted from local config)\n", f.key, v, path)
			continue
		}
		if err := f.set(cfg, v); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ignoring %s from %s: %v\n", f.key, path, err)
			continue
		}
		cfg.Sources[f.key] = string(source)
	}
}

// LoadFromEnv applies CRMSYNC_* environment variables.
func LoadFromEnv(cfg *Config) {
	for _, f := range fields {
		v := os.Getenv(EnvPrefix + strings.ToUpper(f.key))
		if v == "" {
			continue
		}
		if err := f.set(cfg, v); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ignoring %s%s: %v\n", EnvPrefix, strings.ToUpper(f.key), err)
			continue
		}
		cfg.Sources[f.key] = string(SourceEnv)
	}
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
		cfg.Sources["state_dir"] = string(SourceFlag)
	}
	if o.BackendURL != "" {
		cfg.BackendURL = NormalizeURL(o.BackendURL)
		cfg.Sources["backend_url"] = string(SourceFlag)
	}
	if o.Format != "" {
		cfg.Format = o.Format
		cfg.Sources["format"] = string(SourceFlag)
	}
}

// Validate checks the resolved configuration.
func (cfg *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Source returns where key was set, defaulting to "default".
func (cfg *Config) Source(key string) string {
	if s, ok := cfg.Sources[key]; ok {
		return s
	}
	return string(SourceDefault)
}

// Entries returns every key with its value and source, sorted by key.
// Secrets are masked.
func (cfg *Config) Entries() []Entry {
	entries := make([]Entry, 0, len(fields))
	for _, f := range fields {
		v := f.get(cfg)
		if f.key == "encryption_key" && v != "" {
			v = "********"
		}
		entries = append(entries, Entry{Key: f.key, Value: v, Source: cfg.Source(f.key)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Entry is one resolved config value.
type Entry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Path helpers

func systemConfigPath() string {
	return "/etc/crmsync/config.yaml"
}

func globalConfigPath() string {
	return filepath.Join(GlobalConfigDir(), "config.yaml")
}

// localConfigPath returns .crmsync/config.yaml in the working directory.
// Parent directories are not searched.
func localConfigPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, ".crmsync", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "crmsync")
}
