package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrInvalidBeaconType is returned for a beacon_type other than AUTO, GET
// or POST.
var ErrInvalidBeaconType = errors.New("invalid beacon_type")

type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Collector CollectorConfig `yaml:"collector"`
}

type AgentConfig struct {
	Autorun                 bool     `yaml:"autorun" env:"PFLO_AUTORUN"`
	BeaconURL               string   `yaml:"beacon_url" env:"PFLO_BEACON_URL"`
	BeaconType              string   `yaml:"beacon_type" env:"PFLO_BEACON_TYPE"`
	BeaconAuthKey           string   `yaml:"beacon_auth_key" env:"PFLO_BEACON_AUTH_KEY"`
	BeaconAuthToken         string   `yaml:"beacon_auth_token" env:"PFLO_BEACON_AUTH_TOKEN"`
	BeaconWithCredentials   bool     `yaml:"beacon_with_credentials" env:"PFLO_BEACON_WITH_CREDENTIALS"`
	BeaconDisableSendBeacon bool     `yaml:"beacon_disable_sendbeacon" env:"PFLO_BEACON_DISABLE_SENDBEACON"`
	BeaconURLForceHTTPS     bool     `yaml:"beacon_url_force_https" env:"PFLO_BEACON_URL_FORCE_HTTPS"`
	BeaconURLsAllowed       []string `yaml:"beacon_urls_allowed" env:"PFLO_BEACON_URLS_ALLOWED" envSeparator:","`
	SiteDomain              string   `yaml:"site_domain" env:"PFLO_SITE_DOMAIN"`
	StripQueryString        bool     `yaml:"strip_query_string" env:"PFLO_STRIP_QUERY_STRING"`
	URLLimit                int      `yaml:"url_limit" env:"PFLO_URL_LIMIT"`
	CompactObjects          bool     `yaml:"compact_objects" env:"PFLO_COMPACT_OBJECTS"`
	ImmediateMode           string   `yaml:"immediate_mode" env:"PFLO_IMMEDIATE_MODE"`

	Page    PageConfig    `yaml:"page"`
	Session SessionConfig `yaml:"session"`
	Snippet SnippetConfig `yaml:"snippet"`

	Plugins map[string]*PluginSection `yaml:"plugins"`
}

// PageConfig describes the page a standalone agent reports on.
type PageConfig struct {
	URL      string `yaml:"url" env:"PFLO_PAGE_URL"`
	Referrer string `yaml:"referrer" env:"PFLO_PAGE_REFERRER"`
}

type SessionConfig struct {
	Enabled   bool          `yaml:"enabled" env:"PFLO_SESSION_ENABLED"`
	Dir       string        `yaml:"dir" env:"PFLO_SESSION_DIR"`
	Timeout   time.Duration `yaml:"timeout" env:"PFLO_SESSION_TIMEOUT"`
	RateLimit float64       `yaml:"rate_limit" env:"PFLO_SESSION_RATE_LIMIT"`
	Burst     int           `yaml:"burst" env:"PFLO_SESSION_BURST"`
}

type SnippetConfig struct {
	Version string `yaml:"version"`
	Method  string `yaml:"method"`
}

type CollectorConfig struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Feed   FeedConfig   `yaml:"feed"`
	Intake IntakeConfig `yaml:"intake"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"PFLO_COLLECTOR_PORT"`
	Host           string   `yaml:"host" env:"PFLO_COLLECTOR_HOST"`
	AuthToken      string   `yaml:"auth_token" env:"PFLO_COLLECTOR_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"PFLO_COLLECTOR_ALLOWED_ORIGINS" envSeparator:","`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"PFLO_COLLECTOR_DB"`
}

type FeedConfig struct {
	Throttle         time.Duration `yaml:"throttle"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotSize     int           `yaml:"snapshot_size"`
	MaxConnections   int           `yaml:"max_connections"`
}

type IntakeConfig struct {
	Rate  float64 `yaml:"rate" env:"PFLO_INTAKE_RATE"`
	Burst int     `yaml:"burst" env:"PFLO_INTAKE_BURST"`
	// Token, when set, must accompany every beacon.
	Token         string `yaml:"token" env:"PFLO_INTAKE_TOKEN"`
	VisitorCookie string `yaml:"visitor_cookie"`
}

func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Autorun:             true,
			BeaconType:          "AUTO",
			BeaconURLForceHTTPS: true,
			CompactObjects:      true,
			ImmediateMode:       "idle",
			Session: SessionConfig{
				Enabled: true,
				Timeout: 30 * time.Minute,
			},
		},
		Collector: CollectorConfig{
			Server: ServerConfig{
				Port: 8080,
				Host: "0.0.0.0",
			},
			Store: StoreConfig{
				Path: "pflo.db",
			},
			Feed: FeedConfig{
				Throttle:         100 * time.Millisecond,
				SnapshotInterval: 5 * time.Second,
				SnapshotSize:     100,
				MaxConnections:   64,
			},
			Intake: IntakeConfig{
				VisitorCookie: "GUID",
			},
		},
	}
}

// Default returns the built-in defaults without reading the environment.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file over the defaults, then applies PFLO_* environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays variables that are set in the environment.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.Agent.BeaconType) {
	case "", "AUTO", "GET", "POST":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBeaconType, c.Agent.BeaconType)
	}
	switch c.Agent.ImmediateMode {
	case "", "idle", "deferred", "timer":
	default:
		return fmt.Errorf("invalid immediate_mode: %q", c.Agent.ImmediateMode)
	}
	return nil
}
