package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Nest     NestConfig     `yaml:"nest"`
	Poll     PollConfig     `yaml:"poll"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Registry RegistryConfig `yaml:"registry"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// NestConfig holds Nest cloud credentials and endpoints.
//
// Either IssueToken+Cookie (Google account) or UserID+AccessToken (legacy
// Nest account) must be set.
type NestConfig struct {
	IssueToken    string `yaml:"issue_token"`
	Cookie        string `yaml:"cookie"`
	APIKey        string `yaml:"api_key"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	APIBase       string `yaml:"api_base"`
	CameraAPIBase string `yaml:"camera_api_base"`
	AuthProxyBase string `yaml:"auth_proxy_base"`
	EventWindow   int    `yaml:"event_window"` // seconds of camera history to fetch
	MaxEvents     int    `yaml:"max_events"`
	Timeout       int    `yaml:"timeout"` // seconds
}

// PollConfig controls how often entities are polled and the device state refreshed.
type PollConfig struct {
	Interval   int `yaml:"interval"`    // seconds between entity polls
	MinRefresh int `yaml:"min_refresh"` // seconds; upstream refreshes are coalesced inside this window
	StaleAfter int `yaml:"stale_after"` // seconds before an unpolled entity reads as unavailable
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	NodeID          string `yaml:"node_id"`
}

// InfluxDBConfig holds InfluxDB history settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// RegistryConfig holds the SQLite entity registry settings.
type RegistryConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// SessionConfig holds session file path configuration.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig holds the device snapshot cache location.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Nest: NestConfig{
			APIBase:       "https://home.nest.com",
			CameraAPIBase: "https://webapi.camera.home.nest.com",
			AuthProxyBase: "https://nestauthproxyservice-pa.googleapis.com",
			EventWindow:   24 * 60 * 60,
			MaxEvents:     20,
			Timeout:       15,
		},
		Poll: PollConfig{
			Interval:   30,
			MinRefresh: 10,
			StaleAfter: 300,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "nestd",
			DiscoveryPrefix: "homeassistant",
			NodeID:          "nestd",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "nest",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Registry: RegistryConfig{
			Path:        "/data/registry.db",
			BusyTimeout: 5,
		},
		Session: SessionConfig{
			Path: "/data/session.json",
		},
		Cache: CacheConfig{
			Path: "/data/snapshot.pb",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks the settings the daemon cannot start without.
func (c Config) Validate() error {
	google := c.Nest.IssueToken != "" && c.Nest.Cookie != ""
	legacy := c.Nest.UserID != "" && c.Nest.AccessToken != ""
	if !google && !legacy {
		return fmt.Errorf("%w: nest credentials missing (issue_token+cookie or user_id+access_token)", ErrInvalid)
	}
	if google && !legacy && c.Nest.APIKey == "" {
		return fmt.Errorf("%w: nest.api_key required for google account login", ErrInvalid)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("%w: poll.interval must be positive", ErrInvalid)
	}
	if c.Poll.MinRefresh < 0 {
		return fmt.Errorf("%w: poll.min_refresh must not be negative", ErrInvalid)
	}
	if c.Poll.MinRefresh > c.Poll.Interval {
		return fmt.Errorf("%w: poll.min_refresh (%d) exceeds poll.interval (%d)", ErrInvalid, c.Poll.MinRefresh, c.Poll.Interval)
	}
	if c.Poll.StaleAfter < c.Poll.Interval {
		return fmt.Errorf("%w: poll.stale_after must be at least poll.interval", ErrInvalid)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker required when mqtt is enabled", ErrInvalid)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "") {
		return fmt.Errorf("%w: influxdb.url and influxdb.org required when influxdb is enabled", ErrInvalid)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NEST_ISSUE_TOKEN"); v != "" {
		cfg.Nest.IssueToken = v
	}
	if v := os.Getenv("NEST_COOKIE"); v != "" {
		cfg.Nest.Cookie = v
	}
	if v := os.Getenv("NEST_API_KEY"); v != "" {
		cfg.Nest.APIKey = v
	}
	if v := os.Getenv("NEST_USER_ID"); v != "" {
		cfg.Nest.UserID = v
	}
	if v := os.Getenv("NEST_ACCESS_TOKEN"); v != "" {
		cfg.Nest.AccessToken = v
	}
	if v := os.Getenv("NEST_API_BASE"); v != "" {
		cfg.Nest.APIBase = v
	}
	if v := os.Getenv("NEST_POLL_INTERVAL"); v != "" {
		cfg.Poll.Interval = parseInt(v, cfg.Poll.Interval)
	}
	if v := os.Getenv("NEST_MIN_REFRESH"); v != "" {
		cfg.Poll.MinRefresh = parseInt(v, cfg.Poll.MinRefresh)
	}
	if v := os.Getenv("NEST_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("NEST_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("NEST_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("NEST_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("NEST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("NEST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("NEST_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("NEST_INFLUXDB_ENABLED"); v != "" {
		cfg.InfluxDB.Enabled = parseBool(v)
	}
	if v := os.Getenv("NEST_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("NEST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("NEST_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	if v := os.Getenv("NEST_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("NEST_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("NEST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NEST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
