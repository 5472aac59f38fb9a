package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote store backends.
const (
	RemoteBackendMQTT   = "mqtt"
	RemoteBackendMemory = "memory"
)

// Config is the root configuration structure for dryerlink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Remote    RemoteConfig    `yaml:"remote"`
	Host      HostConfig      `yaml:"host"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Session   SessionConfig   `yaml:"session"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ClientConfig identifies this client installation.
type ClientConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the local cache.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// RemoteConfig selects and tunes the remote store client.
type RemoteConfig struct {
	// Backend is "mqtt" (tree host reached over MQTT) or "memory"
	// (in-process tree, useful for demos and local development).
	Backend string `yaml:"backend"`

	// TopicPrefix is the MQTT topic root shared with the tree host.
	TopicPrefix string `yaml:"topic_prefix"`

	// RequestTimeout bounds a single request/response round trip (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// HostConfig contains settings for the tree host binary.
type HostConfig struct {
	Listen       string `yaml:"listen"`
	SeedFile     string `yaml:"seed_file"`
	SnapshotFile string `yaml:"snapshot_file"`

	// MetricsListen serves /metrics when set (e.g. ":9101").
	MetricsListen string `yaml:"metrics_listen"`

	// IssuePairingCodes makes the host act as the device display: at start
	// it issues a code for every unpaired device and logs it.
	IssuePairingCodes bool `yaml:"issue_pairing_codes"`
	// PairingCodeTTLMinutes is the lifetime of issued codes; 0 never expires.
	PairingCodeTTLMinutes int `yaml:"pairing_code_ttl_minutes"`
}

// CacheConfig controls local cache retention and write-behind.
type CacheConfig struct {
	// RetentionHours is how long cached readings are kept.
	RetentionHours int `yaml:"retention_hours"`

	// PruneInterval is how often the retention loop runs (minutes).
	PruneInterval int `yaml:"prune_interval"`

	// WriteQueue is the capacity of the background cache write queue.
	WriteQueue int `yaml:"write_queue"`
}

// SyncConfig controls remote subscriptions.
type SyncConfig struct {
	// MaxWatches bounds concurrently open remote listeners. 0 uses the built-in default.
	MaxWatches int `yaml:"max_watches"`

	// HistoryLimit is the default number of history entries to follow.
	HistoryLimit int `yaml:"history_limit"`
}

// InfluxDBConfig contains InfluxDB connection settings for the telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for live device streams.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SessionConfig describes the headless user context.
type SessionConfig struct {
	// UserID is the owner whose device index the daemon follows.
	UserID string `yaml:"user_id"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DRYERLINK_SECTION_KEY
// For example: DRYERLINK_DATABASE_PATH, DRYERLINK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ID:   "dryerlink-001",
			Name: "dryerlink",
		},
		Database: DatabaseConfig{
			Path:        "./data/dryerlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dryerlink-client",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Remote: RemoteConfig{
			Backend:        RemoteBackendMQTT,
			TopicPrefix:    "dryerlink/tree",
			RequestTimeout: 10,
		},
		Host: HostConfig{
			Listen: ":1883",
		},
		Cache: CacheConfig{
			RetentionHours: 7 * 24,
			PruneInterval:  60,
			WriteQueue:     256,
		},
		Sync: SyncConfig{
			MaxWatches:   64,
			HistoryLimit: 100,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DRYERLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DRYERLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DRYERLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DRYERLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DRYERLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DRYERLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DRYERLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("DRYERLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("DRYERLINK_USER_ID"); v != "" {
		cfg.Session.UserID = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Client.ID == "" {
		errs = append(errs, "client.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Remote.Backend {
	case RemoteBackendMQTT:
		if c.Remote.TopicPrefix == "" {
			errs = append(errs, "remote.topic_prefix is required for the mqtt backend")
		}
	case RemoteBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("remote.backend %q must be %q or %q", c.Remote.Backend, RemoteBackendMQTT, RemoteBackendMemory))
	}

	if c.Cache.RetentionHours <= 0 {
		errs = append(errs, "cache.retention_hours must be positive")
	}

	if c.Sync.MaxWatches < 0 {
		errs = append(errs, "sync.max_watches must not be negative")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// The API exposes pairing and commands, so it needs a signing secret.
		const minJWTSecretLength = 32
		if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters when the api is enabled (set DRYERLINK_JWT_SECRET)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RequestTimeout returns the remote request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.RequestTimeout) * time.Second
}

// CacheRetention returns how long cached readings are retained.
func (c *Config) CacheRetention() time.Duration {
	return time.Duration(c.Cache.RetentionHours) * time.Hour
}

// PruneInterval returns the interval between retention passes.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Cache.PruneInterval) * time.Minute
}

// ReadTimeout returns the API read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the API write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the API idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}
