package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envconfig:"HEARTBEAT"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains the shared request-signing secret, the server-side
// hashing pepper and the admin credentials.
type SecurityConfig struct {
	// ClientSecret signs request envelopes and salts machine fingerprints.
	// Must match the secret compiled into the client.
	ClientSecret string `yaml:"client_secret" envconfig:"CLIENT_SECRET"`
	// StorePepper keys the second hash applied before a fingerprint is
	// persisted, so the store never holds the client-side value.
	StorePepper string `yaml:"store_pepper" envconfig:"STORE_PEPPER"`
	// TimestampSkew is the accepted request timestamp window on each side.
	TimestampSkew time.Duration `yaml:"timestamp_skew" envconfig:"TIMESTAMP_SKEW" default:"5m"`

	AdminUsername  string        `yaml:"admin_username" envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPassword  string        `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
	AdminJWTSecret string        `yaml:"admin_jwt_secret" envconfig:"ADMIN_JWT_SECRET"`
	AdminTokenTTL  time.Duration `yaml:"admin_token_ttl" envconfig:"ADMIN_TOKEN_TTL" default:"24h"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains the tiered per-IP limits. These are advisory
// backpressure outside the state machine.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	// ClientPerMinute caps general signed client calls.
	ClientPerMinute int `yaml:"client_per_minute" envconfig:"CLIENT_PER_MINUTE" default:"60"`
	// ActivationPerHour caps activation attempts.
	ActivationPerHour int `yaml:"activation_per_hour" envconfig:"ACTIVATION_PER_HOUR" default:"10"`
	// LoginPerQuarterHour caps admin login attempts.
	LoginPerQuarterHour int `yaml:"login_per_quarter_hour" envconfig:"LOGIN_PER_QUARTER_HOUR" default:"5"`
}

// StorageConfig locates the relational license store.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path" envconfig:"PATH" default:"data/licenses.db"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
}

// LicenseConfig holds state-machine tunables.
type LicenseConfig struct {
	// RebindLimit is the maximum count of activate/force_activate events
	// before a license is banned.
	RebindLimit int `yaml:"rebind_limit" envconfig:"REBIND_LIMIT" default:"3"`
}

// HeartbeatConfig holds client-side controller tunables.
type HeartbeatConfig struct {
	Interval       time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"5m"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	// AuthCacheTTL is the in-memory authorization window used to absorb
	// transient network blips without re-hitting the server.
	AuthCacheTTL time.Duration `yaml:"auth_cache_ttl" envconfig:"AUTH_CACHE_TTL" default:"5m"`
	// OfflineGrace is how long a previously verified client may run
	// disconnected before it is forced unauthorized.
	OfflineGrace time.Duration `yaml:"offline_grace" envconfig:"OFFLINE_GRACE" default:"24h"`
	ServerURL    string        `yaml:"server_url" envconfig:"SERVER_URL" default:"http://127.0.0.1:8080"`
	SnapshotPath string        `yaml:"snapshot_path" envconfig:"SNAPSHOT_PATH" default:"license.dat"`
}

// Load loads configuration from environment variables and an optional YAML
// file. Environment takes precedence.
func Load(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			fileCfg, err := loadFromFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
			cfg = *fileCfg
		}
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks cross-field constraints that envconfig tags cannot express.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Security.ClientSecret) < 16 {
		return fmt.Errorf("client_secret must be at least 16 characters")
	}
	if len(c.Security.StorePepper) < 16 {
		return fmt.Errorf("store_pepper must be at least 16 characters")
	}
	if c.Security.TimestampSkew <= 0 {
		return fmt.Errorf("timestamp_skew must be positive")
	}
	if c.License.RebindLimit < 1 {
		return fmt.Errorf("rebind_limit must be at least 1")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Heartbeat.OfflineGrace < c.Heartbeat.AuthCacheTTL {
		return fmt.Errorf("offline_grace must not be shorter than auth_cache_ttl")
	}
	return nil
}
