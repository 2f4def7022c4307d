package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the SMTP edge trust subsystem.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	TLS      TLSConfig      `yaml:"tls"`
	Limits   LimitsConfig   `yaml:"limits"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	OAuth2   OAuth2Config   `yaml:"oauth2"`
	ARC      ARCConfig      `yaml:"arc"`
}

// ServerConfig holds SMTP server settings.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	SubmissionPort    int           `yaml:"submission_port"`
	Hostname          string        `yaml:"hostname"`
	Banner            string        `yaml:"banner"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxRecipients     int           `yaml:"max_recipients"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MaxConnections    int           `yaml:"max_connections"`
	AllowInsecureAuth bool          `yaml:"allow_insecure_auth"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis settings shared by the rate limiter and the
// OAuth2 token cache.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// LimitsConfig holds the authentication rate-limiting settings.
type LimitsConfig struct {
	MaxFailedAttemptsPerIdentity int           `yaml:"max_failed_attempts_per_identity"`
	MaxFailedAttemptsPerIP       int           `yaml:"max_failed_attempts_per_ip"`
	LockoutDuration              time.Duration `yaml:"lockout_duration"`
	RateLimitWindow              time.Duration `yaml:"rate_limit_window"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// OAuth2Config holds settings for the OAuth2/JWT bearer token validator.
type OAuth2Config struct {
	Enabled                  bool          `yaml:"enabled"`
	GoogleAllowedClientIDs   []string      `yaml:"google_allowed_client_ids"`
	InternalJWTSecret        string        `yaml:"internal_jwt_secret"`
	InternalRealmTag         string        `yaml:"internal_realm_tag"`
	MicrosoftAssumedTokenTTL time.Duration `yaml:"microsoft_assumed_token_ttl"`
	CacheTTL                 time.Duration `yaml:"cache_ttl"`
	HTTPTimeout              time.Duration `yaml:"http_timeout"`
}

// ARCConfig holds settings for ARC signing and verification. The signing
// selector itself is not configured here: it comes from the per-domain
// domain.DKIMKey the directory returns, since different domains may rotate
// onto different selectors independently.
type ARCConfig struct {
	DNSTimeout  time.Duration `yaml:"dns_timeout"`
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
	// SigningKeyEncryptionKey decrypts at-rest ARC/DKIM private keys stored
	// in the domains table; base64 if the AES-GCM key is binary, otherwise
	// used as raw key material. Empty disables at-rest decryption.
	SigningKeyEncryptionKey string `yaml:"signing_key_encryption_key"`
}

// Load loads configuration from a file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              25,
			SubmissionPort:    587,
			Hostname:          "mail.example.com",
			Banner:            "edgetrust SMTP edge",
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			MaxRecipients:     100,
			MaxMessageSize:    26214400, // 25MB
			MaxConnections:    1000,
			AllowInsecureAuth: false,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "smtp",
			Password:        "",
			Database:        "smtpedge",
			SSLMode:         "prefer",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		TLS: TLSConfig{
			Enabled:    true,
			CertFile:   "/etc/smtp/tls/cert.pem",
			KeyFile:    "/etc/smtp/tls/key.pem",
			MinVersion: "1.3",
		},
		Limits: LimitsConfig{
			MaxFailedAttemptsPerIdentity: 5,
			MaxFailedAttemptsPerIP:       15,
			LockoutDuration:              15 * time.Minute,
			RateLimitWindow:              15 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		OAuth2: OAuth2Config{
			Enabled:                  true,
			InternalRealmTag:         "internal",
			MicrosoftAssumedTokenTTL: 5 * time.Minute,
			CacheTTL:                 5 * time.Minute,
			HTTPTimeout:              10 * time.Second,
		},
		ARC: ARCConfig{
			DNSTimeout:  10 * time.Second,
			KeyCacheTTL: 1 * time.Hour,
		},
	}
}

// loadFromEnv overrides config with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SMTP_SUBMISSION_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.SubmissionPort = port
		}
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxMessageSize = size
		}
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		c.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("OAUTH2_INTERNAL_JWT_SECRET"); v != "" {
		c.OAuth2.InternalJWTSecret = v
	}
	if v := os.Getenv("ARC_SIGNING_KEY_ENCRYPTION_KEY"); v != "" {
		c.ARC.SigningKeyEncryptionKey = v
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" +
		c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.Database +
		"?sslmode=" + c.SSLMode
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
