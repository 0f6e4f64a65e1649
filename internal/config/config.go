// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Environment   string          `yaml:"environment"`
	ListenAddr    string          `yaml:"listen_addr"`
	TLSCertFile   string          `yaml:"tls_cert"`
	TLSKeyFile    string          `yaml:"tls_key"`
	LogLevel      string          `yaml:"log_level"`
	Storage       StorageConfig   `yaml:"storage"`
	CSRFSecret    string          `yaml:"csrf_secret"`
	EncryptionKey string          `yaml:"encryption_key"`
	CSRF          CSRFConfig      `yaml:"csrf"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Stats         StatsConfig     `yaml:"stats"`
	Principals    []Principal     `yaml:"principals"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is honoured.
	// Requests from any other peer are attributed to their socket address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type CSRFConfig struct {
	ExtraExemptPaths []string `yaml:"extra_exempt_paths"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StatsConfig struct {
	// MaxKeys bounds each in-process counter map before it is reset.
	MaxKeys int `yaml:"max_keys"`
}

// Principal is a static bearer-token identity, used in development and tests.
type Principal struct {
	Token string `yaml:"token"`
	UID   string `yaml:"uid"`
	Email string `yaml:"email"`
	Admin bool   `yaml:"admin"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		ListenAddr:  ":8080",
		LogLevel:    "info",
		Storage: StorageConfig{
			Driver:        DriverMemory,
			MongoDatabase: "citaguard",
			MigrationsDir: "migrations",
		},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Stats:     StatsConfig{MaxKeys: 10000},
	}
}

// Load reads path (or $CITAGUARD_CONFIG, or config.yaml), then applies .env
// and environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CITAGUARD_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	} else {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	loadDotEnv()
	cfg.applyEnv()
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = env.GetString("ENVIRONMENT", c.Environment)
	c.ListenAddr = env.GetString("LISTEN_ADDR", c.ListenAddr)
	c.TLSCertFile = env.GetString("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = env.GetString("TLS_KEY_FILE", c.TLSKeyFile)
	if v := env.GetString("TRUSTED_PROXIES", ""); v != "" {
		c.TrustedProxies = splitList(v)
	}
	c.LogLevel = env.GetString("LOG_LEVEL", c.LogLevel)

	c.Storage.Driver = env.GetString("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.MongoURI = env.GetString("MONGO_URI", c.Storage.MongoURI)
	c.Storage.MongoDatabase = env.GetString("MONGO_DATABASE", c.Storage.MongoDatabase)
	c.Storage.DBUrl = env.GetString("DATABASE_URL", c.Storage.DBUrl)
	c.Storage.MigrationsDir = env.GetString("MIGRATIONS_DIR", c.Storage.MigrationsDir)

	c.CSRFSecret = env.GetString("CSRF_SECRET", c.CSRFSecret)
	c.EncryptionKey = env.GetString("ENCRYPTION_KEY", c.EncryptionKey)

	c.RateLimit.RPS = env.GetFloat64("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = env.GetInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.Stats.MaxKeys = env.GetInt("STATS_MAX_KEYS", c.Stats.MaxKeys)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// IsDevelopment reports whether development-only routes and defaults apply.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// CSRFSecretBytes returns the CSRF signing secret. In development an empty
// secret is replaced by a random one that lives as long as the process.
func (c *Config) CSRFSecretBytes() ([]byte, error) {
	if c.CSRFSecret != "" {
		return []byte(c.CSRFSecret), nil
	}
	if c.IsProduction() {
		return nil, errors.New("csrf_secret is required in production")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating csrf secret: %w", err)
	}
	log.Warn().Msg("csrf_secret not set, using an ephemeral secret: INSECURE, tokens will not survive a restart")
	return []byte(hex.EncodeToString(b)), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv loads the nearest .env file found walking up from the working directory.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
