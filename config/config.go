// Package config loads service configuration in layers: struct defaults,
// an optional YAML file, then environment variables (a local .env file is
// read first so development setups need no exported variables).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Routing   RoutingConfig   `koanf:"routing"`
	Feed      FeedConfig      `koanf:"feed"`
}

type ServerConfig struct {
	Port               int      `koanf:"port" validate:"min=1,max=65535"`
	Env                string   `koanf:"env" validate:"oneof=development production test"`
	JWTSecret          string   `koanf:"jwt_secret" validate:"required"`
	CORSOrigins        []string `koanf:"cors_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute" validate:"min=0"`
}

type DatabaseConfig struct {
	URL          string `koanf:"url" validate:"required"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// FieldWeights are the per-field weights used when combining profile vectors.
type FieldWeights struct {
	Bio      float64 `koanf:"bio" validate:"min=0"`
	TurnOns  float64 `koanf:"turn_ons" validate:"min=0"`
	TurnOffs float64 `koanf:"turn_offs" validate:"min=0"`
}

type EmbeddingConfig struct {
	URL                 string        `koanf:"url" validate:"omitempty,url"`
	APIKey              string        `koanf:"api_key"`
	Model               string        `koanf:"model" validate:"required"`
	MaxInputChars       int           `koanf:"max_input_chars" validate:"min=1"`
	Timeout             time.Duration `koanf:"timeout" validate:"min=0"`
	RequestsPerSecond   float64       `koanf:"requests_per_second" validate:"min=0"`
	Burst               int           `koanf:"burst" validate:"min=1"`
	BackfillConcurrency int           `koanf:"backfill_concurrency" validate:"min=1"`
	Weights             FieldWeights  `koanf:"weights"`
}

// Enabled reports whether embedding credentials are configured.
func (c EmbeddingConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != ""
}

type RoutingConfig struct {
	URL            string        `koanf:"url" validate:"omitempty,url"`
	APIKey         string        `koanf:"api_key"`
	Timeout        time.Duration `koanf:"timeout" validate:"min=0"`
	CacheTTL       time.Duration `koanf:"cache_ttl" validate:"min=0"`
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"min=0"`
	MaxConcurrency int           `koanf:"max_concurrency" validate:"min=1"`
}

// Enabled reports whether a routing provider is configured.
func (c RoutingConfig) Enabled() bool {
	return c.URL != ""
}

type FeedConfig struct {
	PageSize      int           `koanf:"page_size" validate:"min=1,max=100"`
	MaxCandidates int           `koanf:"max_candidates" validate:"min=1"`
	SessionTTL    time.Duration `koanf:"session_ttl" validate:"min=0"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			Env:                "development",
			JWTSecret:          "your_secret_key_please_change_in_production",
			CORSOrigins:        []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3001", "http://127.0.0.1:3001"},
			RateLimitPerMinute: 120,
		},
		Database: DatabaseConfig{
			URL:          "user=admin password=password dbname=interlinkdb sslmode=disable",
			MaxOpenConns: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Embedding: EmbeddingConfig{
			Model:               "text-embedding-3-small",
			MaxInputChars:       8000,
			Timeout:             15 * time.Second,
			RequestsPerSecond:   5,
			Burst:               5,
			BackfillConcurrency: 5,
			Weights:             FieldWeights{Bio: 0.5, TurnOns: 0.25, TurnOffs: 0.25},
		},
		Routing: RoutingConfig{
			Timeout:        5 * time.Second,
			CacheTTL:       2 * time.Minute,
			SweepInterval:  time.Minute,
			MaxConcurrency: 8,
		},
		Feed: FeedConfig{
			PageSize:      20,
			MaxCandidates: 500,
			SessionTTL:    15 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := splitCommaList(k, "server.cors_origins"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Server.Env == "production" && c.Server.JWTSecret == defaultConfig().Server.JWTSecret {
		return errors.New("Config.Server.JWTSecret must be set in production")
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sections = []string{"server", "database", "logging", "embedding", "routing", "feed"}

// Names the service used before the config package existed.
var legacyEnv = map[string]string{
	"jwt_secret": "server.jwt_secret",
	"go_env":     "server.env",
	"port":       "server.port",
	"log_level":  "logging.level",
	"log_format": "logging.format",
}

// envTransformFunc maps environment names onto koanf paths:
//
//	DATABASE_URL      -> database.url
//	EMBEDDING_API_KEY -> embedding.api_key
//	EMBEDDING_WEIGHTS_BIO -> embedding.weights.bio
//	JWT_SECRET        -> server.jwt_secret
//
// Unknown names map to "" and are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if path, ok := legacyEnv[key]; ok {
		return path
	}
	for _, s := range sections {
		rest, ok := strings.CutPrefix(key, s+"_")
		if !ok {
			continue
		}
		if w, ok := strings.CutPrefix(rest, "weights_"); ok && s == "embedding" {
			return "embedding.weights." + w
		}
		return s + "." + rest
	}
	return ""
}

// env vars arrive as strings; lists are comma separated
func splitCommaList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok || s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}
