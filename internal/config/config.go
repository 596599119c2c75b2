package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string `toml:"addr" yaml:"addr"`
	LogLevel       string `toml:"log_level" yaml:"log_level"`
	DatabaseDriver string `toml:"database_driver" yaml:"database_driver"`
	DatabaseURL    string `toml:"database_url" yaml:"database_url"`
	MigrationsDir  string `toml:"migrations_dir" yaml:"migrations_dir"`
	JWTSecret      string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer      string `toml:"jwt_issuer" yaml:"jwt_issuer"`
	CORSOrigin     string `toml:"cors_origin" yaml:"cors_origin"`
	MeiliURL       string `toml:"meili_url" yaml:"meili_url"`
	MeiliMasterKey string `toml:"meili_master_key" yaml:"meili_master_key"`
	// RedisURL enables cross-process realtime fan-out; empty keeps it in memory.
	RedisURL string `toml:"redis_url" yaml:"redis_url"`

	ProfileCacheSize       int `toml:"profile_cache_size" yaml:"profile_cache_size"`
	ProfileCacheTTLSeconds int `toml:"profile_cache_ttl_seconds" yaml:"profile_cache_ttl_seconds"`
}

func (c Config) ProfileCacheTTL() time.Duration {
	return time.Duration(c.ProfileCacheTTLSeconds) * time.Second
}

// Load reads settings from the environment. When LOSTFOUND_CONFIG names a
// config file its values are applied first and environment variables override
// them. Files ending in .yaml or .yml are read as YAML, anything else as TOML.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("LOSTFOUND_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:                   ":8787",
		LogLevel:               "info",
		DatabaseDriver:         "sqlite",
		DatabaseURL:            "./data/lostfound.db",
		MigrationsDir:          "./db/migrations",
		JWTSecret:              "lostfound-dev-secret",
		CORSOrigin:             "*",
		ProfileCacheSize:       1024,
		ProfileCacheTTLSeconds: 60,
	}
}

// loadFile decodes a TOML file, or YAML when the name ends in .yaml or .yml.
// Unknown keys are rejected in both formats.
func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		err = dec.Decode(cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		dec := toml.NewDecoder(file)
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("API_ADDR", cfg.Addr)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = getenv("LOSTFOUND_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.JWTSecret = getenv("LOSTFOUND_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getenv("LOSTFOUND_JWT_ISSUER", cfg.JWTIssuer)
	cfg.CORSOrigin = getenv("LOSTFOUND_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.ProfileCacheSize = getenvInt("LOSTFOUND_PROFILE_CACHE_SIZE", cfg.ProfileCacheSize)
	cfg.ProfileCacheTTLSeconds = getenvInt("LOSTFOUND_PROFILE_CACHE_TTL_SECONDS", cfg.ProfileCacheTTLSeconds)
}

func (c Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
