// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Values are read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Round struct {
		CountdownSeconds  int `yaml:"countdown_seconds"`
		CallIntervalMs    int `yaml:"call_interval_ms"`
		MaxCallsPerRound  int `yaml:"max_calls_per_round"`
		GraceDelaySeconds int `yaml:"grace_delay_seconds"`
		PoolSize          int `yaml:"pool_size"`
		MaxPlayers        int `yaml:"max_players"`
		MaxCardsPerPlayer int `yaml:"max_cards_per_player"`
	} `yaml:"round"`

	Guard struct {
		TTLSeconds   int `yaml:"ttl_seconds"`
		RateWindowMs int `yaml:"rate_window_ms"`
		RateMax      int `yaml:"rate_max"`
	} `yaml:"guard"`

	Presence struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"presence"`

	Store struct {
		// Backend selects the state backend: "memory" for a single instance,
		// "nats" for a shared JetStream key-value store.
		Backend string `yaml:"backend"`
		NATSURL string `yaml:"nats_url"`
		// Relay broadcasts outbound events over NATS so clients connected to
		// other instances receive them too.
		Relay bool `yaml:"relay"`
	} `yaml:"store"`

	// Database is optional; it only backs the persistent winner history.
	Database struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Winners struct {
		Recent int `yaml:"recent"`
	} `yaml:"winners"`

	Auth struct {
		HMACSecret string `yaml:"hmac_secret"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file or overrides are
// present. The short call budget keeps demo rounds fast; raise
// max_calls_per_round to 75 for full-length rounds.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Round.CountdownSeconds = 30
	cfg.Round.CallIntervalMs = 3000
	cfg.Round.MaxCallsPerRound = 5
	cfg.Round.GraceDelaySeconds = 5
	cfg.Round.PoolSize = 30
	cfg.Round.MaxPlayers = 30
	cfg.Round.MaxCardsPerPlayer = 2
	cfg.Guard.TTLSeconds = 60
	cfg.Guard.RateWindowMs = 1000
	cfg.Guard.RateMax = 8
	cfg.Presence.TTLSeconds = 30
	cfg.Store.Backend = "memory"
	cfg.Store.NATSURL = "nats://localhost:4222"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Name = "bingohall"
	cfg.Database.SSLMode = "disable"
	cfg.Winners.Recent = 10
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the YAML file at path (if it exists) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; env and defaults carry the config.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Round.CountdownSeconds = getEnvAsInt("ROUND_COUNTDOWN_SECONDS", cfg.Round.CountdownSeconds)
	cfg.Round.CallIntervalMs = getEnvAsInt("ROUND_CALL_INTERVAL_MS", cfg.Round.CallIntervalMs)
	cfg.Round.MaxCallsPerRound = getEnvAsInt("ROUND_MAX_CALLS", cfg.Round.MaxCallsPerRound)
	cfg.Round.GraceDelaySeconds = getEnvAsInt("ROUND_GRACE_SECONDS", cfg.Round.GraceDelaySeconds)
	cfg.Round.PoolSize = getEnvAsInt("ROUND_POOL_SIZE", cfg.Round.PoolSize)
	cfg.Round.MaxPlayers = getEnvAsInt("ROUND_MAX_PLAYERS", cfg.Round.MaxPlayers)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.NATSURL = getEnv("NATS_URL", cfg.Store.NATSURL)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Store.Backend != "memory" && c.Store.Backend != "nats" {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Round.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.Round.PoolSize)
	}
	if c.Round.MaxCardsPerPlayer < 1 || c.Round.MaxCardsPerPlayer > 2 {
		return fmt.Errorf("max_cards_per_player must be 1 or 2, got %d", c.Round.MaxCardsPerPlayer)
	}
	if c.Round.MaxCallsPerRound < 1 || c.Round.MaxCallsPerRound > 75 {
		return fmt.Errorf("max_calls_per_round must be in [1,75], got %d", c.Round.MaxCallsPerRound)
	}
	return nil
}

// DatabaseDSN returns the Postgres connection URL for the winner history
// database.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Name, c.Database.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
