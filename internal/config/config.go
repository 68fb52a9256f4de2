package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultTiersPath       = "tiers.yaml"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "tentacle"
	DefaultPGSSLMode       = "disable"
	DefaultSQLitePath      = "data/tentacle.db"
	DefaultMemoryBackend   = "sqlite"
	DefaultBufferCap       = 50
	DefaultReadLimit       = 30
	DefaultMaxAgentDepth   = 3
	DefaultMaxToolRounds   = 8
	DefaultDispatchTimeout = "60s"
	DefaultMemoryTimeout   = "5s"
	DefaultStaleTTL        = "10m"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Discord   DiscordConfig   `toml:"discord"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Memory    MemoryConfig    `toml:"memory"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Providers ProvidersConfig `toml:"providers"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type DiscordConfig struct {
	BotToken      string `toml:"bot_token"`
	ApplicationID string `toml:"application_id"`
	// GuildID scopes slash command registration; empty registers globally.
	GuildID string `toml:"guild_id"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type MemoryConfig struct {
	// Backend is the persistent store used by instances in database mode:
	// "postgres", "sqlite" or "" (none; database mode degrades to the buffer).
	Backend   string `toml:"backend"`
	BufferCap int    `toml:"buffer_cap"`
	ReadLimit int    `toml:"read_limit"`
}

type GatewayConfig struct {
	TiersPath       string `toml:"tiers_path"`
	MaxAgentDepth   int    `toml:"max_agent_depth"`
	MaxToolRounds   int    `toml:"max_tool_rounds"`
	DispatchTimeout string `toml:"dispatch_timeout"`
	MemoryTimeout   string `toml:"memory_timeout"`
	StaleTTL        string `toml:"stale_ttl"`
}

type ProvidersConfig struct {
	GeminiAPIKey    string `toml:"gemini_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OllamaBaseURL   string `toml:"ollama_base_url"`
}

func (c GatewayConfig) DispatchTimeoutDuration() time.Duration {
	return parseDuration(c.DispatchTimeout, DefaultDispatchTimeout)
}

func (c GatewayConfig) MemoryTimeoutDuration() time.Duration {
	return parseDuration(c.MemoryTimeout, DefaultMemoryTimeout)
}

func (c GatewayConfig) StaleTTLDuration() time.Duration {
	return parseDuration(c.StaleTTL, DefaultStaleTTL)
}

func (c AuthConfig) ExpiresIn() time.Duration {
	return parseDuration(c.JWTExpiresIn, DefaultJWTExpiresIn)
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// Validate reports settings that cannot be corrected by defaults.
func (c Config) Validate() error {
	switch c.Memory.Backend {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("memory.backend: unsupported value %q", c.Memory.Backend)
	}
	if c.Memory.BufferCap <= 0 {
		return fmt.Errorf("memory.buffer_cap must be positive")
	}
	if c.Gateway.MaxAgentDepth <= 0 {
		return fmt.Errorf("gateway.max_agent_depth must be positive")
	}
	if c.Gateway.MaxToolRounds <= 0 {
		return fmt.Errorf("gateway.max_tool_rounds must be positive")
	}
	for name, raw := range map[string]string{
		"gateway.dispatch_timeout": c.Gateway.DispatchTimeout,
		"gateway.memory_timeout":   c.Gateway.MemoryTimeout,
		"gateway.stale_ttl":        c.Gateway.StaleTTL,
		"auth.jwt_expires_in":      c.Auth.JWTExpiresIn,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		SQLite: SQLiteConfig{
			Path: DefaultSQLitePath,
		},
		Memory: MemoryConfig{
			Backend:   DefaultMemoryBackend,
			BufferCap: DefaultBufferCap,
			ReadLimit: DefaultReadLimit,
		},
		Gateway: GatewayConfig{
			TiersPath:       DefaultTiersPath,
			MaxAgentDepth:   DefaultMaxAgentDepth,
			MaxToolRounds:   DefaultMaxToolRounds,
			DispatchTimeout: DefaultDispatchTimeout,
			MemoryTimeout:   DefaultMemoryTimeout,
			StaleTTL:        DefaultStaleTTL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
