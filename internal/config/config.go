// Package config loads the service configuration from YAML and applies
// environment overrides. Environment always wins so deployments can tune a
// shared file per instance.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Env             string        `yaml:"env"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
}

type DatabaseConfig struct {
	ConnString string `yaml:"conn_string"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProvidersConfig struct {
	DefaultChat    string            `yaml:"default_chat"`
	DefaultEmbed   string            `yaml:"default_embed"`
	EmbedDims      int               `yaml:"embed_dims"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	APIKeys        map[string]string `yaml:"api_keys"`
}

type LimitsConfig struct {
	PerMinute map[string]int `yaml:"per_minute"`
}

// Load reads the YAML file (optional) and applies defaults plus environment
// overrides. A missing file is not an error; the environment alone is a
// valid configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.RequestDeadline == 0 {
		c.Server.RequestDeadline = 20 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Providers.DefaultChat == "" {
		c.Providers.DefaultChat = "openai"
	}
	if c.Providers.DefaultEmbed == "" {
		c.Providers.DefaultEmbed = c.Providers.DefaultChat
	}
	if c.Providers.EmbedDims == 0 {
		c.Providers.EmbedDims = 1536
	}
	if c.Providers.RequestTimeout == 0 {
		c.Providers.RequestTimeout = 30 * time.Second
	}
	if c.Providers.APIKeys == nil {
		c.Providers.APIKeys = map[string]string{}
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Auth.Secret, "AUTH_SECRET")
	setString(&c.Database.ConnString, "DATABASE_URL", "POSTGRES_URL", "PG_CONNECTION_STRING")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Providers.DefaultChat, "DEFAULT_MODEL_PROVIDER")
	setString(&c.Providers.DefaultEmbed, "DEFAULT_EMBEDDING_PROVIDER")
	setInt(&c.Providers.EmbedDims, "EMBEDDING_DIMS")
	setDuration(&c.Server.RequestDeadline, "REQUEST_DEADLINE")
	setDuration(&c.Providers.RequestTimeout, "PROVIDER_TIMEOUT")

	for _, provider := range []struct{ name, env string }{
		{"openai", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"gemini", "GEMINI_API_KEY"},
	} {
		if v := os.Getenv(provider.env); v != "" {
			c.Providers.APIKeys[provider.name] = v
		}
	}
}

func setString(target *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*target = v
			return
		}
	}
}

func setInt(target *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setDuration(target *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
