package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	AppName   = "filefinder"
	EnvPrefix = "FILEFINDER"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Data   DataConfig   `mapstructure:"data"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Search SearchConfig `mapstructure:"search"`
	Log    LogConfig    `mapstructure:"log"`

	// GeneratedSecret is set when no JWT secret was configured and a random
	// one was created for this process.
	GeneratedSecret bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	LoginRateLimit int      `mapstructure:"login_rate_limit"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

type DataConfig struct {
	Path   string `mapstructure:"path"`
	DBPath string `mapstructure:"db_path"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AdminUsername string        `mapstructure:"admin_username"`
	AdminPassword string        `mapstructure:"admin_password"`
}

type SearchConfig struct {
	DefaultRoot string        `mapstructure:"default_root"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ListTimeout time.Duration `mapstructure:"list_timeout"`
	Prefetch    int           `mapstructure:"prefetch"`
	Exclude     []string      `mapstructure:"exclude"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.login_rate_limit", 10)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("data.path", "./data")
	v.SetDefault("data.db_path", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password", "admin")

	v.SetDefault("search.default_root", "")
	v.SetDefault("search.timeout", 2*time.Minute)
	v.SetDefault("search.list_timeout", 10*time.Second)
	v.SetDefault("search.prefetch", 4)
	v.SetDefault("search.exclude", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// Load reads configuration from configPath (or the default search paths),
// then environment variables such as FILEFINDER_SERVER_PORT. A missing config
// file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Data.DBPath == "" {
		cfg.Data.DBPath = filepath.Join(cfg.Data.Path, AppName+".db")
	}
	// env overrides for list keys arrive as a single comma-separated string
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)
	cfg.Search.Exclude = splitList(cfg.Search.Exclude)
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	if cfg.Auth.JWTSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = hex.EncodeToString(b)
		cfg.GeneratedSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Search.Timeout < 0 {
		return fmt.Errorf("search.timeout must not be negative: %s", c.Search.Timeout)
	}
	if c.Search.ListTimeout < 0 {
		return fmt.Errorf("search.list_timeout must not be negative: %s", c.Search.ListTimeout)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive: %s", c.Auth.TokenTTL)
	}
	if c.Server.LoginRateLimit <= 0 {
		return fmt.Errorf("server.login_rate_limit must be positive: %d", c.Server.LoginRateLimit)
	}
	return nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
