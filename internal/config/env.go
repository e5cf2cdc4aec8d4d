// Package config loads the process environment and the deployment settings
// file. The environment is read once at startup; the settings file is watched
// and hot reloaded.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Env is the process environment. Defaults are provided via struct tags.
type Env struct {
	ListenAddr string `env:"BOTFLEET_LISTEN_ADDR,default=:8080"`
	PublicDir  string `env:"BOTFLEET_PUBLIC_DIR,default=public"`
	ConfigFile string `env:"BOTFLEET_CONFIG_FILE"`

	JWTSecret string        `env:"BOTFLEET_JWT_SECRET"`
	TokenTTL  time.Duration `env:"BOTFLEET_TOKEN_TTL,default=1h"`

	// Store selects the account store: memory, sqlite or redis.
	Store       string `env:"BOTFLEET_STORE,default=sqlite"`
	SQLitePath  string `env:"BOTFLEET_SQLITE_PATH,default=data/accounts.db"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPrefix string `env:"BOTFLEET_REDIS_PREFIX,default=botfleet:accounts:"`

	// Transport selects the chat network client: memory or gateway.
	Transport  string `env:"BOTFLEET_TRANSPORT,default=gateway"`
	GatewayURL string `env:"BOTFLEET_GATEWAY_URL,default=http://127.0.0.1:7070"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// LoadEnv decodes the process environment into an Env.
func LoadEnv() (Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, fmt.Errorf("decode environment: %w", err)
	}
	return env, nil
}

// Level parses LogLevel, defaulting to info.
func (e Env) Level() slog.Level {
	switch strings.ToLower(e.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
