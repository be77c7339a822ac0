// Package config loads this server's bootstrap settings — bind address,
// capacity limits, seal grace period, and log format — from an optional
// YAML file layered under environment variables, using the same
// configuration library this codebase's TURN/WebRTC signaling sibling
// (zihoulaai-webrtc-server's pkg/webrtcutil) reaches for.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is everything cmd/server needs to start listening. None of it
// carries protocol meaning; internal/lobby and internal/signaling accept
// these as plain values or Options, never importing this package.
type Config struct {
	HTTPAddr    string        `mapstructure:"http_addr"`
	LogFormat   string        `mapstructure:"log_format"` // "json" or "text"
	LogLevel    string        `mapstructure:"log_level"`
	MaxLobbies  int           `mapstructure:"max_lobbies"`
	MaxPeers    int           `mapstructure:"max_peers"`
	SealGrace   time.Duration `mapstructure:"seal_grace"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

func defaults() Config {
	return Config{
		HTTPAddr:    ":4000",
		LogFormat:   "text",
		LogLevel:    "info",
		MaxLobbies:  1024,
		MaxPeers:    4096,
		SealGrace:   10 * time.Second,
		MetricsAddr: "",
	}
}

// Load reads defaults, then an optional YAML file at path (if non-empty
// and present), then environment variables (SIGNAL_ prefix), in
// increasing order of precedence.
func Load(path string) (Config, error) {
	def := defaults()

	v := viper.New()
	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("max_lobbies", def.MaxLobbies)
	v.SetDefault("max_peers", def.MaxPeers)
	v.SetDefault("seal_grace", def.SealGrace)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("signal")
	v.AutomaticEnv()
	for _, key := range []string{"http_addr", "log_format", "log_level", "max_lobbies", "max_peers", "seal_grace", "metrics_addr"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
