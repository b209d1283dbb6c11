package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// External media server (Kurento compatible JSON-RPC endpoint).
	MediaServerURL string `mapstructure:"media_server_url"`
	// Recordings are written by the media server under this prefix.
	RecordingPath string `mapstructure:"recording_path"`

	// ICE servers handed out via appConfig.
	StunURL  string `mapstructure:"stun_url"`
	TurnURL  string `mapstructure:"turn_url"`
	TurnUser string `mapstructure:"turn_user"`
	TurnPass string `mapstructure:"turn_pass"`

	// Call attempts allowed per connection within call_rate_interval.
	CallRateLimit    int           `mapstructure:"call_rate_limit"`
	CallRateInterval time.Duration `mapstructure:"call_rate_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("media_server_url", "ws://localhost:8888/kurento")
	v.SetDefault("recording_path", "file:///tmp/recordings/")
	v.SetDefault("stun_url", "stun:stun.l.google.com:19302")
	v.SetDefault("call_rate_limit", 10)
	v.SetDefault("call_rate_interval", "1m")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
