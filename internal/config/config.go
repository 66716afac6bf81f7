package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode  string      `mapstructure:"mode"`
	Peer  PeerConfig  `mapstructure:"peer"`
	Relay RelayConfig `mapstructure:"relay"`
}

// PeerConfig drives one participant instance.
type PeerConfig struct {
	RelayHTTPURL string        `mapstructure:"relay_http_url"`
	RelayWSURL   string        `mapstructure:"relay_ws_url"`
	SessionID    string        `mapstructure:"session_id"`
	Name         string        `mapstructure:"name"`
	AudioPath    string        `mapstructure:"audio_path"`
	StartUnmuted bool          `mapstructure:"start_unmuted"`
	STUNServers  []string      `mapstructure:"stun_servers"`
	VADThreshold float64       `mapstructure:"vad_threshold"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// RelayConfig drives the signaling relay server.
type RelayConfig struct {
	Port          int           `mapstructure:"port"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Secret        string        `mapstructure:"secret"`
	PresenceTTL   time.Duration `mapstructure:"presence_ttl"`
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
	v.SetDefault("peer.relay_http_url", "http://localhost:8080")
	v.SetDefault("peer.relay_ws_url", "ws://localhost:8080")
	v.SetDefault("peer.session_id", "dev")
	v.SetDefault("peer.name", "guest")
	v.SetDefault("peer.start_unmuted", false)
	v.SetDefault("peer.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.vad_threshold", 0.04)
	v.SetDefault("peer.settle_delay", "1s")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.redis_addr", "localhost:6379")
	v.SetDefault("relay.secret", "change-me-in-production")
	v.SetDefault("relay.presence_ttl", "60s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
