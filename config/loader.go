package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "P2PCHAT_CONFIG"
	defaultConfigName = "p2pchat.yaml"
)

// envBindings keeps the plain environment names used by deployments.
var envBindings = map[string]string{
	"port":                         "PORT",
	"environment":                  "ENVIRONMENT",
	"allowed_origins":              "ALLOWED_ORIGINS",
	"jwt_secret":                   "JWT_SECRET",
	"token_ttl":                    "TOKEN_TTL",
	"log_level":                    "LOG_LEVEL",
	"redis.host":                   "REDIS_HOST",
	"redis.port":                   "REDIS_PORT",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"chat.ice_servers":             "ICE_SERVERS",
	"chat.turn_servers":            "TURN_SERVERS",
	"chat.turn_username":           "TURN_USERNAME",
	"chat.turn_password":           "TURN_PASSWORD",
	"chat.room_expiry":             "ROOM_EXPIRY",
	"chat.max_message_length":      "MAX_MESSAGE_LENGTH",
	"chat.max_messages_per_window": "MAX_MESSAGES_PER_WINDOW",
	"chat.rate_window":             "RATE_WINDOW",
	"chat.channel_label":           "CHANNEL_LABEL",
	"chat.channel_ordered":         "CHANNEL_ORDERED",
	"chat.channel_max_retransmits": "CHANNEL_MAX_RETRANSMITS",
	"chat.reconnect_timeout":       "RECONNECT_TIMEOUT",
	"chat.max_restarts":            "MAX_RESTARTS",
	"chat.relay_mode":              "RELAY_MODE",
	"chat.gateway_url":             "GATEWAY_URL",
	"chat.signal_block":            "SIGNAL_BLOCK",
	"chat.cleanup_interval":        "CLEANUP_INTERVAL",
	"chat.database_path":           "DATABASE_PATH",
}

// Load builds configuration from defaults, an optional YAML file and the
// environment. Precedence: defaults < config file < env vars.
// A missing file is not an error; a default one is written for next time.
func Load(logger *zerolog.Logger, explicitPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	path := resolveConfigPath(explicitPath)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
			if logger != nil {
				logger.Warn().Err(writeErr).Str("path", path).Msg("failed to write default config")
			}
		} else if logger != nil {
			logger.Info().Str("path", path).Msg("created default config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Chat.ICEServers = splitList(cfg.Chat.ICEServers)
	cfg.Chat.TURNServers = splitList(cfg.Chat.TURNServers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the chat core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Chat.MaxMessageLength <= 0:
		return fmt.Errorf("max_message_length must be positive, got %d", c.Chat.MaxMessageLength)
	case c.Chat.MaxMessagesPerWindow <= 0:
		return fmt.Errorf("max_messages_per_window must be positive, got %d", c.Chat.MaxMessagesPerWindow)
	case c.Chat.RateWindow <= 0:
		return fmt.Errorf("rate_window must be positive, got %s", c.Chat.RateWindow)
	case c.Chat.RoomExpiry <= 0:
		return fmt.Errorf("room_expiry must be positive, got %s", c.Chat.RoomExpiry)
	case c.Chat.MaxRestarts < 0:
		return fmt.Errorf("max_restarts must not be negative, got %d", c.Chat.MaxRestarts)
	case c.Chat.ReconnectTimeout <= 0:
		return fmt.Errorf("reconnect_timeout must be positive, got %s", c.Chat.ReconnectTimeout)
	case c.Chat.SignalBlock <= 0:
		// XREAD BLOCK 0 waits forever and a subscription could never close
		return fmt.Errorf("signal_block must be positive, got %s", c.Chat.SignalBlock)
	}

	switch c.Chat.RelayMode {
	case RelayModeRedis, RelayModeGateway:
	default:
		return fmt.Errorf("unknown relay_mode %q", c.Chat.RelayMode)
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("port", cfg.Port)
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("allowed_origins", cfg.AllowedOrigins)
	v.SetDefault("jwt_secret", cfg.JWTSecret)
	v.SetDefault("token_ttl", cfg.TokenTTL)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("redis.host", cfg.Redis.Host)
	v.SetDefault("redis.port", cfg.Redis.Port)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("chat.ice_servers", cfg.Chat.ICEServers)
	v.SetDefault("chat.turn_servers", cfg.Chat.TURNServers)
	v.SetDefault("chat.turn_username", cfg.Chat.TURNUsername)
	v.SetDefault("chat.turn_password", cfg.Chat.TURNPassword)
	v.SetDefault("chat.room_expiry", cfg.Chat.RoomExpiry)
	v.SetDefault("chat.max_message_length", cfg.Chat.MaxMessageLength)
	v.SetDefault("chat.max_messages_per_window", cfg.Chat.MaxMessagesPerWindow)
	v.SetDefault("chat.rate_window", cfg.Chat.RateWindow)
	v.SetDefault("chat.channel_label", cfg.Chat.ChannelLabel)
	v.SetDefault("chat.channel_ordered", cfg.Chat.ChannelOrdered)
	v.SetDefault("chat.channel_max_retransmits", cfg.Chat.ChannelMaxRetransmits)
	v.SetDefault("chat.reconnect_timeout", cfg.Chat.ReconnectTimeout)
	v.SetDefault("chat.max_restarts", cfg.Chat.MaxRestarts)
	v.SetDefault("chat.relay_mode", cfg.Chat.RelayMode)
	v.SetDefault("chat.gateway_url", cfg.Chat.GatewayURL)
	v.SetDefault("chat.signal_block", cfg.Chat.SignalBlock)
	v.SetDefault("chat.cleanup_interval", cfg.Chat.CleanupInterval)
	v.SetDefault("chat.database_path", cfg.Chat.DatabasePath)
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
