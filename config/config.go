package config

import (
	"time"
)

const (
	RelayModeRedis   = "redis"
	RelayModeGateway = "gateway"
)

type Config struct {
	Port           string        `mapstructure:"port" yaml:"port"`
	Environment    string        `mapstructure:"environment" yaml:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
	Redis          RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Chat           ChatConfig    `mapstructure:"chat" yaml:"chat"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// ChatConfig holds the client-side options: ICE servers, room and message
// limits, data channel policy and where the relay lives.
type ChatConfig struct {
	ICEServers   []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	TURNServers  []string `mapstructure:"turn_servers" yaml:"turn_servers"`
	TURNUsername string   `mapstructure:"turn_username" yaml:"turn_username"`
	TURNPassword string   `mapstructure:"turn_password" yaml:"turn_password"`

	RoomExpiry           time.Duration `mapstructure:"room_expiry" yaml:"room_expiry"`
	MaxMessageLength     int           `mapstructure:"max_message_length" yaml:"max_message_length"`
	MaxMessagesPerWindow int           `mapstructure:"max_messages_per_window" yaml:"max_messages_per_window"`
	RateWindow           time.Duration `mapstructure:"rate_window" yaml:"rate_window"`

	ChannelLabel          string        `mapstructure:"channel_label" yaml:"channel_label"`
	ChannelOrdered        bool          `mapstructure:"channel_ordered" yaml:"channel_ordered"`
	ChannelMaxRetransmits uint16        `mapstructure:"channel_max_retransmits" yaml:"channel_max_retransmits"`
	ReconnectTimeout      time.Duration `mapstructure:"reconnect_timeout" yaml:"reconnect_timeout"`
	MaxRestarts           int           `mapstructure:"max_restarts" yaml:"max_restarts"`

	RelayMode       string        `mapstructure:"relay_mode" yaml:"relay_mode"`
	GatewayURL      string        `mapstructure:"gateway_url" yaml:"gateway_url"`
	SignalBlock     time.Duration `mapstructure:"signal_block" yaml:"signal_block"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	DatabasePath    string        `mapstructure:"database_path" yaml:"database_path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		TokenTTL:       24 * time.Hour,
		LogLevel:       "info",
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Chat: ChatConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			RoomExpiry:            24 * time.Hour,
			MaxMessageLength:      1000,
			MaxMessagesPerWindow:  10,
			RateWindow:            60 * time.Second,
			ChannelLabel:          "messages",
			ChannelOrdered:        true,
			ChannelMaxRetransmits: 3,
			ReconnectTimeout:      5 * time.Second,
			MaxRestarts:           1,
			RelayMode:             RelayModeRedis,
			GatewayURL:            "http://localhost:8080",
			SignalBlock:           time.Second,
			CleanupInterval:       10 * time.Minute,
			DatabasePath:          "p2pchat.db",
		},
	}
}

// Addr returns host:port for the relay store
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}
