package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Storage   StorageConfig
	Rooms     RoomsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	RateLimit       RateLimitConfig       `mapstructure:"rateLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

// RateLimitConfig bounds how fast a single IP may open new connections.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type TransportConfig struct {
	// ReadTimeout doubles as the idle timeout: a client that sends nothing
	// within the window is disconnected.
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "memory"
	DSN    string `mapstructure:"dsn"`
}

type RoomsConfig struct {
	// RequiredRoles must each have at least one present connection before a
	// waiting room activates.
	RequiredRoles []string `mapstructure:"requiredRoles"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
