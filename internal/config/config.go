package config

import "time"

// Config is the root configuration for Printwatch.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Hubs          []HubConfig         `yaml:"hubs"`
	Push          PushConfig          `yaml:"push"`
	Database      DatabaseConfig      `yaml:"database"`
	Notifications NotificationsConfig `yaml:"notifications"`
	API           APIConfig           `yaml:"api"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// HubConfig describes one home-automation hub to monitor.
type HubConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Token is the long-lived access token sent in the websocket
	// authentication handshake.
	Token string `yaml:"token"`
	// MaxReconnects caps consecutive reconnection attempts before the
	// connection is declared exhausted. 0 means the default (10).
	MaxReconnects int `yaml:"max_reconnects"`
	// StaleAfter is how long a printer may go without telemetry before it
	// is marked offline. 0 means the default (3m).
	StaleAfter time.Duration `yaml:"stale_after"`
}

// PushConfig configures the outbound push-proxy transport.
type PushConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxParallel caps concurrent deliveries per dispatched event.
	MaxParallel int `yaml:"max_parallel"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type NotificationsConfig struct {
	// Milestones are the progress percentages that trigger a notification
	// the first time they are crossed within a print.
	Milestones []int `yaml:"milestones"`
	// LiveActivityInterval is the minimum gap between two live-activity
	// content updates for the same printer.
	LiveActivityInterval time.Duration `yaml:"live_activity_interval"`
}

type APIConfig struct {
	// Token authenticates mobile clients against the HTTP API.
	// Empty disables authentication (local-only deployments).
	Token     string          `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8720,
			LogLevel: "info",
		},
		Push: PushConfig{
			Timeout:     10 * time.Second,
			MaxParallel: 8,
		},
		Database: DatabaseConfig{
			Path:          "~/.config/printwatch/printwatch.db",
			RetentionDays: 90,
		},
		Notifications: NotificationsConfig{
			Milestones:           []int{25, 50, 75},
			LiveActivityInterval: 30 * time.Second,
		},
		API: APIConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 200,
				Burst:             100,
			},
		},
	}
}
