package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/printwatch/printwatch.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "printwatch", "printwatch.yaml"))
	}

	paths = append(paths, "printwatch.yaml")

	if envPath := os.Getenv("PRINTWATCH_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/printwatch/printwatch.yaml < ~/.config/printwatch/printwatch.yaml < ./printwatch.yaml < $PRINTWATCH_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("PRINTWATCH_HUB_TOKEN"); token != "" {
		for i := range cfg.Hubs {
			if cfg.Hubs[i].Token == "" {
				cfg.Hubs[i].Token = token
			}
		}
	}
	if token := os.Getenv("PRINTWATCH_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if token := os.Getenv("PRINTWATCH_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if len(cfg.Hubs) == 0 {
		return fmt.Errorf("at least one hub must be configured")
	}

	seen := make(map[string]bool, len(cfg.Hubs))
	for i := range cfg.Hubs {
		h := &cfg.Hubs[i]
		if h.Name == "" {
			return fmt.Errorf("hubs[%d].name is required", i)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate hub name %q", h.Name)
		}
		seen[h.Name] = true
		if h.URL == "" {
			return fmt.Errorf("hub %q: url is required", h.Name)
		}
		if h.Token == "" {
			return fmt.Errorf("hub %q: token is required (or set PRINTWATCH_HUB_TOKEN)", h.Name)
		}
		if h.MaxReconnects <= 0 {
			h.MaxReconnects = 10
		}
		if h.StaleAfter <= 0 {
			h.StaleAfter = 3 * time.Minute
		}
	}

	if cfg.Push.URL == "" {
		return fmt.Errorf("push.url is required")
	}
	if cfg.Push.MaxParallel < 1 {
		return fmt.Errorf("push.max_parallel must be at least 1")
	}

	if len(cfg.Notifications.Milestones) == 0 {
		return fmt.Errorf("notifications.milestones must not be empty")
	}
	last := 0
	for _, m := range cfg.Notifications.Milestones {
		if m <= last || m > 100 {
			return fmt.Errorf("notifications.milestones must be strictly ascending within 1..100, got %v", cfg.Notifications.Milestones)
		}
		last = m
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)

	return nil
}
