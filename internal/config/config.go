package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RoomConfig holds per-room behaviour knobs.
type RoomConfig struct {
	// RunnerServiceURL is the websocket endpoint of the execution sandbox,
	// templated with the room key, e.g. "ws://runner:8030/room/{room_key}".
	RunnerServiceURL string `json:"runner_service_url"`

	// CloseDelayMs is how long an empty room lingers before teardown.
	CloseDelayMs int64 `json:"close_delay_ms"`

	// CacheLines bounds the terminal output replay cache.
	CacheLines int `json:"cache_lines"`

	// ClientKeepAliveMs is the ping interval towards connected clients.
	ClientKeepAliveMs int64 `json:"client_keep_alive_ms"`

	// ClientTimeoutMs disconnects a client after this much inactivity.
	ClientTimeoutMs int64 `json:"client_timeout_ms"`

	// AutoSaveSeconds is the pad autosave interval. Zero disables autosave.
	AutoSaveSeconds int64 `json:"auto_save_seconds"`

	// AgentKeepAliveSeconds is the heartbeat interval on the sandbox link.
	AgentKeepAliveSeconds int64 `json:"agent_keep_alive_seconds"`
}

// Config represents application configuration
type Config struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `json:"listen_addr"`

	// DatabasePath is the sqlite file backing the pad store.
	DatabasePath string `json:"database_path"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"log_path"`

	Room RoomConfig `json:"room"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:8920",
		DatabasePath: "collabpad.db",
		LogLevel:     "info",
		Room: RoomConfig{
			RunnerServiceURL:      "ws://127.0.0.1:8930/room/{room_key}",
			CloseDelayMs:          10000,
			CacheLines:            30,
			ClientKeepAliveMs:     10000,
			ClientTimeoutMs:       15000,
			AutoSaveSeconds:       300,
			AgentKeepAliveSeconds: 3,
		},
	}
}

// Load reads configuration from a JSON file, filling unset fields with
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants that would otherwise surface as
// confusing runtime behaviour.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Room.RunnerServiceURL == "" {
		return fmt.Errorf("room.runner_service_url must not be empty")
	}
	if !strings.Contains(c.Room.RunnerServiceURL, "{room_key}") {
		return fmt.Errorf("room.runner_service_url must contain the {room_key} placeholder")
	}
	if c.Room.CacheLines <= 0 {
		return fmt.Errorf("room.cache_lines must be positive")
	}
	if c.Room.ClientKeepAliveMs <= 0 || c.Room.ClientTimeoutMs <= 0 {
		return fmt.Errorf("room keep-alive settings must be positive")
	}
	return nil
}
