package config

import (
	"fmt"
	"strings"
	"time"
)

// Store back-ends.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds all process-level options of the EV charging manager
type Config struct {
	// MQTT Configuration
	MQTTUrl           string `json:"mqtt_url"`           // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix   string `json:"discovery_prefix"`   // Home Assistant discovery prefix
	StatestreamPrefix string `json:"statestream_prefix"` // Home Assistant mqtt_statestream base topic
	BaseTopic         string `json:"base_topic"`         // Root of our own topics

	// Files
	ChargersFile string `json:"chargers_file"` // YAML charging point definitions
	IdentityFile string `json:"identity_file"` // YAML vehicles, users and RFID mappings

	// Persistence
	Store         string `json:"store"`
	DataDir       string `json:"data_dir"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	PostgresDSN   string `json:"postgres_dsn"`

	// HTTP query surface, empty disables it
	HTTPAddr string `json:"http_addr"`

	// Unknown-session warning
	UnknownThreshold int           `json:"unknown_threshold"`
	UnknownWindow    time.Duration `json:"unknown_window"`

	// Application Configuration
	Verbose bool `json:"verbose"` // Enable verbose logging
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		DiscoveryPrefix:   "homeassistant",
		StatestreamPrefix: "homeassistant/statestream",
		BaseTopic:         "evcm",
		ChargersFile:      "chargers.yaml",
		IdentityFile:      "identity.yaml",
		Store:             StoreFile,
		DataDir:           "data",
		HTTPAddr:          ":8080",
		UnknownThreshold:  DefaultUnknownThreshold,
		UnknownWindow:     DefaultUnknownWindow,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}
	if c.ChargersFile == "" {
		return fmt.Errorf("chargers file is required")
	}
	if strings.TrimSpace(c.BaseTopic) == "" {
		return fmt.Errorf("base topic is required")
	}

	switch c.Store {
	case StoreFile:
		if c.DataDir == "" {
			return fmt.Errorf("data dir is required for the file store")
		}
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (file, memory, redis or postgres)", c.Store)
	}

	// Set defaults for invalid values
	if c.UnknownThreshold <= 0 {
		c.UnknownThreshold = DefaultUnknownThreshold
	}
	if c.UnknownWindow <= 0 {
		c.UnknownWindow = DefaultUnknownWindow
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasHTTP returns true if the HTTP query surface is enabled
func (c *Config) HasHTTP() bool {
	return c.HTTPAddr != ""
}
