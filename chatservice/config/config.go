// Package config loads the service configuration in two stages: a YAML
// file mapped into the canonical AppConfig, then environment variable
// overrides for the values operators set per deployment.
package config

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DegradationConfig mirrors the controller's threshold tunables.
type DegradationConfig struct {
	SampleInterval       time.Duration
	LightOccupancy       float64
	MediumOccupancy      float64
	HeavyOccupancy       float64
	LightQueueDepth      int
	MediumQueueDepth     int
	HeavyQueueDepth      int
	MemoryHigh           float64
	RejectEveryN         int
	PublishRatePerSecond float64
	PublishBurst         int
}

// AppConfig is the canonical, validated configuration object used
// throughout the application.
type AppConfig struct {
	NodeID        string
	APIPort       string
	WebSocketPort string

	// RedisAddr empty means no shared store: the node is pinned to
	// standalone mode.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MaxConnections    int
	ShardCount        int
	SendQueueSize     int
	HeartbeatInterval time.Duration
	UnsubscribeGrace  time.Duration
	PresenceInterval  time.Duration

	Degradation DegradationConfig
}

// envOverrides are the per-deployment knobs operators set without
// touching the YAML file.
type envOverrides struct {
	NodeID         string `env:"NODE_ID"`
	RedisAddr      string `env:"REDIS_ADDR"`
	APIPort        string `env:"API_PORT"`
	WebSocketPort  string `env:"WEBSOCKET_PORT"`
	MaxConnections int    `env:"MAX_CONNECTIONS"`
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Defaults returns a runnable configuration for a single standalone node.
func Defaults() *AppConfig {
	return &AppConfig{
		NodeID:            fmt.Sprintf("node-%04d", rand.IntN(10000)),
		APIPort:           "8080",
		WebSocketPort:     "8081",
		MaxConnections:    100000,
		ShardCount:        64,
		SendQueueSize:     256,
		HeartbeatInterval: 30 * time.Second,
		UnsubscribeGrace:  30 * time.Second,
		PresenceInterval:  30 * time.Second,
		Degradation: DegradationConfig{
			SampleInterval:       10 * time.Second,
			LightOccupancy:       0.70,
			MediumOccupancy:      0.85,
			HeavyOccupancy:       0.95,
			LightQueueDepth:      1000,
			MediumQueueDepth:     5000,
			HeavyQueueDepth:      20000,
			MemoryHigh:           0.85,
			RejectEveryN:         3,
			PublishRatePerSecond: 5,
			PublishBurst:         10,
		},
	}
}

// Load reads the YAML file at path (missing file falls back to defaults)
// and applies environment overrides.
func Load(path string) (*AppConfig, error) {
	appCfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env are enough to run standalone.
		case err != nil:
			return nil, fmt.Errorf("read config %q: %w", path, err)
		default:
			var yamlCfg YamlConfig
			if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
				return nil, fmt.Errorf("parse config %q: %w", path, err)
			}
			if appCfg, err = NewConfigFromYaml(&yamlCfg); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnvOverrides(appCfg); err != nil {
		return nil, err
	}
	return appCfg, appCfg.Validate()
}

func applyEnvOverrides(cfg *AppConfig) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	if overrides.NodeID != "" {
		cfg.NodeID = overrides.NodeID
	}
	if overrides.RedisAddr != "" {
		cfg.RedisAddr = overrides.RedisAddr
	}
	if overrides.APIPort != "" {
		cfg.APIPort = overrides.APIPort
	}
	if overrides.WebSocketPort != "" {
		cfg.WebSocketPort = overrides.WebSocketPort
	}
	if overrides.MaxConnections > 0 {
		cfg.MaxConnections = overrides.MaxConnections
	}
	return nil
}

// Validate rejects configurations the components would refuse at wiring.
func (c *AppConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.ShardCount <= 0 || c.ShardCount&(c.ShardCount-1) != 0 {
		return fmt.Errorf("shard_count must be a power of two, got %d", c.ShardCount)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	return nil
}
