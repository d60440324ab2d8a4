// Package config loads the node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"`

	RPC     RPCConfig     `yaml:"rpc"`
	Feed    FeedConfig    `yaml:"feed"`
	Keeper  KeeperConfig  `yaml:"keeper"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RPCConfig configures the HTTP surfaces.
type RPCConfig struct {
	JSONRPCPort   int `yaml:"jsonrpcPort"`
	RESTPort      int `yaml:"restPort"`
	WebSocketPort int `yaml:"websocketPort"`
}

// FeedConfig configures the external price subscriber.
type FeedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	NATSURL       string        `yaml:"natsUrl"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	FlushInterval time.Duration `yaml:"flushInterval"`

	// Sources maps a subject suffix (e.g. "BTC") to the oracle address
	// quotes publish under, in hex.
	Sources map[string]string `yaml:"sources"`
}

// KeeperConfig configures the fill/crank loop.
type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		DataDir:  "data",
		RPC: RPCConfig{
			JSONRPCPort:   8080,
			RESTPort:      8082,
			WebSocketPort: 8081,
		},
		Feed: FeedConfig{
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "perps.prices",
			FlushInterval: time.Second,
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Interval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start a node.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must be set")
	}
	ports := map[string]int{
		"rpc.jsonrpcPort":   c.RPC.JSONRPCPort,
		"rpc.restPort":      c.RPC.RESTPort,
		"rpc.websocketPort": c.RPC.WebSocketPort,
	}
	if c.Metrics.Enabled {
		ports["metrics.port"] = c.Metrics.Port
	}
	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, port)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%s and %s share port %d", name, other, port)
		}
		seen[port] = name
	}
	if c.Feed.Enabled && c.Feed.NATSURL == "" {
		return fmt.Errorf("feed.natsUrl must be set when the feed is enabled")
	}
	if c.Keeper.Enabled && c.Keeper.Interval <= 0 {
		return fmt.Errorf("keeper.interval must be positive")
	}
	return nil
}
