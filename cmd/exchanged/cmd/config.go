package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/polarsignals/exchange"
	"github.com/polarsignals/exchange/transport"
)

type peerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type config struct {
	NodeID                  string        `yaml:"node_id"`
	ListenAddress           string        `yaml:"listen_address"`
	MetricsAddress          string        `yaml:"metrics_address"`
	LogLevel                string        `yaml:"log_level"`
	MemoryLimit             string        `yaml:"memory_limit"`
	MaxMessageSize          string        `yaml:"max_message_size"`
	SinkInactiveInterval    time.Duration `yaml:"sink_inactive_interval"`
	ClosedExchangeRetention time.Duration `yaml:"closed_exchange_retention"`
	Peers                   []peerConfig  `yaml:"peers"`
}

func defaultConfig() config {
	return config{
		ListenAddress:           "127.0.0.1:7400",
		MetricsAddress:          "127.0.0.1:7401",
		LogLevel:                "info",
		MemoryLimit:             "512MiB",
		MaxMessageSize:          humanize.IBytes(transport.DefaultMaxMessageSize),
		SinkInactiveInterval:    exchange.DefaultSinkInactiveInterval,
		ClosedExchangeRetention: exchange.DefaultClosedExchangeRetention,
	}
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}

func (c config) memoryLimit() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("memory_limit: %w", err)
	}
	return int64(n), nil
}

func (c config) maxMessageSize() (int, error) {
	n, err := humanize.ParseBytes(c.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("max_message_size: %w", err)
	}
	return int(n), nil
}

func (c config) serviceOptions() ([]exchange.Option, error) {
	limit, err := c.memoryLimit()
	if err != nil {
		return nil, err
	}
	opts := []exchange.Option{
		exchange.WithSinkInactiveInterval(c.SinkInactiveInterval),
		exchange.WithClosedExchangeRetention(c.ClosedExchangeRetention),
	}
	if limit > 0 {
		opts = append(opts, exchange.WithMemoryLimit(limit))
	}
	return opts, nil
}
