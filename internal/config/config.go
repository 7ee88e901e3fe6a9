// Package config loads the connectors.yaml file describing which
// sources to sync and how to reach them.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/adapter"
	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// ConnectionConfig is one entry under connections: in connectors.yaml.
type ConnectionConfig struct {
	Name        string `yaml:"name"`
	Provider    string `yaml:"provider"`
	Broker      string `yaml:"broker"`
	Connector   string `yaml:"connector"`
	Taxpayer    string `yaml:"taxpayer"`
	DataDir     string `yaml:"data_dir"`
	FixtureDir  string `yaml:"fixture_dir"`
	OverlapDays int    `yaml:"overlap_days"`
	Disabled    bool   `yaml:"disabled"`
}

// Config is the top-level YAML structure.
type Config struct {
	Connections []ConnectionConfig `yaml:"connections"`
}

// Load parses and validates raw YAML config. Unknown connectors are a
// load-time error so a typo cannot silently skip a source.
func Load(data []byte, reg *adapter.Registry) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config (check syntax, indentation, and field names): %w", err)
	}

	seen := make(map[string]bool)
	for i, cc := range cfg.Connections {
		if strings.TrimSpace(cc.Name) == "" {
			return nil, fmt.Errorf("connection %d: name cannot be empty", i)
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("connection %d (%s): duplicate name", i, cc.Name)
		}
		seen[cc.Name] = true

		if !reg.Known(adapter.Connector(cc.Connector)) {
			return nil, fmt.Errorf("connection %d (%s): unknown connector %q (known: %v)", i, cc.Name, cc.Connector, reg.Connectors())
		}
		if cc.OverlapDays < 0 {
			return nil, fmt.Errorf("connection %d (%s): overlap_days must be >= 0, got %d", i, cc.Name, cc.OverlapDays)
		}
		switch adapter.Connector(cc.Connector) {
		case adapter.ConnectorFixture:
			if strings.TrimSpace(cc.FixtureDir) == "" {
				return nil, fmt.Errorf("connection %d (%s): fixture_dir is required for connector %s", i, cc.Name, cc.Connector)
			}
		case adapter.ConnectorOFXOffline:
			if strings.TrimSpace(cc.DataDir) == "" {
				return nil, fmt.Errorf("connection %d (%s): data_dir is required for connector %s", i, cc.Name, cc.Connector)
			}
		}
	}

	return &cfg, nil
}

// LoadFile reads and validates connectors.yaml from disk.
func LoadFile(path string, reg *adapter.Registry) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Load(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Find returns the connection config with the given name.
func (c *Config) Find(name string) (*ConnectionConfig, error) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], nil
		}
	}
	return nil, fmt.Errorf("no connection named %q in config", name)
}

// Connection materializes the domain connection described by this
// entry. The ID is assigned by the store on first upsert.
func (cc *ConnectionConfig) Connection() domain.Connection {
	status := "ACTIVE"
	if cc.Disabled {
		status = "DISABLED"
	}
	return domain.Connection{
		Name:        cc.Name,
		Provider:    cc.Provider,
		Broker:      cc.Broker,
		Connector:   cc.Connector,
		Status:      status,
		Taxpayer:    cc.Taxpayer,
		DataDir:     cc.DataDir,
		FixtureDir:  cc.FixtureDir,
		OverlapDays: cc.OverlapDays,
	}
}
