package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type MainConfig struct {
	NodeName           string        `yaml:"node_name" validate:"required"`
	SelfAddr           string        `yaml:"self_addr"`
	GRPCPort           string        `yaml:"grpc_port" validate:"required,numeric"`
	HTTPPort           string        `yaml:"http_port" validate:"required,numeric"`
	WebPath            string        `yaml:"web_path" validate:"required,startswith=/"`
	DataPath           string        `yaml:"data_path" validate:"required_if=PersistNeighbors true"`
	PersistNeighbors   bool          `yaml:"persist_neighbors"`
	MaxConcurrentSends int64         `yaml:"max_concurrent_sends" validate:"gte=1"`
	RelayTimeout       time.Duration `yaml:"relay_timeout" validate:"gt=0"`
	DefaultPeerPort    string        `yaml:"default_peer_port" validate:"required,numeric"`
	LogLevel           string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	EtcdEndpoints      []string      `yaml:"etcd_endpoints" validate:"dive,required"`
	RegistryPrefix     string        `yaml:"registry_prefix" validate:"required_with=EtcdEndpoints"`
	RegistryTTL        int64         `yaml:"registry_ttl" validate:"gt=0"`
}

func DefaultConfig() MainConfig {
	return MainConfig{
		NodeName:           "gossip-node",
		GRPCPort:           "5050",
		HTTPPort:           "25555",
		WebPath:            "/gossip",
		DataPath:           "/var/lib/gossip_sim/neighbors",
		PersistNeighbors:   true,
		MaxConcurrentSends: 125,
		RelayTimeout:       5 * time.Second,
		DefaultPeerPort:    "5050",
		LogLevel:           "info",
		RegistryPrefix:     "/gossip/nodes",
		RegistryTTL:        10,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadMainConfig reads config/gossip.yml under basePath (the executable's
// directory when empty) over the defaults. A missing file is not an error.
// SELF_ADDR and NODE_NAME from the environment win over the file.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	cfg := DefaultConfig()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "gossip.yml")

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	if v := os.Getenv("SELF_ADDR"); v != "" {
		cfg.SelfAddr = v
	}
	if v := os.Getenv("NODE_NAME"); v != "" {
		cfg.NodeName = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MainConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
