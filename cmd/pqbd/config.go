package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pqbroker/pqbroker"
)

type config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Listen struct {
		Addr string `yaml:"addr"`
	} `yaml:"listen"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	// Enable, when present, provisions the broker on startup.
	Enable *struct {
		Broadcast        bool `yaml:"broadcast"`
		Presence         bool `yaml:"presence"`
		RowLevelSecurity bool `yaml:"row_level_security"`
	} `yaml:"enable"`

	// Redactions is a JSON document in pqbroker.FieldRedactions form.
	Redactions string `yaml:"redactions"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	cfg.Listen.Addr = ":7000"
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = ":7000"
	}
	return cfg, nil
}

func (c *config) enableOptions() pqbroker.EnableOptions {
	if c.Enable == nil {
		return pqbroker.EnableOptions{Broadcast: true, RowLevelSecurity: true}
	}
	return pqbroker.EnableOptions{
		Broadcast:        c.Enable.Broadcast,
		Presence:         c.Enable.Presence,
		RowLevelSecurity: c.Enable.RowLevelSecurity,
	}
}
