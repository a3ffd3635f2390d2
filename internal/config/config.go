// Package config loads the YAML settings of a persistore store.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/persistore/internal/heap"
)

// Config holds the store settings.
type Config struct {
	// Constants lists object ids that every dump keeps even when nothing
	// reaches them.
	Constants []string `yaml:"constants,omitempty"`

	Tool    string `yaml:"tool,omitempty"`    // tool id recorded in manifests
	Verbose bool   `yaml:"verbose,omitempty"` // per-phase progress logging
	Backup  *bool  `yaml:"backup,omitempty"`  // keep <file>~ on replace, default true
}

const (
	// FileName is looked up in the store directory when no path is given.
	FileName = "persistore.yaml"

	defaultTool = "persistore"
)

// Load reads the configuration at path. With an empty path it tries
// FileName inside dir and falls back to defaults when that is absent.
func Load(path, dir string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, FileName)
	}
	cfg, err := loadFromFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			cfg = &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	applyDefaults(cfg)
	if _, err := cfg.ConstantIDs(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err // Propagate error (including os.IsNotExist)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config yaml %s: %w", filePath, err)
	}
	return &cfg, nil
}

// applyDefaults fills in unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Tool == "" {
		cfg.Tool = defaultTool
	}
	if cfg.Backup == nil {
		backup := true
		cfg.Backup = &backup
	}
}

// ConstantIDs parses the constant object list.
func (c *Config) ConstantIDs() ([]heap.ObjectID, error) {
	ids := make([]heap.ObjectID, 0, len(c.Constants))
	for _, s := range c.Constants {
		id, err := heap.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("constants: %w", err)
		}
		if id.IsNil() {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// KeepBackups reports whether replaced store files keep one backup.
func (c *Config) KeepBackups() bool {
	return c.Backup == nil || *c.Backup
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
