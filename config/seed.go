package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstanceSeed declares an instance that should exist at startup. Seeding is
// idempotent: instances already present are left untouched.
type InstanceSeed struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Accounts     []string          `yaml:"accounts"` // payto URIs
	Address      map[string]string `yaml:"address"`
	Jurisdiction map[string]string `yaml:"jurisdiction"`
	AuthToken    string            `yaml:"auth_token"`
}

// LoadInstanceSeeds reads the optional YAML seed file.
func LoadInstanceSeeds(path string) ([]InstanceSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var doc struct {
		Instances []InstanceSeed `yaml:"instances"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	for i, seed := range doc.Instances {
		if seed.ID == "" {
			return nil, fmt.Errorf("instance seed %d: id required", i)
		}
		if len(seed.Accounts) == 0 {
			return nil, fmt.Errorf("instance seed %q: at least one account required", seed.ID)
		}
	}
	return doc.Instances, nil
}
