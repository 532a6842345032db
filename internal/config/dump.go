package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration under the `failsink:` root key.
func (cfg *GlobalConfig) Dump() ([]byte, error) {
	out, err := yaml.Marshal(map[string]*GlobalConfig{"failsink": cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
