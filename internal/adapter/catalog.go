package adapter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LaunchSpec describes how a subprocess backend is started. Adapters ship
// built-in defaults; a catalog entry overrides them per deployment (for
// example to pin a binary path or add CLI flags).
type LaunchSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Catalog holds per-adapter launch overrides loaded from
// adapters.catalogPath.
type Catalog struct {
	Adapters map[string]LaunchSpec `yaml:"adapters"`
}

// LoadCatalog reads a launch catalog from path. An empty path yields an
// empty catalog, so callers never branch on configuration presence.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter catalog %s: %w", path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse adapter catalog %s: %w", path, err)
	}
	return &cat, nil
}

// Resolve merges the catalog entry for name over the built-in spec.
// Command and args replace the defaults when set; env entries are added
// on top of the default env.
func (c *Catalog) Resolve(name string, def LaunchSpec) LaunchSpec {
	if c == nil || c.Adapters == nil {
		return def
	}
	override, ok := c.Adapters[name]
	if !ok {
		return def
	}
	spec := def
	if override.Command != "" {
		spec.Command = override.Command
	}
	if override.Args != nil {
		spec.Args = override.Args
	}
	if len(override.Env) > 0 {
		merged := make(map[string]string, len(def.Env)+len(override.Env))
		for k, v := range def.Env {
			merged[k] = v
		}
		for k, v := range override.Env {
			merged[k] = v
		}
		spec.Env = merged
	}
	return spec
}
