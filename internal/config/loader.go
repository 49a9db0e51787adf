package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a warden manifest from the provided path, applying defaults
// and validating it. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	manifestDir := filepath.Dir(absPath)
	for _, p := range doc.Programs {
		if p == nil {
			continue
		}
		if p.WorkingDir != "" {
			expanded := os.ExpandEnv(p.WorkingDir)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(manifestDir, expanded))
			}
			p.WorkingDir = expanded
		}
		for k, v := range p.Env {
			p.Env[k] = os.ExpandEnv(v)
		}
	}

	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}
