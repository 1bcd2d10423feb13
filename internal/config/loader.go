package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads, env-expands, parses, defaults, and validates a TOML
// configuration file at path.
//
// Env-var expansion (via os.ExpandEnv) runs over the raw file before
// parsing, the same ambient templating idiom the teacher's loader uses for
// its JSON5/YAML sources, here narrowed to TOML and to a single file: the
// spec's configuration schema is flat, so there is no $include directive
// to resolve.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	meta, err := toml.Decode(expanded, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config %s: unknown fields: %v", path, undecoded)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}
