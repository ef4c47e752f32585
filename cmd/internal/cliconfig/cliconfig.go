// Package cliconfig loads the optional .slaterc.yaml that cmd/lua and
// cmd/jq both consult for default flag values, the same "small file of
// defaults next to flags" shape cmd/hey used for its own PHP-specific
// config. A missing file is not an error: every field just keeps its
// zero value and the CLI falls back to its built-in defaults.
package cliconfig

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Lua struct {
		Interactive bool `yaml:"interactive"`
	} `yaml:"lua"`
	JQ struct {
		RawOutput     bool `yaml:"raw_output"`
		CompactOutput bool `yaml:"compact_output"`
		Slurp         bool `yaml:"slurp"`
	} `yaml:"jq"`
}

// Load reads path, returning a zero-value Config if it doesn't exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindAndLoad looks for .slaterc.yaml in the current directory, falling
// back to $HOME/.slaterc.yaml.
func FindAndLoad() (*Config, error) {
	if _, err := os.Stat(".slaterc.yaml"); err == nil {
		return Load(".slaterc.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := home + "/.slaterc.yaml"
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return &Config{}, nil
}
