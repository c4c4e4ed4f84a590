package config

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
)

const tomlFilename = "holytunnel.toml"

func fromTomlFile(file string) (*Config, error) {
	cfg := &Config{}

	if _, err := toml.DecodeFile(file, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// searchTomlFile returns the config file to load: the custom path when given
// (must exist), otherwise the first existing candidate, otherwise "".
func searchTomlFile(customPath string) (string, error) {
	if customPath != "" {
		if _, err := os.Stat(customPath); err != nil {
			return "", fmt.Errorf("no such file: %s", customPath)
		}

		return customPath, nil
	}

	for _, p := range lookupPaths() {
		if p == "" {
			continue
		}

		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	// Missing config files in the lookup paths are not an error.
	return "", nil
}

func lookupPaths() []string {
	var paths []string

	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, path.Join(dir, "holytunnel", tomlFilename))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, path.Join(home, "."+tomlFilename))
	}

	return append(paths, tomlFilename)
}
