package netres

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the injected configuration record for a resource list. The
// zero value is not usable; start from DefaultConfig.
type Config struct {
	// NetworkWorkPath is the directory holding temp resource files. It is
	// created at init; init fails if the path exists as a non-directory.
	NetworkWorkPath string `yaml:"NetworkWorkPath"`

	// MaxLoadFileSize is the largest standalone (in bytes) that will be
	// marked loadable.
	MaxLoadFileSize uint64 `yaml:"MaxLoadFileSize"`

	// MaxResSearchRecursion bounds the sibling-directory walk performed
	// when matching a remote announcement against local files.
	MaxResSearchRecursion int `yaml:"MaxResSearchRecursion"`

	// ExePath is the root of local resource discovery.
	ExePath string `yaml:"ExePath"`
}

// DefaultConfig returns the config used when the embedding game supplies
// nothing else: work dir and search root next to the executable.
func DefaultConfig() Config {
	root := "."
	if exe, err := os.Executable(); err == nil {
		root = filepath.Dir(exe)
	}
	return Config{
		NetworkWorkPath:       filepath.Join(root, "Network.ocf"),
		MaxLoadFileSize:       100 * 1024 * 1024,
		MaxResSearchRecursion: 1,
		ExePath:               root,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("netres: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("netres: parse config: %w", err)
	}
	return cfg, nil
}
