// Package config manages monotize configuration and filesystem paths.
//
// Settings come from command-line flags, MONOTIZE_* environment variables and
// an optional config.yaml, in that order of precedence. The data root
// (default ~/.monotize) holds the service run registry and the default config
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// RootEnv overrides the data root directory.
const RootEnv = "MONOTIZE_ROOT"

// Paths contains all the filesystem paths used by monotize.
type Paths struct {
	// Root is the base directory for all monotize data (default: ~/.monotize)
	Root string

	// RunsDB is the SQLite database recording service runs
	RunsDB string

	// Config is the path to the default config file
	Config string
}

// DefaultPaths returns the default paths for monotize.
// Paths can be overridden with environment variables:
// - MONOTIZE_ROOT: Override the root directory
func DefaultPaths() (*Paths, error) {
	root := os.Getenv(RootEnv)
	if root == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		root = filepath.Join(home, ".monotize")
	}

	root, err := ExpandPath(root)
	if err != nil {
		return nil, err
	}

	return &Paths{
		Root:   root,
		RunsDB: filepath.Join(root, "runs.db"),
		Config: filepath.Join(root, "config.yaml"),
	}, nil
}

// EnsureDirectories creates all necessary directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.Root, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.Root, err)
	}
	if dir := filepath.Dir(p.RunsDB); dir != p.Root {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath expands a leading ~ and returns an absolute, cleaned path.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", p, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", p, err)
	}
	return abs, nil
}
