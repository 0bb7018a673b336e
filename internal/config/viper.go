package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment variables that fill flags.
	EnvPrefix = "MONOTIZE"

	// ConfigEnv names an explicit config file. A missing explicit file is
	// an error; a missing default file is not.
	ConfigEnv = "MONOTIZE_CONFIG"
)

// NewViper returns a viper instance reading MONOTIZE_* variables and the
// config file named by MONOTIZE_CONFIG or found in the search directories.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	ConfigureConfigFile(v, os.Getenv(ConfigEnv))
	return v
}

// ConfigureConfigFile points v at explicitPath, or at config.yaml in the
// search directories when explicitPath is empty.
func ConfigureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		if expanded, err := homedir.Expand(explicitPath); err == nil {
			explicitPath = expanded
		}
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range SearchDirs() {
		v.AddConfigPath(dir)
	}
}

// ReadConfigFile reads the configured file. A missing file is only an error
// when strict is set.
func ReadConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// SearchDirs returns the directories searched for config.yaml, most specific
// first.
func SearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if root := os.Getenv(RootEnv); root != "" {
		if expanded, err := homedir.Expand(root); err == nil {
			add(expanded)
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "monotize"))
	}
	if home, err := homedir.Dir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "monotize"))
		add(filepath.Join(home, ".monotize"))
	}
	return dirs
}

// BindFlags fills every flag the user did not set from v. It must run after
// flag parsing.
func BindFlags(v *viper.Viper, flagSets ...*pflag.FlagSet) error {
	for _, fs := range flagSets {
		if fs == nil {
			continue
		}
		if err := v.BindPFlags(fs); err != nil {
			return err
		}
	}

	var setErr error
	for _, fs := range flagSets {
		if fs == nil {
			continue
		}
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed || !v.IsSet(f.Name) {
				return
			}
			val := fmt.Sprintf("%v", v.Get(f.Name))
			if val == "" || val == f.Value.String() {
				return
			}
			if err := f.Value.Set(val); err != nil && setErr == nil {
				setErr = fmt.Errorf("invalid value %q for %s from config: %w", val, f.Name, err)
			}
		})
	}
	return setErr
}
