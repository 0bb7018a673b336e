package config

import (
	"fmt"
	"sort"
	"strings"
)

// Supported package managers.
const (
	PNPM = "pnpm"
	NPM  = "npm"
	Yarn = "yarn"
)

// DefaultPackageManager is used when none is configured.
const DefaultPackageManager = PNPM

// installCommands run dependency installation with lifecycle scripts
// disabled.
var installCommands = map[string]string{
	PNPM: "pnpm install --ignore-scripts",
	NPM:  "npm install --ignore-scripts",
	Yarn: "yarn install --ignore-scripts",
}

// PackageManagers returns the supported package manager names, sorted.
func PackageManagers() []string {
	names := make([]string, 0, len(installCommands))
	for name := range installCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallCommand returns the install invocation for a package manager.
func InstallCommand(pm string) (string, error) {
	pm = strings.ToLower(strings.TrimSpace(pm))
	if pm == "" {
		pm = DefaultPackageManager
	}
	cmd, ok := installCommands[pm]
	if !ok {
		return "", fmt.Errorf("unknown package manager %q (expected %s)", pm, strings.Join(PackageManagers(), ", "))
	}
	return cmd, nil
}

// Settings are the resolved runtime options shared by the drivers.
type Settings struct {
	// PackageManager selects the default install command.
	PackageManager string

	// InstallCommand, when set, replaces the package manager default.
	InstallCommand string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// RunsDB is the service run registry path.
	RunsDB string
}

// DefaultInstallCommand returns the install command used for plans that do
// not carry their own.
func (s Settings) DefaultInstallCommand() (string, error) {
	if cmd := strings.TrimSpace(s.InstallCommand); cmd != "" {
		return cmd, nil
	}
	return InstallCommand(s.PackageManager)
}
