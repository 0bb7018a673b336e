// Package plan defines the declarative migration plan consumed by the apply
// engine, together with its loader and validator.
//
// A plan is produced by the analysis pipeline and is final by the time it
// reaches this package: every source path is an already-materialized local
// directory and every file carries its literal content.
package plan

import "encoding/json"

// SchemaVersion is the only plan version this engine executes.
const SchemaVersion = 1

// RootManifestName is the file the root manifest is written to.
const RootManifestName = "package.json"

// Plan is the resolved description of the workspace to build.
type Plan struct {
	// Version must equal SchemaVersion.
	Version int `json:"version"`

	// Sources are the repositories to relocate under PackagesDir.
	Sources []Source `json:"sources"`

	// PackagesDir is the staging-relative directory holding packages.
	PackagesDir string `json:"packagesDir"`

	// RootManifest is written verbatim as the root package descriptor.
	RootManifest json.RawMessage `json:"rootManifest"`

	// Files are extra files written at their staging-relative paths.
	Files []File `json:"files"`

	// Install runs the install command in the staging directory.
	Install bool `json:"install"`

	// InstallCommand overrides the configured default install invocation.
	InstallCommand string `json:"installCommand,omitempty"`
}

// Source is one repository that becomes a package.
type Source struct {
	// Name is the package directory name under PackagesDir.
	Name string `json:"name"`

	// Path is the absolute local path of the materialized repository.
	Path string `json:"path"`
}

// File is a literal file to write into the workspace.
type File struct {
	RelativePath string `json:"relativePath"`
	Content      string `json:"content"`
}

// Loaded is a plan together with the raw bytes it was read from.
type Loaded struct {
	// Path is the plan file location.
	Path string

	// Raw holds the exact file bytes.
	Raw []byte

	// Fingerprint is the digest of Raw.
	Fingerprint string

	// Plan is the decoded, validated plan.
	Plan *Plan
}

// ResolvedInstallCommand returns the plan's install command, or def when the
// plan does not set one.
func (p *Plan) ResolvedInstallCommand(def string) string {
	if p.InstallCommand != "" {
		return p.InstallCommand
	}
	return def
}
