package engine

import (
	"fmt"
	"path/filepath"

	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/staging"
)

// DryRun reports what Apply would do for loaded. It only reads the
// filesystem.
func (e *Engine) DryRun(loaded *plan.Loaded, outputPath string) (*DryRunResult, error) {
	if loaded == nil || loaded.Plan == nil {
		return nil, fmt.Errorf("dry run: no plan given")
	}
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	p := loaded.Plan

	outputExists, err := e.fs.Exists(out)
	if err != nil {
		return nil, fmt.Errorf("failed to check output path: %w", err)
	}
	existing, err := staging.Find(out)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{
		OutputPath:      out,
		Fingerprint:     loaded.Fingerprint,
		OutputExists:    outputExists,
		ExistingStaging: existing,
		Steps:           Steps(p),
		RootManifest:    plan.RootManifestName,
	}

	for _, src := range p.Sources {
		exists, err := e.fs.Exists(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to check source %s: %w", src.Name, err)
		}
		result.Sources = append(result.Sources, DryRunSource{
			Name:        src.Name,
			Path:        src.Path,
			Destination: relSlash(p.PackagesDir, src.Name),
			Exists:      exists,
		})
	}
	for _, f := range p.Files {
		result.Files = append(result.Files, relSlash(f.RelativePath))
	}
	if p.Install {
		result.InstallCommand = e.installCommand(p)
	}
	return result, nil
}
