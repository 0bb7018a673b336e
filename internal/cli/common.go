package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/config"
	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
)

// currentSettings resolves the global flags, after config and environment
// have been applied to them.
func currentSettings() (config.Settings, error) {
	s := config.Settings{
		PackageManager: packageManager,
		InstallCommand: installCommand,
		LogLevel:       logLevel,
		RunsDB:         runsDBPath,
	}
	if s.RunsDB == "" {
		paths, err := config.DefaultPaths()
		if err != nil {
			return s, fmt.Errorf("failed to get config paths: %w", err)
		}
		s.RunsDB = paths.RunsDB
	} else {
		expanded, err := config.ExpandPath(s.RunsDB)
		if err != nil {
			return s, err
		}
		s.RunsDB = expanded
	}
	return s, nil
}

// newEngine creates an engine with real implementations of all dependencies
// that reports progress on the command's output streams.
func newEngine(cmd *cobra.Command) (*engine.Engine, error) {
	settings, err := currentSettings()
	if err != nil {
		return nil, err
	}
	installCmd, err := settings.DefaultInstallCommand()
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		// keep stdout parseable
		out = cmd.ErrOrStderr()
	}
	logger := newConsoleLogger(out, cmd.ErrOrStderr(), verbose)

	return engine.New(
		fsops.NewRealFS(),
		&clock.RealClock{},
		procexec.NewExecRunner(),
		logger,
		engine.Options{DefaultInstallCommand: installCmd},
	), nil
}

// formatError formats an error for display.
func formatError(err error) string {
	return errorColor.Sprintf("Error: %v", err)
}

// outputJSON writes a value as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// handleApplyError reports what an apply left behind and how to continue,
// then returns err unchanged so the process exits non-zero.
func handleApplyError(w io.Writer, result *engine.ApplyResult, err error, planPath, outPath string) error {
	var schemaErr *plan.SchemaError
	if errors.As(err, &schemaErr) {
		PrintError(w, "Plan failed validation:")
		items := make([]string, 0, len(schemaErr.Errors))
		for _, ve := range schemaErr.Errors {
			items = append(items, ve.Error())
		}
		PrintList(w, items, 1)
		return err
	}

	if result != nil && result.StagingPath != "" {
		PrintLabelValue(w, "Staging directory", result.StagingPath)
		PrintLabelValue(w, "Operation log", result.LogPath)
	}

	var stepErr *engine.StepError
	switch {
	case errors.Is(err, engine.ErrAmbiguousState),
		errors.Is(err, engine.ErrFingerprintMismatch),
		errors.Is(err, oplog.ErrCorrupt):
		PrintWarning(w, fmt.Sprintf("Discard the staging state with: monotize apply --out %s --cleanup", outPath))
	case errors.Is(err, engine.ErrNothingToResume):
		PrintWarning(w, fmt.Sprintf("Start a fresh run with: monotize apply --plan %s --out %s", planPath, outPath))
	case errors.Is(err, engine.ErrCancelled), errors.As(err, &stepErr):
		PrintWarning(w, fmt.Sprintf("Continue from the last completed step with: monotize apply --plan %s --out %s --resume", planPath, outPath))
		PrintWarning(w, fmt.Sprintf("Or discard it with: monotize apply --out %s --cleanup", outPath))
	}
	return err
}
