package engine

import (
	"time"

	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
)

// ApplyRequest represents a request to execute a plan.
type ApplyRequest struct {
	// Plan is the loaded and validated plan.
	Plan *plan.Loaded

	// OutputPath is where the finished workspace appears.
	OutputPath string

	// Resume continues the single existing staging directory instead of
	// starting a fresh one.
	Resume bool
}

// ApplyResult describes an apply run. On error it is returned partially
// filled so callers can report the staging and log paths left behind.
type ApplyResult struct {
	// OutputPath is the absolute output path.
	OutputPath string

	// StagingPath is the staging directory used by the run.
	StagingPath string

	// LogPath is the operation log of the staging directory.
	LogPath string

	// Resumed is true when an existing staging directory was continued.
	Resumed bool

	// Executed lists the steps run by this invocation.
	Executed []oplog.StepID

	// Skipped lists steps already completed by an earlier invocation.
	Skipped []oplog.StepID

	// Outputs maps each executed step to the staging-relative paths it
	// produced.
	Outputs map[oplog.StepID][]string

	// Finalized is true once the output path holds the result.
	Finalized bool

	// Duration is the wall time of this invocation.
	Duration time.Duration
}

// CleanupResult describes a cleanup run.
type CleanupResult struct {
	// OutputPath is the absolute output path.
	OutputPath string

	// Removed lists the staging directories deleted.
	Removed []string

	// RemovedLogs lists every operation log deleted, including orphans.
	RemovedLogs []string
}

// Count returns the number of staging directories removed.
func (r *CleanupResult) Count() int {
	return len(r.Removed)
}

// DryRunSource describes how one source would be relocated.
type DryRunSource struct {
	Name string
	Path string
	// Destination is relative to the output path.
	Destination string
	Exists      bool
}

// DryRunResult describes what an apply would do without doing it.
type DryRunResult struct {
	OutputPath  string
	Fingerprint string

	// OutputExists is true when finalize would replace an existing path.
	OutputExists bool

	// ExistingStaging lists staging directories already present.
	ExistingStaging []string

	Steps        []oplog.StepID
	Sources      []DryRunSource
	RootManifest string
	Files        []string

	// InstallCommand is empty when the plan does not install.
	InstallCommand string
}

// MissingSources returns the names of sources that do not exist.
func (r *DryRunResult) MissingSources() []string {
	var out []string
	for _, s := range r.Sources {
		if !s.Exists {
			out = append(out, s.Name)
		}
	}
	return out
}

// StepState is the derived state of a step in a log.
type StepState string

const (
	StepPending   StepState = "pending"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

// StepStatus is the latest recorded outcome of one step.
type StepStatus struct {
	ID        oplog.StepID
	State     StepState
	Timestamp time.Time
	Duration  time.Duration
	Outputs   []string
	Error     string
	Attempts  int
}

// StagingStatus is a read-only view of one staging directory.
type StagingStatus struct {
	StagingPath string
	LogPath     string
	Fingerprint string
	CreatedAt   time.Time
	Steps       []StepStatus

	// LogError is set when the log is missing or corrupt.
	LogError string
}
