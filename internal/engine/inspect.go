package engine

import (
	"fmt"
	"path/filepath"

	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/staging"
)

// Inspect returns the state of every staging directory for outputPath
// without modifying anything. A corrupt or missing log is reported in
// LogError rather than as an error.
func (e *Engine) Inspect(outputPath string) ([]StagingStatus, error) {
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	dirs, err := staging.Find(out)
	if err != nil {
		return nil, err
	}

	statuses := make([]StagingStatus, 0, len(dirs))
	for _, dir := range dirs {
		statuses = append(statuses, inspectOne(dir))
	}
	return statuses, nil
}

func inspectOne(dir string) StagingStatus {
	st := StagingStatus{
		StagingPath: dir,
		LogPath:     staging.LogPath(dir),
	}

	entries, err := oplog.Read(st.LogPath)
	if err != nil {
		st.LogError = err.Error()
		return st
	}
	header, err := oplog.Header(entries)
	if err != nil {
		st.LogError = err.Error()
		return st
	}
	st.Fingerprint = header.PlanHash
	st.CreatedAt = header.Timestamp

	for _, id := range AllSteps() {
		step := StepStatus{ID: id, State: StepPending}
		for _, en := range entries {
			if en.ID == id {
				step.Attempts++
			}
		}
		if latest, ok := oplog.Latest(entries, id); ok {
			step.State = StepState(latest.Status)
			step.Timestamp = latest.Timestamp
			step.Duration = latest.Duration()
			step.Outputs = latest.Outputs
			step.Error = latest.Error
		}
		st.Steps = append(st.Steps, step)
	}
	return st
}
