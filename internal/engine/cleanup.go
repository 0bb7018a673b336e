package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pmclSF/monotize/internal/staging"
)

// Cleanup removes every staging directory for outputPath together with its
// log, plus logs whose staging directory is already gone. Nothing else in the
// parent directory is touched. Finding nothing is not an error.
func (e *Engine) Cleanup(ctx context.Context, outputPath string) (*CleanupResult, error) {
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	result := &CleanupResult{OutputPath: out}

	dirs, err := staging.Find(out)
	if err != nil {
		return result, err
	}
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return result, cancelled(ctx)
		}
		if err := e.fs.RemoveAll(dir); err != nil {
			return result, fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		result.Removed = append(result.Removed, dir)
		e.infof("Removed %s", dir)

		logPath := staging.LogPath(dir)
		if err := e.fs.Remove(logPath); err != nil {
			if !isNotExist(err) {
				return result, fmt.Errorf("failed to remove %s: %w", logPath, err)
			}
			continue
		}
		result.RemovedLogs = append(result.RemovedLogs, logPath)
	}

	orphans, err := staging.FindOrphanLogs(out)
	if err != nil {
		return result, err
	}
	for _, logPath := range orphans {
		if err := e.fs.Remove(logPath); err != nil && !isNotExist(err) {
			return result, fmt.Errorf("failed to remove %s: %w", logPath, err)
		}
		result.RemovedLogs = append(result.RemovedLogs, logPath)
		e.infof("Removed orphaned log %s", logPath)
	}

	return result, nil
}
