package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmclSF/monotize/internal/hash"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/staging"
)

// Apply executes req.Plan into req.OutputPath.
//
// Algorithm:
//  1. Fresh run: verify every source exists, then create the staging
//     directory and its log (header first).
//     Resume: locate the single staging directory, verify the log header
//     fingerprint against the plan, and re-check sources only if
//     move-packages has not completed.
//  2. Run each step in order, skipping steps the log shows as completed.
//  3. Finalize: replace the output path with the staging directory and
//     remove the log.
//
// On error the returned result carries whatever paths are known.
func (e *Engine) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResult, error) {
	if req == nil || req.Plan == nil || req.Plan.Plan == nil {
		return nil, fmt.Errorf("apply: no plan given")
	}
	if req.OutputPath == "" {
		return nil, fmt.Errorf("apply: no output path given")
	}
	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	start := e.clock.Now()
	p := req.Plan.Plan
	result := &ApplyResult{
		OutputPath: out,
		Resumed:    req.Resume,
		Outputs:    make(map[oplog.StepID][]string),
	}

	var entries []oplog.Entry
	if req.Resume {
		entries, err = e.openExisting(out, req.Plan.Fingerprint, result)
		if err != nil {
			return result, err
		}
		if !oplog.IsStepCompleted(entries, oplog.StepMovePackages) {
			if err := e.checkSources(p, result.StagingPath); err != nil {
				return result, err
			}
		}
		e.infof("Resuming %s (%d of %d steps already completed)",
			result.StagingPath, countCompleted(entries, Steps(p)), len(Steps(p)))
	} else {
		if err := e.checkSources(p, ""); err != nil {
			return nil, err
		}
		entries, err = e.createFresh(out, req.Plan.Fingerprint, result)
		if err != nil {
			return result, err
		}
		e.infof("Staging in %s", result.StagingPath)
	}

	w, err := oplog.Open(result.LogPath)
	if err != nil {
		return result, err
	}
	defer func() {
		_ = w.Close()
	}()

	r := &run{
		plan:       p,
		stagingDir: result.StagingPath,
		entries:    entries,
		writer:     w,
		result:     result,
	}
	if err := e.runSteps(ctx, r); err != nil {
		result.Duration = e.clock.Now().Sub(start)
		return result, err
	}

	if err := e.finalize(result.StagingPath, out); err != nil {
		result.Duration = e.clock.Now().Sub(start)
		return result, err
	}
	result.Finalized = true
	result.Duration = e.clock.Now().Sub(start)
	e.logger.Success(fmt.Sprintf("Workspace ready at %s", out))
	return result, nil
}

// createFresh creates a new staging directory and its log.
func (e *Engine) createFresh(out, fingerprint string, result *ApplyResult) ([]oplog.Entry, error) {
	existing, err := staging.Find(out)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		e.warnf("%d staging director%s already exist for %s; run with --cleanup to remove %s",
			len(existing), plural(len(existing), "y", "ies"), out, plural(len(existing), "it", "them"))
	}

	if err := e.fs.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output parent: %w", err)
	}
	dir, err := staging.ComputePath(out)
	if err != nil {
		return nil, err
	}
	if err := e.fs.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	result.StagingPath = dir

	logPath := staging.LogPath(dir)
	now := e.clock.Now()
	if err := oplog.Create(logPath, fingerprint, now); err != nil {
		_ = e.fs.Remove(dir)
		result.StagingPath = ""
		return nil, err
	}
	result.LogPath = logPath
	return []oplog.Entry{oplog.NewHeader(fingerprint, now)}, nil
}

// openExisting locates the staging directory to resume and checks that it was
// created from the same plan.
func (e *Engine) openExisting(out, fingerprint string, result *ApplyResult) ([]oplog.Entry, error) {
	dirs, err := staging.Find(out)
	if err != nil {
		return nil, err
	}
	switch len(dirs) {
	case 0:
		return nil, fmt.Errorf("%w: no staging directory for %s", ErrNothingToResume, out)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d candidates for %s (%s)",
			ErrAmbiguousState, len(dirs), out, strings.Join(dirs, ", "))
	}

	dir := dirs[0]
	result.StagingPath = dir
	result.LogPath = staging.LogPath(dir)

	entries, err := oplog.Read(result.LogPath)
	if err != nil {
		return nil, err
	}
	header, err := oplog.Header(entries)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", result.LogPath, err)
	}
	if header.PlanHash != fingerprint {
		return nil, fmt.Errorf("%w: staging directory was created from plan %s, current plan is %s",
			ErrFingerprintMismatch, hash.Short(header.PlanHash), hash.Short(fingerprint))
	}
	return entries, nil
}

// checkSources verifies every source path exists. When stagingDir is set a
// source already relocated into staging counts as present.
func (e *Engine) checkSources(p *plan.Plan, stagingDir string) error {
	var missing []string
	for _, src := range p.Sources {
		ok, err := e.fs.Exists(src.Path)
		if err != nil {
			return fmt.Errorf("failed to check source %s: %w", src.Name, err)
		}
		if ok {
			continue
		}
		if stagingDir != "" {
			moved, err := e.fs.Exists(packageDest(stagingDir, p, src))
			if err != nil {
				return fmt.Errorf("failed to check staged package %s: %w", src.Name, err)
			}
			if moved {
				continue
			}
		}
		missing = append(missing, fmt.Sprintf("%s (%s)", src.Name, src.Path))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// finalize promotes the staging directory to out and retires its log.
func (e *Engine) finalize(stagingDir, out string) error {
	exists, err := e.fs.Exists(out)
	if err != nil {
		return fmt.Errorf("failed to check output path: %w", err)
	}
	if exists {
		e.warnf("Replacing existing %s", out)
		if err := e.fs.RemoveAll(out); err != nil {
			return fmt.Errorf("failed to remove existing output: %w", err)
		}
	}

	if err := e.fs.Rename(stagingDir, out); err != nil {
		return fmt.Errorf("failed to promote staging directory: %w", err)
	}
	// The rename must be durable before the log disappears.
	if err := e.syncDir(filepath.Dir(out)); err != nil {
		return fmt.Errorf("failed to sync %s: %w", filepath.Dir(out), err)
	}

	logPath := staging.LogPath(stagingDir)
	if err := e.fs.Remove(logPath); err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to remove operation log: %w", err)
	}
	e.debugf("Removed operation log %s", logPath)
	return nil
}

func countCompleted(entries []oplog.Entry, ids []oplog.StepID) int {
	n := 0
	for _, id := range ids {
		if oplog.IsStepCompleted(entries, id) {
			n++
		}
	}
	return n
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
