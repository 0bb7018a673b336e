package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"

	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
)

// run carries the state of one apply invocation through the steps.
type run struct {
	plan       *plan.Plan
	stagingDir string
	entries    []oplog.Entry
	writer     *oplog.Writer
	result     *ApplyResult
}

// stepFunc performs one step and returns the staging-relative paths it
// produced. Every step body must be safe to run again after a crash or a
// recorded failure.
type stepFunc func(ctx context.Context, r *run) ([]string, error)

func (e *Engine) stepBody(id oplog.StepID) stepFunc {
	switch id {
	case oplog.StepScaffold:
		return e.scaffold
	case oplog.StepMovePackages:
		return e.movePackages
	case oplog.StepWriteRoot:
		return e.writeRoot
	case oplog.StepWriteExtras:
		return e.writeExtras
	case oplog.StepInstall:
		return e.install
	default:
		return nil
	}
}

// runSteps executes the plan's steps in order. It stops at the first failure
// and at the first cancellation checkpoint that observes ctx done.
func (e *Engine) runSteps(ctx context.Context, r *run) error {
	for _, id := range Steps(r.plan) {
		if ctx.Err() != nil {
			e.warnf("Cancelled before %s", id)
			return cancelled(ctx)
		}

		if oplog.IsStepCompleted(r.entries, id) {
			e.debugf("Skipping %s: already completed", id)
			r.result.Skipped = append(r.result.Skipped, id)
			continue
		}

		body := e.stepBody(id)
		if body == nil {
			return fmt.Errorf("unknown step %q", id)
		}

		e.infof("Running %s", id)
		start := e.clock.Now()
		outputs, err := body(ctx, r)
		finished := e.clock.Now()
		elapsed := finished.Sub(start)

		if err != nil {
			entry := oplog.NewFailed(id, finished, elapsed, err)
			stepErr := &StepError{Step: id, Err: err}
			if logErr := r.writer.Append(entry); logErr != nil {
				return fmt.Errorf("%w (and recording the failure: %v)", stepErr, logErr)
			}
			r.entries = append(r.entries, entry)
			e.logger.Error(fmt.Sprintf("%s failed after %s: %v", id, elapsed, err))
			return stepErr
		}

		entry := oplog.NewCompleted(id, finished, elapsed, outputs)
		if err := r.writer.Append(entry); err != nil {
			return fmt.Errorf("failed to record %s: %w", id, err)
		}
		r.entries = append(r.entries, entry)
		r.result.Executed = append(r.result.Executed, id)
		r.result.Outputs[id] = entry.Outputs
		e.debugf("%s completed in %s", id, elapsed)
	}
	return nil
}

// scaffold ensures the staging directory and its packages directory exist.
func (e *Engine) scaffold(_ context.Context, r *run) ([]string, error) {
	pkgs := filepath.Join(r.stagingDir, filepath.FromSlash(r.plan.PackagesDir))
	if err := e.fs.MkdirAll(pkgs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create packages directory: %w", err)
	}
	return []string{relSlash(r.plan.PackagesDir)}, nil
}

// movePackages relocates each source under the packages directory. A
// destination that already exists was moved by an earlier attempt.
func (e *Engine) movePackages(ctx context.Context, r *run) ([]string, error) {
	outputs := make([]string, 0, len(r.plan.Sources))
	for _, src := range r.plan.Sources {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}

		rel := relSlash(r.plan.PackagesDir, src.Name)
		dst := packageDest(r.stagingDir, r.plan, src)
		exists, err := e.fs.Exists(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", rel, err)
		}
		if exists {
			e.debugf("%s already in place", rel)
			outputs = append(outputs, rel)
			continue
		}

		if err := e.fs.Move(src.Path, dst); err != nil {
			return nil, fmt.Errorf("failed to move %s: %w", src.Name, err)
		}
		e.infof("Moved %s -> %s", src.Path, rel)
		outputs = append(outputs, rel)
	}
	return outputs, nil
}

// writeRoot writes the root manifest, preserving key order.
func (e *Engine) writeRoot(_ context.Context, r *run) ([]string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(r.plan.RootManifest), "", "  "); err != nil {
		return nil, fmt.Errorf("failed to format root manifest: %w", err)
	}
	buf.WriteByte('\n')

	target := filepath.Join(r.stagingDir, plan.RootManifestName)
	if err := e.fs.AtomicWrite(target, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", plan.RootManifestName, err)
	}
	return []string{plan.RootManifestName}, nil
}

// writeExtras writes each plan file at its staging-relative path.
func (e *Engine) writeExtras(ctx context.Context, r *run) ([]string, error) {
	outputs := make([]string, 0, len(r.plan.Files))
	for _, f := range r.plan.Files {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if err := e.fs.ValidateRelPath(f.RelativePath); err != nil {
			return nil, err
		}

		rel := relSlash(f.RelativePath)
		target := filepath.Join(r.stagingDir, filepath.FromSlash(rel))
		if err := e.fs.AtomicWrite(target, []byte(f.Content), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		e.debugf("Wrote %s", rel)
		outputs = append(outputs, rel)
	}
	return outputs, nil
}

// install runs the install command in the staging directory. Only the exit
// code decides success.
func (e *Engine) install(ctx context.Context, r *run) ([]string, error) {
	command := e.installCommand(r.plan)
	args, err := procexec.Split(command)
	if err != nil {
		return nil, err
	}

	e.infof("$ %s", command)
	code, err := e.runner.Run(ctx, procexec.Command{
		Dir:      r.stagingDir,
		Args:     args,
		OnStdout: e.logger.Info,
		OnStderr: e.logger.Warn,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: install: %w", ErrCancelled, err)
		}
		return nil, fmt.Errorf("install: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("install command %q exited with code %d", command, code)
	}
	return nil, nil
}

// packageDest is the staging path a source is moved to.
func packageDest(stagingDir string, p *plan.Plan, src plan.Source) string {
	return filepath.Join(stagingDir, filepath.FromSlash(p.PackagesDir), src.Name)
}

// relSlash joins staging-relative path elements in slash form.
func relSlash(elem ...string) string {
	parts := make([]string, len(elem))
	for i, el := range elem {
		parts[i] = filepath.ToSlash(el)
	}
	return path.Clean(path.Join(parts...))
}
