// Package engine implements the transactional apply engine.
//
// An apply run builds the target workspace inside a uniquely named staging
// directory next to the output path, recording each step in a write-ahead
// operation log. When every step has completed the staging directory is
// renamed onto the output path and the log is removed. A failed or cancelled
// run leaves both in place so a later run can resume from the first step the
// log does not show as completed.
//
// Key components:
//   - Engine: entry point shared by the CLI and the service driver
//   - Apply: fresh and resumed runs, finalization
//   - Cleanup: removal of abandoned staging directories and logs
//   - DryRun / Inspect: read-only views of a plan and of staging state
package engine

import (
	"fmt"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
)

// DefaultInstallCommand is used when neither the plan nor Options name one.
const DefaultInstallCommand = "pnpm install --ignore-scripts"

// Logger receives human-readable progress lines. It is used for observability
// only and must be safe for concurrent use: install output arrives from two
// goroutines.
type Logger interface {
	Info(msg string)
	Success(msg string)
	Warn(msg string)
	Error(msg string)
	Debug(msg string)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Info(string)    {}
func (NopLogger) Success(string) {}
func (NopLogger) Warn(string)    {}
func (NopLogger) Error(string)   {}
func (NopLogger) Debug(string)   {}

// Options configures an Engine.
type Options struct {
	// DefaultInstallCommand is run by the install step when the plan does not
	// set installCommand.
	DefaultInstallCommand string
}

// Engine executes plans. It holds no per-run state and may be shared by
// concurrent runs targeting different output paths.
type Engine struct {
	fs     fsops.FS
	clock  clock.Clock
	runner procexec.Runner
	logger Logger
	opts   Options

	// syncDir flushes a directory entry change to disk.
	syncDir func(dir string) error
}

// New creates a new Engine with the given dependencies.
func New(fs fsops.FS, clk clock.Clock, runner procexec.Runner, logger Logger, opts Options) *Engine {
	if logger == nil {
		logger = NopLogger{}
	}
	if opts.DefaultInstallCommand == "" {
		opts.DefaultInstallCommand = DefaultInstallCommand
	}
	return &Engine{
		fs:      fs,
		clock:   clk,
		runner:  runner,
		logger:  logger,
		opts:    opts,
		syncDir: fsops.SyncDir,
	}
}

// WithLogger returns a copy of e that reports to logger.
func (e *Engine) WithLogger(logger Logger) *Engine {
	cp := *e
	if logger == nil {
		logger = NopLogger{}
	}
	cp.logger = logger
	return &cp
}

// Steps returns the ordered step ids a plan executes.
func Steps(p *plan.Plan) []oplog.StepID {
	ids := []oplog.StepID{
		oplog.StepScaffold,
		oplog.StepMovePackages,
		oplog.StepWriteRoot,
		oplog.StepWriteExtras,
	}
	if p != nil && p.Install {
		ids = append(ids, oplog.StepInstall)
	}
	return ids
}

// AllSteps returns every step id in execution order.
func AllSteps() []oplog.StepID {
	return Steps(&plan.Plan{Install: true})
}

func (e *Engine) installCommand(p *plan.Plan) string {
	return p.ResolvedInstallCommand(e.opts.DefaultInstallCommand)
}

func (e *Engine) debugf(format string, args ...any) {
	e.logger.Debug(fmt.Sprintf(format, args...))
}

func (e *Engine) infof(format string, args ...any) {
	e.logger.Info(fmt.Sprintf(format, args...))
}

func (e *Engine) warnf(format string, args ...any) {
	e.logger.Warn(fmt.Sprintf(format, args...))
}
