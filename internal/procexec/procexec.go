// Package procexec runs child processes with context cancellation and
// line-by-line forwarding of their output.
package procexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyCommand is returned for a command line with no words.
var ErrEmptyCommand = errors.New("empty command")

// DefaultWaitDelay bounds how long Run waits for output pipes to close after
// the process exits or is killed.
const DefaultWaitDelay = 5 * time.Second

const maxLineBytes = 1024 * 1024

// LineFunc receives one line of output without its trailing newline.
type LineFunc func(line string)

// Command describes a process to run.
type Command struct {
	// Dir is the working directory.
	Dir string
	// Args holds the program followed by its arguments.
	Args []string
	// Env entries are appended to the current environment.
	Env []string

	OnStdout LineFunc
	OnStderr LineFunc
}

// String renders the command for log output.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Runner runs a command to completion and returns its exit code.
//
// A non-zero exit is not an error. An error is returned when the process
// could not be started or waited for, or when ctx was cancelled, in which case
// the error wraps ctx.Err().
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// Split parses a command line using POSIX shell quoting rules. Environment
// variables are not expanded and no shell is involved.
func Split(commandLine string) ([]string, error) {
	args, err := shellwords.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

// NewExecRunner creates an ExecRunner with default settings.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts cmd and blocks until it exits and its output is drained.
// Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Args) == 0 {
		return -1, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = DefaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return -1, fmt.Errorf("start %s: %w", c.Args[0], err)
	}

	var g errgroup.Group
	g.Go(func() error { return forwardLines(outR, c.OnStdout) })
	g.Go(func() error { return forwardLines(errR, c.OnStderr) })

	waitErr := cmd.Wait()
	_ = outW.Close()
	_ = errW.Close()
	if err := g.Wait(); err != nil && c.OnStderr != nil {
		c.OnStderr(err.Error())
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("%s interrupted: %w", c.Args[0], ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait for %s: %w", c.Args[0], waitErr)
	}
	return 0, nil
}

// forwardLines hands each line of r to fn. Lines longer than maxLineBytes are
// delivered in pieces. After a read error the rest of r is discarded so the
// writer never blocks; the error is only reported, the exit code still
// decides the outcome.
func forwardLines(r io.Reader, fn LineFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	emit := func() {
		if fn != nil {
			fn(string(line))
		}
		line = line[:0]
	}
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				emit()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("read process output: %w", err)
		}
		line = append(line, chunk...)
		if isPrefix && len(line) < maxLineBytes {
			continue
		}
		emit()
	}
}

// FakeRunner is a Runner for tests. It records every command and replays
// configured output.
type FakeRunner struct {
	mu    sync.Mutex
	calls []Command

	// Stdout and Stderr lines are delivered to the command's callbacks.
	Stdout []string
	Stderr []string
	// ExitCode is returned when RunFunc is nil.
	ExitCode int
	// Err is returned when RunFunc is nil.
	Err error
	// RunFunc, when set, replaces the default behaviour.
	RunFunc func(ctx context.Context, cmd Command) (int, error)
}

// Run records cmd and returns the configured result.
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	for _, line := range f.Stdout {
		if cmd.OnStdout != nil {
			cmd.OnStdout(line)
		}
	}
	for _, line := range f.Stderr {
		if cmd.OnStderr != nil {
			cmd.OnStderr(line)
		}
	}
	if f.RunFunc != nil {
		return f.RunFunc(ctx, cmd)
	}
	return f.ExitCode, f.Err
}

// Calls returns the commands run so far.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}
