package procexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      []string
		wantError bool
	}{
		{name: "default pnpm", line: "pnpm install --ignore-scripts", want: []string{"pnpm", "install", "--ignore-scripts"}},
		{name: "double quotes", line: `npm run "build all"`, want: []string{"npm", "run", "build all"}},
		{name: "single quotes", line: `sh -c 'echo hi'`, want: []string{"sh", "-c", "echo hi"}},
		{name: "extra whitespace", line: "  yarn   install  ", want: []string{"yarn", "install"}},
		{name: "empty", line: "", wantError: true},
		{name: "blank", line: "   ", wantError: true},
		{name: "unterminated quote", line: `pnpm "install`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.line)
			if (err != nil) != tt.wantError {
				t.Fatalf("Split(%q) error = %v, wantError %v", tt.line, err, tt.wantError)
			}
			if tt.wantError {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q) = %q, want %q", tt.line, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Split(%q)[%d] = %q, want %q", tt.line, i, got[i], tt.want[i])
				}
			}
		})
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *lineSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecRunner_ForwardsLines(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	var stdout, stderr lineSink
	code, err := NewExecRunner().Run(context.Background(), Command{
		Dir:      dir,
		Args:     []string{"sh", "-c", "echo one; echo two; echo oops >&2; pwd > where.txt"},
		OnStdout: stdout.add,
		OnStderr: stderr.add,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if got := stdout.get(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("stdout lines = %q", got)
	}
	if got := stderr.get(); len(got) != 1 || got[0] != "oops" {
		t.Errorf("stderr lines = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "where.txt")); err != nil {
		t.Errorf("command did not run in Dir: %v", err)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	requireShell(t)

	code, err := NewExecRunner().Run(context.Background(), Command{
		Args: []string{"sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestExecRunner_LongLineKeepsExitCode(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name     string
		exit     string
		wantCode int
	}{
		{name: "success", exit: "exit 0", wantCode: 0},
		{name: "failure", exit: "exit 2", wantCode: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout lineSink
			code, err := NewExecRunner().Run(context.Background(), Command{
				Args:     []string{"sh", "-c", "head -c 2000000 /dev/zero | tr '\\0' a; echo; echo done; " + tt.exit},
				OnStdout: stdout.add,
			})
			if err != nil {
				t.Fatalf("Run error = %v, want none", err)
			}
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}

			lines := stdout.get()
			if len(lines) < 2 {
				t.Fatalf("got %d stdout lines, want the long line and done", len(lines))
			}
			total := 0
			for _, l := range lines[:len(lines)-1] {
				total += len(l)
			}
			if total != 2000000 {
				t.Errorf("forwarded %d bytes of the long line, want 2000000", total)
			}
			if lines[len(lines)-1] != "done" {
				t.Errorf("last line = %q, want done", lines[len(lines)-1])
			}
		})
	}
}

func TestForwardLines(t *testing.T) {
	long := strings.Repeat("x", maxLineBytes+10)
	var sink lineSink
	if err := forwardLines(strings.NewReader("a\r\nb\n"+long+"\nlast"), sink.add); err != nil {
		t.Fatalf("forwardLines error = %v", err)
	}

	got := sink.get()
	if len(got) < 5 || got[0] != "a" || got[1] != "b" || got[len(got)-1] != "last" {
		t.Fatalf("lines = %d, first %q", len(got), got[:2])
	}
	pieces := got[2 : len(got)-1]
	if strings.Join(pieces, "") != long {
		t.Error("long line not delivered intact across pieces")
	}
	for _, p := range pieces {
		if len(p) > maxLineBytes+64*1024 {
			t.Errorf("piece of %d bytes exceeds the line bound", len(p))
		}
	}
}

func TestExecRunner_Env(t *testing.T) {
	requireShell(t)

	var stdout lineSink
	_, err := NewExecRunner().Run(context.Background(), Command{
		Args:     []string{"sh", "-c", `echo "$MONOTIZE_TEST_VALUE"`},
		Env:      []string{"MONOTIZE_TEST_VALUE=hello"},
		OnStdout: stdout.add,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stdout.get(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("stdout = %q, want [hello]", got)
	}
}

func TestExecRunner_Cancel(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	go func() {
		<-started
		cancel()
	}()

	r := &ExecRunner{WaitDelay: time.Second}
	begin := time.Now()
	_, err := r.Run(ctx, Command{
		Args: []string{"sh", "-c", "echo ready; sleep 30"},
		OnStdout: func(string) {
			once.Do(func() { close(started) })
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if time.Since(begin) > 10*time.Second {
		t.Error("cancellation did not stop the process promptly")
	}
}

func TestExecRunner_MissingProgram(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{
		Args: []string{"monotize-definitely-not-a-program"},
	})
	if err == nil {
		t.Fatal("expected error for a missing program")
	}
}

func TestExecRunner_EmptyArgs(t *testing.T) {
	if _, err := NewExecRunner().Run(context.Background(), Command{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Run error = %v, want ErrEmptyCommand", err)
	}
}

func TestFakeRunner(t *testing.T) {
	var stdout, stderr lineSink
	f := &FakeRunner{Stdout: []string{"a"}, Stderr: []string{"b"}, ExitCode: 1}

	code, err := f.Run(context.Background(), Command{
		Args:     []string{"pnpm", "install"},
		OnStdout: stdout.add,
		OnStderr: stderr.add,
	})
	if err != nil || code != 1 {
		t.Errorf("Run = %d, %v; want 1, nil", code, err)
	}
	if len(f.Calls()) != 1 || f.Calls()[0].String() != "pnpm install" {
		t.Errorf("Calls = %v", f.Calls())
	}
	if len(stdout.get()) != 1 || len(stderr.get()) != 1 {
		t.Errorf("fake output not delivered: %v %v", stdout.get(), stderr.get())
	}
}
