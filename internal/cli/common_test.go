package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
)

func TestExecute_PrintsError(t *testing.T) {
	setupTestEnv(t)
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--no-such-flag"})
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)

	err := Execute(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
	if !strings.Contains(stderr.String(), "Error: ") || !strings.Contains(stderr.String(), "no-such-flag") {
		t.Errorf("stderr = %q, want the formatted error", stderr.String())
	}
}

func TestFormatError(t *testing.T) {
	got := formatError(os.ErrNotExist)
	if !strings.Contains(got, "Error:") || !strings.Contains(got, "file does not exist") {
		t.Errorf("formatError() = %q", got)
	}
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := outputJSON(&buf, map[string]string{"test": "value"}); err != nil {
		t.Fatalf("outputJSON() error = %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Errorf("outputJSON() produced invalid JSON: %v", err)
	}
	if v["test"] != "value" {
		t.Errorf("decoded = %v", v)
	}
}

func TestPrintFunctions(t *testing.T) {
	var buf bytes.Buffer
	PrintSuccess(&buf, "Success message")
	PrintWarning(&buf, "Warning message")
	PrintError(&buf, "Error message")
	PrintInfo(&buf, "Info message")
	PrintLabelValue(&buf, "Label", "value")

	want := "✓ Success message\n⚠ Warning message\n✗ Error message\nInfo message\n  Label: value\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, []string{"STEP", "STATE"}, [][]string{{"scaffold", "completed"}, {"install", "pending"}})
	want := "  STEP      STATE    \n" +
		"  --------  ---------\n" +
		"  scaffold  completed\n" +
		"  install   pending  \n"
	if buf.String() != want {
		t.Errorf("table = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	PrintTable(&buf, []string{"A"}, nil)
	if buf.Len() != 0 {
		t.Errorf("empty table printed %q", buf.String())
	}
}

func TestPrintCount(t *testing.T) {
	if got := PrintCount(1, "step", "steps"); got != "1 step" {
		t.Errorf("PrintCount(1) = %q", got)
	}
	if got := PrintCount(3, "step", "steps"); got != "3 steps" {
		t.Errorf("PrintCount(3) = %q", got)
	}
}

func TestConsoleLogger(t *testing.T) {
	tests := []struct {
		name      string
		verbose   bool
		wantDebug bool
	}{
		{name: "quiet", verbose: false, wantDebug: false},
		{name: "verbose", verbose: true, wantDebug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			l := newConsoleLogger(&out, &errOut, tt.verbose)
			l.Info("info line")
			l.Success("done")
			l.Warn("careful")
			l.Error("broken")
			l.Debug("details")

			if !strings.Contains(out.String(), "info line") || !strings.Contains(out.String(), "✓ done") || !strings.Contains(out.String(), "⚠ careful") {
				t.Errorf("stdout = %q", out.String())
			}
			if errOut.String() != "✗ broken\n" {
				t.Errorf("stderr = %q", errOut.String())
			}
			if got := strings.Contains(out.String(), "details"); got != tt.wantDebug {
				t.Errorf("debug shown = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestConsoleLogger_ConcurrentWrites(t *testing.T) {
	var out bytes.Buffer
	l := newConsoleLogger(&out, &out, false)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i == 0 {
					l.Info(fmt.Sprintf("out %d", j))
				} else {
					l.Warn(fmt.Sprintf("err %d", j))
				}
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 100 {
		t.Errorf("got %d lines, want 100", len(lines))
	}
}

func TestHandleApplyError(t *testing.T) {
	partial := &engine.ApplyResult{
		StagingPath: "/w/mono.staging-0a1b2c3d",
		LogPath:     "/w/mono.staging-0a1b2c3d.ops.jsonl",
	}

	tests := []struct {
		name    string
		result  *engine.ApplyResult
		err     error
		want    []string
		notWant []string
	}{
		{
			name:   "step failure suggests resume",
			result: partial,
			err:    &engine.StepError{Step: oplog.StepWriteExtras, Err: errors.New("disk full")},
			want:   []string{partial.StagingPath, partial.LogPath, "--resume", "--cleanup"},
		},
		{
			name:   "cancellation suggests resume",
			result: partial,
			err:    fmt.Errorf("%w: %w", engine.ErrCancelled, context.Canceled),
			want:   []string{"--resume"},
		},
		{
			name:    "fingerprint mismatch suggests cleanup",
			result:  partial,
			err:     fmt.Errorf("%w: log has abc, plan is def", engine.ErrFingerprintMismatch),
			want:    []string{"--cleanup"},
			notWant: []string{"--resume"},
		},
		{
			name:    "ambiguous state suggests cleanup",
			err:     engine.ErrAmbiguousState,
			want:    []string{"--cleanup"},
			notWant: []string{"--resume", "Staging directory"},
		},
		{
			name:    "corrupt log suggests cleanup",
			result:  partial,
			err:     fmt.Errorf("%s: %w", partial.LogPath, oplog.ErrCorrupt),
			want:    []string{"--cleanup"},
			notWant: []string{"--resume"},
		},
		{
			name:    "nothing to resume suggests a fresh run",
			err:     engine.ErrNothingToResume,
			want:    []string{"Start a fresh run", "--plan plan.json --out mono"},
			notWant: []string{"--cleanup"},
		},
		{
			name: "schema violations are listed",
			err: &plan.SchemaError{Errors: []*plan.ValidationError{
				{Phase: "domain", Path: "sources/0/path", Message: "must be absolute"},
			}},
			want:    []string{"Plan failed validation", "sources/0/path: must be absolute"},
			notWant: []string{"--resume", "--cleanup"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			got := handleApplyError(&buf, tt.result, tt.err, "plan.json", "mono")
			if got != tt.err {
				t.Errorf("handleApplyError returned %v, want the original error", got)
			}
			for _, s := range tt.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("output missing %q:\n%s", s, buf.String())
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(buf.String(), s) {
					t.Errorf("output unexpectedly contains %q:\n%s", s, buf.String())
				}
			}
		})
	}
}
