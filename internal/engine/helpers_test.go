package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
)

const testRootManifest = `{"name":"mono","private":true,"workspaces":["packages/*"],"devDependencies":{"typescript":"^5.4.0"}}`

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingLogger captures log lines by level.
type recordingLogger struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{lines: make(map[string][]string)}
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[level] = append(l.lines[level], msg)
}

func (l *recordingLogger) Info(msg string)    { l.add("info", msg) }
func (l *recordingLogger) Success(msg string) { l.add("success", msg) }
func (l *recordingLogger) Warn(msg string)    { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string)   { l.add("error", msg) }
func (l *recordingLogger) Debug(msg string)   { l.add("debug", msg) }

func (l *recordingLogger) get(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines[level]...)
}

func (l *recordingLogger) contains(level, substr string) bool {
	for _, line := range l.get(level) {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type testEnv struct {
	t      *testing.T
	root   string
	fs     fsops.FS
	runner *procexec.FakeRunner
	logger *recordingLogger
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:      t,
		root:   t.TempDir(),
		fs:     fsops.NewRealFS(),
		runner: &procexec.FakeRunner{},
		logger: newRecordingLogger(),
	}
	env.rebuild()
	return env
}

// rebuild recreates the engine after env.fs or env.runner changed.
func (env *testEnv) rebuild() {
	env.engine = New(env.fs, clock.NewTickingClock(testStart, 5*time.Millisecond), env.runner, env.logger, Options{})
}

func (env *testEnv) path(elem ...string) string {
	return filepath.Join(append([]string{env.root}, elem...)...)
}

// makeSource creates a small package repository and returns its path.
func (env *testEnv) makeSource(name string) string {
	env.t.Helper()
	dir := env.path("repos", name)
	files := map[string]string{
		"package.json": fmt.Sprintf("{\n  \"name\": %q,\n  \"version\": \"1.0.0\"\n}\n", name),
		"src/index.js": fmt.Sprintf("module.exports = %q;\n", name),
		"README.md":    "# " + name + "\n",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			env.t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			env.t.Fatalf("write source file: %v", err)
		}
	}
	return dir
}

type planOpts struct {
	install        bool
	installCommand string
	files          []plan.File
	rootManifest   string
}

// writePlan writes a plan for the given sources and loads it.
func (env *testEnv) writePlan(name string, sources map[string]string, opts planOpts) *plan.Loaded {
	env.t.Helper()
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	sort.Strings(names)

	p := plan.Plan{
		Version:        plan.SchemaVersion,
		PackagesDir:    "packages",
		RootManifest:   json.RawMessage(testRootManifest),
		Files:          opts.files,
		Install:        opts.install,
		InstallCommand: opts.installCommand,
	}
	if opts.rootManifest != "" {
		p.RootManifest = json.RawMessage(opts.rootManifest)
	}
	if p.Files == nil {
		p.Files = []plan.File{
			{RelativePath: "pnpm-workspace.yaml", Content: "packages:\n  - 'packages/*'\n"},
			{RelativePath: ".github/workflows/ci.yml", Content: "name: CI\non: [push]\n"},
		}
	}
	for _, n := range names {
		p.Sources = append(p.Sources, plan.Source{Name: n, Path: sources[n]})
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		env.t.Fatalf("marshal plan: %v", err)
	}
	planPath := env.path(name)
	if err := os.WriteFile(planPath, data, 0644); err != nil {
		env.t.Fatalf("write plan: %v", err)
	}
	loaded, err := plan.Load(planPath)
	if err != nil {
		env.t.Fatalf("load plan: %v", err)
	}
	return loaded
}

// standardPlan creates sources alpha and beta and a plan for them.
func (env *testEnv) standardPlan(opts planOpts) *plan.Loaded {
	env.t.Helper()
	return env.writePlan("plan.json", map[string]string{
		"alpha": env.makeSource("alpha"),
		"beta":  env.makeSource("beta"),
	}, opts)
}

// readTree returns every regular file under dir keyed by slash path.
func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return tree
}

// siblings lists the names in dir's parent that start with dir's base name.
func siblings(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatalf("read parent: %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), filepath.Base(dir)) {
			names = append(names, e.Name())
		}
	}
	return names
}

func mustNotExist(t *testing.T, p string) {
	t.Helper()
	if _, err := os.Lstat(p); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("%s should not exist (err=%v)", p, err)
	}
}

func mustExist(t *testing.T, p string) {
	t.Helper()
	if _, err := os.Lstat(p); err != nil {
		t.Errorf("%s should exist: %v", p, err)
	}
}

func readLog(t *testing.T, path string) []oplog.Entry {
	t.Helper()
	entries, err := oplog.Read(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return entries
}

// faultFS wraps an FS and injects failures.
type faultFS struct {
	fsops.FS

	mu sync.Mutex
	// writeFailures is the number of AtomicWrite calls matching
	// writeFailSuffix that fail before writes succeed again.
	writeFailures   int
	writeFailSuffix string
	// afterMove runs after each successful Move.
	afterMove func(src, dst string)
	moves     []string
}

func (f *faultFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	fail := f.writeFailures > 0 && strings.HasSuffix(filepath.ToSlash(path), f.writeFailSuffix)
	if fail {
		f.writeFailures--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("open %s: permission denied", path)
	}
	return f.FS.AtomicWrite(path, data, perm)
}

func (f *faultFS) Move(src, dst string) error {
	if err := f.FS.Move(src, dst); err != nil {
		return err
	}
	f.mu.Lock()
	f.moves = append(f.moves, filepath.Base(dst))
	hook := f.afterMove
	f.mu.Unlock()
	if hook != nil {
		hook(src, dst)
	}
	return nil
}

func (f *faultFS) movedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.moves...)
}
