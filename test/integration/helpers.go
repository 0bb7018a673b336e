package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
)

// errCrash stands in for the process dying in the middle of an operation.
var errCrash = errors.New("simulated crash")

// crashFS is the real filesystem with a hook that can abort a move or a
// write before it happens.
type crashFS struct {
	*fsops.RealFS

	mu      sync.Mutex
	crashOn func(op, path string) bool
}

func newCrashFS() *crashFS {
	return &crashFS{RealFS: fsops.NewRealFS()}
}

func (fs *crashFS) setCrash(fn func(op, path string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.crashOn = fn
}

func (fs *crashFS) shouldCrash(op, path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.crashOn != nil && fs.crashOn(op, path)
}

func (fs *crashFS) Move(src, dst string) error {
	if fs.shouldCrash("move", dst) {
		return errCrash
	}
	return fs.RealFS.Move(src, dst)
}

func (fs *crashFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if fs.shouldCrash("write", path) {
		return errCrash
	}
	return fs.RealFS.AtomicWrite(path, data, perm)
}

func (fs *crashFS) Rename(oldpath, newpath string) error {
	if fs.shouldCrash("rename", newpath) {
		return errCrash
	}
	return fs.RealFS.Rename(oldpath, newpath)
}

func (fs *crashFS) Remove(path string) error {
	if fs.shouldCrash("remove", path) {
		return errCrash
	}
	return fs.RealFS.Remove(path)
}

// lineLogger records engine output.
type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

func (l *lineLogger) Info(msg string)    { l.add("info", msg) }
func (l *lineLogger) Success(msg string) { l.add("success", msg) }
func (l *lineLogger) Warn(msg string)    { l.add("warn", msg) }
func (l *lineLogger) Error(msg string)   { l.add("error", msg) }
func (l *lineLogger) Debug(msg string)   { l.add("debug", msg) }

func (l *lineLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// newEngine builds an engine over fs and runner with a real clock.
func newEngine(fs fsops.FS, runner procexec.Runner, log engine.Logger) *engine.Engine {
	return engine.New(fs, &clock.RealClock{}, runner, log, engine.Options{})
}

// workspace is a temp dir with source repositories and a plan.
type workspace struct {
	t    *testing.T
	root string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	return &workspace{t: t, root: t.TempDir()}
}

func (w *workspace) path(elem ...string) string {
	return filepath.Join(append([]string{w.root}, elem...)...)
}

func (w *workspace) out() string {
	return w.path("mono")
}

// source creates a repository with a few files and returns its path.
func (w *workspace) source(name string) string {
	w.t.Helper()
	dir := w.path("repos", name)
	files := map[string]string{
		"package.json":       fmt.Sprintf(`{"name":%q,"version":"1.0.0"}`, name),
		"src/index.js":       fmt.Sprintf("module.exports = %q;\n", name),
		"test/index.test.js": "test('ok', () => {});\n",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			w.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			w.t.Fatal(err)
		}
	}
	return dir
}

// plan writes a plan over the named sources and loads it.
func (w *workspace) plan(p plan.Plan, names ...string) *plan.Loaded {
	w.t.Helper()
	for _, name := range names {
		p.Sources = append(p.Sources, plan.Source{Name: name, Path: w.source(name)})
	}
	if p.Version == 0 {
		p.Version = plan.SchemaVersion
	}
	if p.PackagesDir == "" {
		p.PackagesDir = "packages"
	}
	if p.RootManifest == nil {
		p.RootManifest = json.RawMessage(`{"name":"mono","private":true,"workspaces":["packages/*"]}`)
	}
	if p.Files == nil {
		p.Files = []plan.File{
			{RelativePath: "pnpm-workspace.yaml", Content: "packages:\n  - 'packages/*'\n"},
			{RelativePath: "tsconfig.base.json", Content: "{}\n"},
		}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		w.t.Fatal(err)
	}
	planPath := w.path("plan.json")
	if err := os.WriteFile(planPath, data, 0644); err != nil {
		w.t.Fatal(err)
	}
	loaded, err := plan.Load(planPath)
	if err != nil {
		w.t.Fatalf("load plan: %v", err)
	}
	return loaded
}

// tree returns every file under dir keyed by slash path.
func tree(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
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
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return files
}

// siblings lists the entries next to the output path.
func (w *workspace) siblings() []string {
	w.t.Helper()
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if e.Name() == "repos" || e.Name() == "plan.json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
