package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/fsops"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/procexec"
	"github.com/pmclSF/monotize/internal/runstore"
	"github.com/pmclSF/monotize/internal/service"
)

const testTimeout = 10 * time.Second

type client struct {
	t       *testing.T
	root    string
	in      *io.PipeWriter
	msgs    chan Message
	pending []Message
	done    chan error

	blockInstall atomic.Bool
	started      chan struct{}
}

func startServer(t *testing.T) *client {
	t.Helper()
	root := t.TempDir()
	store, err := runstore.Open(filepath.Join(root, "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	c := &client{
		t:       t,
		root:    root,
		msgs:    make(chan Message, 64),
		done:    make(chan error, 1),
		started: make(chan struct{}, 4),
	}
	runner := &procexec.FakeRunner{
		RunFunc: func(ctx context.Context, cmd procexec.Command) (int, error) {
			if !c.blockInstall.Load() {
				return 0, nil
			}
			c.started <- struct{}{}
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}
	eng := engine.New(fsops.NewRealFS(), &clock.RealClock{}, runner, nil, engine.Options{})
	svc, err := service.New(service.Config{Engine: eng, Store: store, Log: logr.Discard()})
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c.in = inW
	srv := New(svc, inR, outW, logr.Discard())

	go func() {
		c.done <- srv.Run(context.Background())
		_ = outW.Close()
	}()
	go func() {
		dec := json.NewDecoder(outR)
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				close(c.msgs)
				return
			}
			c.msgs <- msg
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-c.done:
		case <-time.After(testTimeout):
			t.Error("server did not stop")
		}
	})
	return c
}

func (c *client) path(elem ...string) string {
	return filepath.Join(append([]string{c.root}, elem...)...)
}

func (c *client) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.in, raw+"\n"); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
}

func (c *client) call(id int, method string, params any) {
	c.t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, data))
}

// await returns the first message matching match, keeping the others for
// later calls.
func (c *client) await(desc string, match func(Message) bool) Message {
	c.t.Helper()
	for i, msg := range c.pending {
		if match(msg) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}
	deadline := time.After(testTimeout)
	for {
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("output closed while waiting for %s", desc)
			}
			if match(msg) {
				return msg
			}
			c.pending = append(c.pending, msg)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

func (c *client) response(id int) Message {
	c.t.Helper()
	return c.await(fmt.Sprintf("response %d", id), func(m Message) bool {
		return m.ID != nil && *m.ID == id
	})
}

func (c *client) notification(method string) Message {
	c.t.Helper()
	return c.await(method, func(m Message) bool {
		return m.ID == nil && m.Method == method
	})
}

func (c *client) resultRun(msg Message) runstore.Run {
	c.t.Helper()
	if msg.Error != nil {
		c.t.Fatalf("unexpected error: %+v", msg.Error)
	}
	var run runstore.Run
	if err := json.Unmarshal(msg.Result, &run); err != nil {
		c.t.Fatalf("decode run: %v", err)
	}
	return run
}

func (c *client) writePlan(install bool) string {
	c.t.Helper()
	src := c.path("repos", "alpha")
	if err := os.MkdirAll(src, 0755); err != nil {
		c.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "package.json"), []byte(`{"name":"alpha"}`), 0644); err != nil {
		c.t.Fatal(err)
	}
	p := plan.Plan{
		Version:      plan.SchemaVersion,
		Sources:      []plan.Source{{Name: "alpha", Path: src}},
		PackagesDir:  "packages",
		RootManifest: json.RawMessage(`{"name":"mono","private":true}`),
		Files:        []plan.File{},
		Install:      install,
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.t.Fatal(err)
	}
	planPath := c.path("plan.json")
	if err := os.WriteFile(planPath, data, 0644); err != nil {
		c.t.Fatal(err)
	}
	return planPath
}

func TestStartWaitAndFinishedNotification(t *testing.T) {
	c := startServer(t)
	out := c.path("mono")

	c.call(1, MethodStart, service.Request{PlanPath: c.writePlan(true), OutputPath: out})
	start := c.response(1)
	if start.Error != nil {
		t.Fatalf("apply/start error: %+v", start.Error)
	}
	var sr StartResult
	if err := json.Unmarshal(start.Result, &sr); err != nil || sr.RunID == "" {
		t.Fatalf("apply/start result = %s (%v)", start.Result, err)
	}

	c.call(2, MethodWait, RunParams{RunID: sr.RunID})
	run := c.resultRun(c.response(2))
	if run.State != runstore.StateSucceeded {
		t.Errorf("wait state = %s (error %q)", run.State, run.Error)
	}

	note := c.notification(NotifyFinished)
	var finished runstore.Run
	if err := json.Unmarshal(note.Params, &finished); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if finished.ID != sr.RunID || finished.State != runstore.StateSucceeded {
		t.Errorf("notification = %+v", finished)
	}

	c.call(3, MethodStatus, RunParams{RunID: sr.RunID})
	if got := c.resultRun(c.response(3)); got.OutputPath != out {
		t.Errorf("status output = %q, want %q", got.OutputPath, out)
	}

	c.call(4, MethodList, ListParams{Out: out})
	list := c.response(4)
	var lr ListResult
	if err := json.Unmarshal(list.Result, &lr); err != nil {
		t.Fatal(err)
	}
	if len(lr.Runs) != 1 || lr.Runs[0].ID != sr.RunID {
		t.Errorf("list = %s", list.Result)
	}
}

func TestCancelRun(t *testing.T) {
	c := startServer(t)
	c.blockInstall.Store(true)

	c.call(1, MethodStart, service.Request{PlanPath: c.writePlan(true), OutputPath: c.path("mono")})
	var sr StartResult
	if err := json.Unmarshal(c.response(1).Result, &sr); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.started:
	case <-time.After(testTimeout):
		t.Fatal("install never started")
	}

	c.call(2, MethodCleanup, CleanupParams{Out: c.path("mono")})
	if msg := c.response(2); msg.Error == nil || msg.Error.Code != CodeConflict {
		t.Errorf("cleanup during run = %+v, want conflict", msg.Error)
	}

	c.call(3, MethodCancel, RunParams{RunID: sr.RunID})
	if msg := c.response(3); msg.Error != nil {
		t.Fatalf("apply/cancel error: %+v", msg.Error)
	}

	c.call(4, MethodWait, RunParams{RunID: sr.RunID})
	run := c.resultRun(c.response(4))
	if run.State != runstore.StateCancelled || run.FailedStep != "install" {
		t.Errorf("run = state %s step %q, want cancelled at install", run.State, run.FailedStep)
	}
}

func TestProtocolErrors(t *testing.T) {
	c := startServer(t)

	c.send(`{not json`)
	parse := c.await("parse error", func(m Message) bool { return m.Error != nil && m.ID == nil })
	if parse.Error.Code != CodeParseError {
		t.Errorf("parse error code = %d", parse.Error.Code)
	}

	tests := []struct {
		name     string
		method   string
		params   any
		wantCode int
	}{
		{name: "unknown method", method: "apply/explode", params: struct{}{}, wantCode: CodeMethodNotFound},
		{name: "status without id", method: MethodStatus, params: struct{}{}, wantCode: CodeInvalidParams},
		{name: "status unknown run", method: MethodStatus, params: RunParams{RunID: "missing"}, wantCode: CodeRunNotFound},
		{name: "cancel unknown run", method: MethodCancel, params: RunParams{RunID: "missing"}, wantCode: CodeRunNotFound},
		{name: "start bad params", method: MethodStart, params: []int{1}, wantCode: CodeInvalidParams},
		{name: "start missing plan", method: MethodStart, params: service.Request{PlanPath: c.path("nope.json"), OutputPath: c.path("mono")}, wantCode: CodeInvalidPlan},
		{name: "cleanup without out", method: MethodCleanup, params: CleanupParams{}, wantCode: CodeInvalidParams},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := 10 + i
			c.call(id, tt.method, tt.params)
			msg := c.response(id)
			if msg.Error == nil {
				t.Fatalf("expected error, got result %s", msg.Result)
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d (%s)", msg.Error.Code, tt.wantCode, msg.Error.Message)
			}
		})
	}
}

func TestListEmptyAndCleanup(t *testing.T) {
	c := startServer(t)
	out := c.path("mono")
	if err := os.MkdirAll(out+".staging-deadbeef", 0755); err != nil {
		t.Fatal(err)
	}

	c.send(`{"jsonrpc":"2.0","id":1,"method":"apply/list"}`)
	list := c.response(1)
	if string(list.Result) != `{"runs":[]}` {
		t.Errorf("empty list = %s", list.Result)
	}

	c.call(2, MethodCleanup, CleanupParams{Out: out})
	msg := c.response(2)
	if msg.Error != nil {
		t.Fatalf("cleanup error: %+v", msg.Error)
	}
	var cr CleanupResult
	if err := json.Unmarshal(msg.Result, &cr); err != nil {
		t.Fatal(err)
	}
	if len(cr.Removed) != 1 {
		t.Errorf("removed = %v, want one staging dir", cr.Removed)
	}
}

func TestShutdownStopsServer(t *testing.T) {
	c := startServer(t)

	c.call(1, MethodShutdown, struct{}{})
	if msg := c.response(1); msg.Error != nil {
		t.Fatalf("shutdown error: %+v", msg.Error)
	}
	select {
	case err := <-c.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
		c.done <- err
	case <-time.After(testTimeout):
		t.Fatal("server did not stop after shutdown")
	}
}
