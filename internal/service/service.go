// Package service is the long-running driver of the apply engine. It runs
// plans synchronously or in the background, records every run in the run
// store and returns errors to its caller instead of exiting.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/pmclSF/monotize/internal/clock"
	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/logging"
	"github.com/pmclSF/monotize/internal/oplog"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/runstore"
)

var (
	// ErrShuttingDown is returned for new work after Shutdown.
	ErrShuttingDown = errors.New("service is shutting down")

	// ErrNotActive indicates the run exists but is not executing.
	ErrNotActive = errors.New("run is not active")

	// ErrOutputBusy indicates an active run targets the output path.
	ErrOutputBusy = errors.New("output path has an active run")
)

// Request names a plan file and where to build it.
type Request struct {
	PlanPath   string `json:"plan"`
	OutputPath string `json:"out"`
	Resume     bool   `json:"resume,omitempty"`
}

// Config holds the service dependencies.
type Config struct {
	Engine *engine.Engine
	Store  *runstore.Store
	Clock  clock.Clock
	Log    logr.Logger

	// LoadPlan reads a plan file. Defaults to plan.Load.
	LoadPlan func(path string) (*plan.Loaded, error)
}

// Service runs apply requests. All methods are safe for concurrent use.
type Service struct {
	engine   *engine.Engine
	store    *runstore.Store
	clock    clock.Clock
	log      logr.Logger
	loadPlan func(string) (*plan.Loaded, error)

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*activeRun
	closed   bool
	onFinish func(*runstore.Run)
}

type activeRun struct {
	outputPath string
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Service. Runs left queued or running by a previous process
// are marked failed.
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("service: engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("service: run store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = &clock.RealClock{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	if cfg.LoadPlan == nil {
		cfg.LoadPlan = plan.Load
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Service{
		engine:     cfg.Engine,
		store:      cfg.Store,
		clock:      cfg.Clock,
		log:        cfg.Log,
		loadPlan:   cfg.LoadPlan,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		active:     make(map[string]*activeRun),
	}

	n, err := s.store.MarkInterrupted(context.Background(), s.clock.Now())
	if err != nil {
		baseCancel()
		return nil, err
	}
	if n > 0 {
		s.log.Info("marked interrupted runs as failed", "count", n)
	}
	return s, nil
}

// OnFinish registers fn to be called with the final record of every
// background run. It replaces any earlier callback.
func (s *Service) OnFinish(fn func(*runstore.Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = fn
}

// Apply runs req to completion and returns the recorded run. The error is
// the engine's error; the run record is returned alongside it whenever one
// was created.
func (s *Service) Apply(ctx context.Context, req Request) (*runstore.Run, error) {
	run, loaded, err := s.prepare(ctx, req)
	if err != nil {
		return run, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	if err := s.register(run.ID, run.OutputPath, cancel); err != nil {
		return run, s.abandon(ctx, run, err)
	}
	defer s.wg.Done()
	defer s.unregister(run.ID)
	return s.execute(runCtx, run, loaded)
}

// Start runs req in the background and returns its run id. Plan loading
// errors are reported synchronously.
func (s *Service) Start(ctx context.Context, req Request) (string, error) {
	run, loaded, err := s.prepare(ctx, req)
	if err != nil {
		if run != nil {
			return run.ID, err
		}
		return "", err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	if err := s.register(run.ID, run.OutputPath, cancel); err != nil {
		cancel()
		return run.ID, s.abandon(ctx, run, err)
	}

	go func() {
		defer s.wg.Done()
		defer cancel()
		final, _ := s.execute(runCtx, run, loaded)
		s.unregister(run.ID)
		s.notify(final)
	}()
	return run.ID, nil
}

// Cancel stops an active run. The run records itself as cancelled once the
// engine returns.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		ar.cancel()
		s.log.Info("cancel requested", "runID", id)
		return nil
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotActive, id)
}

// Wait blocks until the run finishes or ctx is done, then returns its
// record.
func (s *Service) Wait(ctx context.Context, id string) (*runstore.Run, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.Get(ctx, id)
}

// Status returns the current record of a run.
func (s *Service) Status(ctx context.Context, id string) (*runstore.Run, error) {
	return s.store.Get(ctx, id)
}

// List returns recorded runs, newest first.
func (s *Service) List(ctx context.Context, opts runstore.ListOptions) ([]*runstore.Run, error) {
	if opts.OutputPath != "" {
		abs, err := filepath.Abs(opts.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve output path: %w", err)
		}
		opts.OutputPath = abs
	}
	return s.store.List(ctx, opts)
}

// Cleanup removes staging state for outputPath. It refuses while an active
// run targets the same path.
func (s *Service) Cleanup(ctx context.Context, outputPath string) (*engine.CleanupResult, error) {
	if s.isClosed() {
		return nil, ErrShuttingDown
	}
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	if id := s.activeFor(abs); id != "" {
		return nil, fmt.Errorf("%w: %s (run %s)", ErrOutputBusy, abs, id)
	}
	eng := s.engine.WithLogger(logging.NewLineLogger(s.log.WithValues("output", abs)))
	return eng.Cleanup(ctx, abs)
}

// Shutdown stops accepting work, cancels every active run and waits for
// them to record their outcome or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.active)
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("cancelling active runs", "count", n)
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// prepare validates req, loads the plan and records a queued run.
func (s *Service) prepare(ctx context.Context, req Request) (*runstore.Run, *plan.Loaded, error) {
	if s.isClosed() {
		return nil, nil, ErrShuttingDown
	}
	if strings.TrimSpace(req.PlanPath) == "" {
		return nil, nil, fmt.Errorf("plan path is required")
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return nil, nil, fmt.Errorf("output path is required")
	}
	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	planPath, err := filepath.Abs(req.PlanPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve plan path: %w", err)
	}

	loaded, err := s.loadPlan(planPath)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	run := &runstore.Run{
		ID:          uuid.NewString(),
		PlanPath:    planPath,
		Fingerprint: loaded.Fingerprint,
		OutputPath:  out,
		Resume:      req.Resume,
		State:       runstore.StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(ctx, run); err != nil {
		return nil, nil, err
	}
	return run, loaded, nil
}

// execute runs the engine for run and records the outcome.
func (s *Service) execute(ctx context.Context, run *runstore.Run, loaded *plan.Loaded) (*runstore.Run, error) {
	log := s.log.WithValues("runID", run.ID)
	recordCtx := context.WithoutCancel(ctx)

	run.State = runstore.StateRunning
	run.UpdatedAt = s.clock.Now()
	if err := s.store.Put(recordCtx, run); err != nil {
		return run, err
	}
	log.Info("run started", "plan", run.PlanPath, "output", run.OutputPath, "resume", run.Resume)

	eng := s.engine.WithLogger(logging.NewLineLogger(log))
	res, applyErr := eng.Apply(ctx, &engine.ApplyRequest{
		Plan:       loaded,
		OutputPath: run.OutputPath,
		Resume:     run.Resume,
	})

	s.fill(run, res, applyErr)
	if err := s.store.Put(recordCtx, run); err != nil {
		log.Error(err, "failed to record run outcome")
		if applyErr == nil {
			applyErr = err
		}
	}
	if applyErr != nil {
		log.Info("run finished", "state", run.State, "error", run.Error)
	} else {
		log.Info("run finished", "state", run.State)
	}
	return run, applyErr
}

// fill copies the engine result and error onto run.
func (s *Service) fill(run *runstore.Run, res *engine.ApplyResult, err error) {
	now := s.clock.Now()
	run.UpdatedAt = now
	run.FinishedAt = now
	if res != nil {
		run.StagingPath = res.StagingPath
		run.LogPath = res.LogPath
		run.Executed = stepNames(res.Executed)
		run.Skipped = stepNames(res.Skipped)
	}

	switch {
	case err == nil:
		run.State = runstore.StateSucceeded
		run.Error = ""
		run.FailedStep = ""
	case errors.Is(err, engine.ErrCancelled):
		run.State = runstore.StateCancelled
		run.Error = err.Error()
	default:
		run.State = runstore.StateFailed
		run.Error = err.Error()
	}

	var stepErr *engine.StepError
	if errors.As(err, &stepErr) {
		run.FailedStep = string(stepErr.Step)
	}
}

// abandon records a run that never reached the engine.
func (s *Service) abandon(ctx context.Context, run *runstore.Run, cause error) error {
	now := s.clock.Now()
	run.State = runstore.StateFailed
	run.Error = cause.Error()
	run.UpdatedAt = now
	run.FinishedAt = now
	if err := s.store.Put(context.WithoutCancel(ctx), run); err != nil {
		s.log.Error(err, "failed to record abandoned run", "runID", run.ID)
	}
	return cause
}

// register tracks an active run and adds it to the shutdown wait group; the
// caller must call wg.Done once the run is recorded.
func (s *Service) register(id, outputPath string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.active[id] = &activeRun{
		outputPath: outputPath,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	return nil
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	ar, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if ok {
		close(ar.done)
	}
}

func (s *Service) notify(run *runstore.Run) {
	s.mu.Lock()
	fn := s.onFinish
	s.mu.Unlock()
	if fn != nil && run != nil {
		fn(run)
	}
}

func (s *Service) activeFor(outputPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ar := range s.active {
		if ar.outputPath == outputPath {
			return id
		}
	}
	return ""
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func stepNames(ids []oplog.StepID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
