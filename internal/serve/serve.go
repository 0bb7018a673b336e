// Package serve exposes the service driver over stdio using newline-delimited
// JSON-RPC 2.0 messages. Requests are answered in the order they arrive;
// apply/wait answers once its run finishes, and every background run emits an
// apply/finished notification.
package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/pmclSF/monotize/internal/engine"
	"github.com/pmclSF/monotize/internal/plan"
	"github.com/pmclSF/monotize/internal/runstore"
	"github.com/pmclSF/monotize/internal/service"
)

// Method names.
const (
	MethodStart    = "apply/start"
	MethodCancel   = "apply/cancel"
	MethodStatus   = "apply/status"
	MethodWait     = "apply/wait"
	MethodList     = "apply/list"
	MethodCleanup  = "cleanup"
	MethodShutdown = "shutdown"

	// NotifyFinished is sent when a background run ends.
	NotifyFinished = "apply/finished"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
	CodeRunNotFound    = -32001
	CodeInvalidPlan    = -32002
	CodeConflict       = -32003
)

// shutdownTimeout bounds how long active runs get to record cancellation.
const shutdownTimeout = 30 * time.Second

// Message is a JSON-RPC 2.0 request, response or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RunParams identify a run.
type RunParams struct {
	RunID string `json:"runId"`
}

// ListParams filter apply/list.
type ListParams struct {
	State string `json:"state,omitempty"`
	Out   string `json:"out,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// CleanupParams name the output path to clean.
type CleanupParams struct {
	Out string `json:"out"`
}

// StartResult answers apply/start.
type StartResult struct {
	RunID string `json:"runId"`
}

// ListResult answers apply/list.
type ListResult struct {
	Runs []*runstore.Run `json:"runs"`
}

// CleanupResult answers cleanup.
type CleanupResult struct {
	Out         string   `json:"out"`
	Removed     []string `json:"removed"`
	RemovedLogs []string `json:"removedLogs"`
}

// Server reads requests from r and writes responses to w.
type Server struct {
	reader io.Reader
	writer io.Writer
	svc    *service.Service
	log    logr.Logger

	mu sync.Mutex // serialises writes

	ctx     context.Context
	cancel  context.CancelFunc
	waiters sync.WaitGroup
}

// New creates a server over svc and subscribes to its run completions.
func New(svc *service.Service, r io.Reader, w io.Writer, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		reader: r,
		writer: w,
		svc:    svc,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	svc.OnFinish(s.notifyFinished)
	return s
}

// Run processes messages until the input ends, a shutdown request arrives
// or ctx is cancelled. Active runs are then cancelled and given time to
// record their outcome.
func (s *Server) Run(ctx context.Context) error {
	defer s.cancel()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.reader)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-s.ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.log.Info("interrupted, shutting down")
			break loop
		case err := <-scanErr:
			runErr = err
			break loop
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				s.sendError(nil, CodeParseError, fmt.Sprintf("parse error: %v", err))
				continue
			}
			if s.dispatch(&msg) {
				break loop
			}
		}
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.svc.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	s.waiters.Wait()
	return runErr
}

// dispatch routes one message and reports whether the loop should stop.
func (s *Server) dispatch(msg *Message) bool {
	switch msg.Method {
	case MethodStart:
		s.handleStart(msg)
	case MethodCancel:
		s.handleCancel(msg)
	case MethodStatus:
		s.handleStatus(msg)
	case MethodWait:
		s.handleWait(msg)
	case MethodList:
		s.handleList(msg)
	case MethodCleanup:
		s.handleCleanup(msg)
	case MethodShutdown:
		s.sendResult(msg.ID, map[string]string{"status": "shutting down"})
		return true
	default:
		s.sendError(msg.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", msg.Method))
	}
	return false
}

func (s *Server) handleStart(msg *Message) {
	var req service.Request
	if !s.decode(msg, &req) {
		return
	}
	id, err := s.svc.Start(s.ctx, req)
	if err != nil {
		s.sendFailure(msg.ID, err)
		return
	}
	s.sendResult(msg.ID, StartResult{RunID: id})
}

func (s *Server) handleCancel(msg *Message) {
	var params RunParams
	if !s.decodeRun(msg, &params) {
		return
	}
	if err := s.svc.Cancel(s.ctx, params.RunID); err != nil {
		s.sendFailure(msg.ID, err)
		return
	}
	s.sendResult(msg.ID, map[string]string{"runId": params.RunID, "status": "cancelling"})
}

func (s *Server) handleStatus(msg *Message) {
	var params RunParams
	if !s.decodeRun(msg, &params) {
		return
	}
	run, err := s.svc.Status(s.ctx, params.RunID)
	if err != nil {
		s.sendFailure(msg.ID, err)
		return
	}
	s.sendResult(msg.ID, run)
}

// handleWait answers asynchronously so other requests keep flowing.
func (s *Server) handleWait(msg *Message) {
	var params RunParams
	if !s.decodeRun(msg, &params) {
		return
	}
	s.waiters.Add(1)
	go func() {
		defer s.waiters.Done()
		run, err := s.svc.Wait(s.ctx, params.RunID)
		if errors.Is(err, context.Canceled) {
			// Server is stopping; the run finishes during service shutdown.
			run, err = s.svc.Wait(context.Background(), params.RunID)
		}
		if err != nil {
			s.sendFailure(msg.ID, err)
			return
		}
		s.sendResult(msg.ID, run)
	}()
}

func (s *Server) handleList(msg *Message) {
	var params ListParams
	if len(msg.Params) > 0 && !s.decode(msg, &params) {
		return
	}
	runs, err := s.svc.List(s.ctx, runstore.ListOptions{
		State:      runstore.State(params.State),
		OutputPath: params.Out,
		Limit:      params.Limit,
	})
	if err != nil {
		s.sendFailure(msg.ID, err)
		return
	}
	if runs == nil {
		runs = []*runstore.Run{}
	}
	s.sendResult(msg.ID, ListResult{Runs: runs})
}

func (s *Server) handleCleanup(msg *Message) {
	var params CleanupParams
	if !s.decode(msg, &params) {
		return
	}
	if params.Out == "" {
		s.sendError(msg.ID, CodeInvalidParams, "out is required")
		return
	}
	res, err := s.svc.Cleanup(s.ctx, params.Out)
	if err != nil {
		s.sendFailure(msg.ID, err)
		return
	}
	s.sendResult(msg.ID, CleanupResult{
		Out:         res.OutputPath,
		Removed:     nonNil(res.Removed),
		RemovedLogs: nonNil(res.RemovedLogs),
	})
}

func (s *Server) notifyFinished(run *runstore.Run) {
	s.sendEvent(NotifyFinished, run)
}

func (s *Server) decode(msg *Message, v any) bool {
	if err := json.Unmarshal(msg.Params, v); err != nil {
		s.sendError(msg.ID, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return false
	}
	return true
}

func (s *Server) decodeRun(msg *Message, params *RunParams) bool {
	if !s.decode(msg, params) {
		return false
	}
	if params.RunID == "" {
		s.sendError(msg.ID, CodeInvalidParams, "runId is required")
		return false
	}
	return true
}

// sendFailure maps a service error to a JSON-RPC error.
func (s *Server) sendFailure(id *int, err error) {
	s.sendError(id, errorCode(err), err.Error())
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		return CodeRunNotFound
	case errors.Is(err, plan.ErrSchema), errors.Is(err, plan.ErrPlanNotFound):
		return CodeInvalidPlan
	case errors.Is(err, service.ErrNotActive),
		errors.Is(err, service.ErrOutputBusy),
		errors.Is(err, service.ErrShuttingDown),
		errors.Is(err, engine.ErrAmbiguousState):
		return CodeConflict
	default:
		return CodeServerError
	}
}

func (s *Server) sendResult(id *int, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.sendError(id, CodeServerError, fmt.Sprintf("encode result: %v", err))
		return
	}
	s.send(&Message{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) sendError(id *int, code int, message string) {
	s.send(&Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
}

func (s *Server) sendEvent(method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		s.log.Error(err, "encode notification", "method", method)
		return
	}
	s.send(&Message{JSONRPC: "2.0", Method: method, Params: data})
}

func (s *Server) send(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error(err, "encode message")
		return
	}
	if _, err := fmt.Fprintf(s.writer, "%s\n", data); err != nil {
		s.log.Error(err, "write message")
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
