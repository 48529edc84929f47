// Package evaluator orchestrates one submission end to end: admission,
// workspace expansion, sandbox execution, result parsing, and callback
// delivery. It is the only component that owns the full lifecycle of a
// single evaluation; every other package in this tree is a leaf it calls.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/evaluateapp/internal/admission"
	"github.com/ocx/evaluateapp/internal/callback"
	"github.com/ocx/evaluateapp/internal/config"
	"github.com/ocx/evaluateapp/internal/metrics"
	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/sandbox"
	"github.com/ocx/evaluateapp/internal/workspace"
)

// Request is everything the ingress layer has already verified before
// handing an evaluation off to the background task.
type Request struct {
	SubmissionID  string
	SubmissionZip []byte
	JudgeZip      []byte
	CallbackURL   string
}

// Evaluator wires the admission controller, archive expander, sandbox
// runner, result parser, and callback dispatcher into a single pipeline:
// Admission -> Expand -> Run -> Parse -> Deliver.
type Evaluator struct {
	admission *admission.Controller
	sandbox   sandbox.Runner
	callback  *callback.Dispatcher
	cfg       *config.Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds an Evaluator from its already-constructed dependencies.
func New(ac *admission.Controller, runner sandbox.Runner, cb *callback.Dispatcher, cfg *config.Config, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		admission: ac,
		sandbox:   runner,
		callback:  cb,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default().With("component", "evaluator"),
	}
}

// Evaluate runs the full pipeline for one request. It is meant to be
// invoked on a background goroutine by the ingress handler immediately
// after signature verification and the 202/200 response — Evaluate owns
// the admission slot, the workspace, and the sandbox child for its
// entire lifetime, and makes exactly one callback attempt on every path
// once a slot is acquired. If Acquire fails (shutdown or a cancelled
// context), the evaluation is logged and dropped without a callback.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) {
	logger := e.logger.With("submission_id", req.SubmissionID)

	machine := sandbox.NewMachine()

	if err := e.admission.Acquire(ctx); err != nil {
		logger.Warn("evaluation dropped before admission", "error", err)
		return
	}
	advance(logger, machine, sandbox.StateAdmitted)
	e.metrics.AdmittedTotal.Inc()
	e.metrics.InFlight.Inc()
	defer func() {
		e.admission.Release()
		e.metrics.InFlight.Dec()
	}()

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = e.cfg.Callback.DefaultURL
	}

	result := e.run(ctx, logger, machine, req)
	e.metrics.ResultTotal.WithLabelValues(string(result.Status)).Inc()
	advance(logger, machine, sandbox.StateResultEmitted)

	deliverCtx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.Callback.TimeoutSec)*time.Second)
	defer cancel()
	outcome := e.callback.Deliver(deliverCtx, callbackURL, req.SubmissionID, result)
	e.metrics.CallbackTotal.WithLabelValues(string(outcome)).Inc()
	advance(logger, machine, sandbox.StateDone)
}

// advance moves the lifecycle state machine forward, logging rather than
// failing the evaluation when a short-circuited path (archive rejection,
// pre-spawn error) skips intermediate states the machine models.
func advance(logger *slog.Logger, m *sandbox.Machine, next sandbox.State) {
	if err := m.Transition(next); err != nil {
		logger.Debug("lifecycle transition skipped", "error", err)
	}
}

// ProbeSandbox reports whether the configured sandbox backend is usable,
// for the /debug/sandbox introspection endpoint. Backends that don't
// implement sandbox.Prober are always reported available.
func (e *Evaluator) ProbeSandbox(ctx context.Context) (backend string, available bool, detail string) {
	backend = e.cfg.Sandbox.Backend
	if prober, ok := e.sandbox.(sandbox.Prober); ok {
		available, detail = prober.Probe(ctx)
		return backend, available, detail
	}
	return backend, true, "backend does not support availability probing"
}

// run expands the archives and executes the sandbox, recovering from the
// panics a malformed archive or a misbehaving backend might otherwise
// propagate — one evaluation's failure must never take the process down.
func (e *Evaluator) run(ctx context.Context, logger *slog.Logger, machine *sandbox.Machine, req Request) (result resultparser.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("evaluation panicked", "panic", r)
			result = callback.FormatErrorResult(fmt.Sprintf("internal error: %v", r))
		}
	}()

	ws, err := workspace.New(e.cfg.Sandbox.BaseWorkDir)
	if err != nil {
		logger.Error("failed to create workspace", "error", err)
		return callback.FormatErrorResult(fmt.Sprintf("failed to allocate workspace: %v", err))
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			logger.Warn("failed to clean up workspace", "workspace", ws.Root, "error", cerr)
		}
	}()

	if err := workspace.Expand(req.SubmissionZip, ws.SubmissionDir, e.cfg.Archive.MaxMemberSizeBytes, e.cfg.Archive.MaxTotalSizeBytes); err != nil {
		logger.Warn("submission archive rejected", "error", err)
		e.metrics.ArchiveRejected.WithLabelValues("submission").Inc()
		return callback.FormatErrorResult(fmt.Sprintf("illegal archive path in submission: %v", err))
	}
	if err := workspace.Expand(req.JudgeZip, ws.JudgeDir, e.cfg.Archive.MaxMemberSizeBytes, e.cfg.Archive.MaxTotalSizeBytes); err != nil {
		logger.Warn("judge archive rejected", "error", err)
		e.metrics.ArchiveRejected.WithLabelValues("judge").Inc()
		return callback.FormatErrorResult(fmt.Sprintf("illegal archive path in judge: %v", err))
	}
	advance(logger, machine, sandbox.StateWorkspaceReady)

	sandboxCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Sandbox.TimeoutSec+30)*time.Second)
	defer cancel()

	advance(logger, machine, sandbox.StateSandboxSpawned)
	start := time.Now()
	r, err := e.sandbox.Run(sandboxCtx, ws, req.SubmissionID)
	e.metrics.SandboxDuration.WithLabelValues(e.cfg.Sandbox.Backend).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("sandbox infrastructure failure", "error", err)
		advance(logger, machine, sandbox.StateExitedFail)
		return callback.FormatErrorResult(fmt.Sprintf("sandbox failed to run: %v", err))
	}
	if r.Status == resultparser.StatusCompleted {
		advance(logger, machine, sandbox.StateExitedOK)
	} else {
		advance(logger, machine, sandbox.StateExitedFail)
	}
	return r
}
