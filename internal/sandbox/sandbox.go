// Package sandbox runs a grader program against a submission inside an
// isolated backend — either a chroot+seccomp+rlimit jail or a Docker
// container — and recovers a canonical result from its output.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/evaluateapp/internal/resultparser"
	"github.com/ocx/evaluateapp/internal/workspace"
)

// defaultWallTimeout is the sandbox child's wall-clock deadline when a
// backend isn't given an explicit one: a grader that sleeps rather than
// spins burns no CPU time, so this bound must be enforced independently
// of any CPU-seconds rlimit.
const defaultWallTimeout = 310 * time.Second

// Status is the terminal evaluation outcome reported to the caller.
type Status = resultparser.Status

const (
	StatusCompleted = resultparser.StatusCompleted
	StatusError     = resultparser.StatusError
)

// Result is the canonical outcome of one sandboxed evaluation.
type Result = resultparser.Result

// Runner executes a grader against a submission inside an isolated backend.
type Runner interface {
	// Run spawns the sandbox, runs the bootstrap program, and returns the
	// parsed Result. It never returns an error for a grader or submission
	// failure — those are encoded in Result.Status; error is reserved for
	// infrastructure failures (jail or runner setup failed, Docker client
	// could not be created, jailed process could not be spawned). A backend
	// that knows it is unusable, such as a chroot backend with no template
	// root, reports that as an ERROR Result with a nil error.
	Run(ctx context.Context, ws *workspace.Workspace, submissionID string) (Result, error)
}

// Prober is implemented by backends that can cheaply self-report
// availability ahead of actually running an evaluation — the chroot
// backend checks its template root once at startup, the container
// backend pings the Docker daemon on demand. Used by the /debug/sandbox
// introspection endpoint; a Runner that doesn't implement it is always
// reported available.
type Prober interface {
	Probe(ctx context.Context) (available bool, detail string)
}

// State is a point in the per-evaluation lifecycle.
type State string

const (
	StateIdle           State = "IDLE"
	StateAdmitted       State = "ADMITTED"
	StateWorkspaceReady State = "WORKSPACE_READY"
	StateSandboxSpawned State = "SANDBOX_SPAWNED"
	StateExitedOK       State = "EXITED_OK"
	StateExitedFail     State = "EXITED_FAIL"
	StateTimedOut       State = "TIMED_OUT"
	StateResultEmitted  State = "RESULT_EMITTED"
	StateDone           State = "DONE"
)

var validTransitions = map[State][]State{
	StateIdle:           {StateAdmitted},
	StateAdmitted:       {StateWorkspaceReady},
	StateWorkspaceReady: {StateSandboxSpawned},
	StateSandboxSpawned: {StateExitedOK, StateExitedFail, StateTimedOut},
	StateExitedOK:       {StateResultEmitted},
	StateExitedFail:     {StateResultEmitted},
	StateTimedOut:       {StateResultEmitted},
	StateResultEmitted:  {StateDone},
}

// Machine tracks the state of a single evaluation and enforces that only
// one terminal path is ever taken.
type Machine struct {
	mu      sync.Mutex
	current State
}

// NewMachine creates a state machine starting at IDLE.
func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to next, rejecting any move not present in
// validTransitions for the current state.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range validTransitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("sandbox: invalid transition %s -> %s", m.current, next)
}
