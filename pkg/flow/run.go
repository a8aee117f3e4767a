package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiflow80/aiflow/pkg/component"
)

// Script is one execution of the bound script. It receives a Runtime with
// a fresh component Builder; returning ErrInterrupted (possibly wrapped)
// marks the run as benignly interrupted rather than failed.
type Script func(ctx context.Context, rt *Runtime) error

// ErrInterrupted marks a benign early exit from a script run, as opposed
// to an execution failure.
var ErrInterrupted = errors.New("flow: run interrupted")

// RunKind classifies how a script run ended.
type RunKind int

const (
	// RunCompleted is a normal return.
	RunCompleted RunKind = iota

	// RunInterrupted is a benign interruption (ErrInterrupted).
	RunInterrupted

	// RunFailed is an execution failure.
	RunFailed
)

func (k RunKind) String() string {
	switch k {
	case RunCompleted:
		return "completed"
	case RunInterrupted:
		return "interrupted"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunResult reports the outcome of one script run to the host.
type RunResult struct {
	Kind RunKind
	Err  error
}

func classifyRun(err error) RunResult {
	switch {
	case err == nil:
		return RunResult{Kind: RunCompleted}
	case errors.Is(err, ErrInterrupted):
		return RunResult{Kind: RunInterrupted, Err: err}
	default:
		return RunResult{Kind: RunFailed, Err: fmt.Errorf("flow: script run failed: %w", err)}
	}
}

// Runtime is the per-run execution context handed to the script.
type Runtime struct {
	coord   *Coordinator
	builder *component.Builder
}

// Builder returns the run's component builder.
func (rt *Runtime) Builder() *component.Builder { return rt.builder }

// State returns the pairing-scoped state store.
func (rt *Runtime) State() Store { return rt.coord.store }

// Event returns the last received value for a control id.
func (rt *Runtime) Event(id string) (any, bool) {
	rt.coord.mu.Lock()
	defer rt.coord.mu.Unlock()
	v, ok := rt.coord.events[id]
	return v, ok
}

// Events returns a copy of the current event-value map.
func (rt *Runtime) Events() map[string]any {
	rt.coord.mu.Lock()
	defer rt.coord.mu.Unlock()
	out := make(map[string]any, len(rt.coord.events))
	for k, v := range rt.coord.events {
		out[k] = v
	}
	return out
}
