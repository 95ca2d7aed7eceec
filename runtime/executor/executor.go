// Package executor defines the execution target contract the scheduler
// dispatches through, plus a local implementation that serves tools either
// in-process or inside the sandbox. Remote backends implement Target behind
// whatever transport the host wires.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/sandbox"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Request is one execution attempt handed to a target.
	Request struct {
		// Route is the chosen (provider, tool) pair.
		Route *plan.Route
		// Contract is the step's I/O contract.
		Contract *plan.Contract
		// Inputs is the bound input payload.
		Inputs map[string]any
		// Deadline is the absolute attempt deadline.
		Deadline time.Time
	}

	// Outcome is what a target returns for one attempt.
	Outcome struct {
		// Outputs is the result payload on success.
		Outputs map[string]any
		// ErrOutput carries backend error text, empty on success.
		ErrOutput string
		// Cost is the attempt cost reported by the backend.
		Cost float64
	}

	// Target executes attempts for the routes it serves.
	Target interface {
		// Execute runs one attempt. Classified failures come back as faults;
		// the scheduler branches on the kind.
		Execute(ctx context.Context, req *Request) (*Outcome, error)
	}

	// Handler serves one tool in-process.
	Handler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

	// CommandTool serves one tool by running a sandboxed command. Inputs are
	// written to input.json in the workspace; the command writes outputs.json.
	CommandTool struct {
		Command     string
		Args        []string
		Env         []string
		MaxMemoryMB int
		// CostPerRun is the fixed cost attributed to each attempt.
		CostPerRun float64
	}

	// Local is an in-process target: a registry of tool handlers and sandboxed
	// command tools keyed by tool name.
	Local struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		commands map[string]CommandTool
		runner   *sandbox.Runner
		logger   telemetry.Logger
	}

	// LocalOption customizes a local target.
	LocalOption func(*Local)
)

// WithRunner replaces the sandbox runner.
func WithRunner(r *sandbox.Runner) LocalOption {
	return func(l *Local) { l.runner = r }
}

// WithLogger wires the logger.
func WithLogger(logger telemetry.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// NewLocal constructs an empty local target.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		handlers: make(map[string]Handler),
		commands: make(map[string]CommandTool),
		runner:   sandbox.NewRunner(),
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterHandler serves the named tool with an in-process function.
func (l *Local) RegisterHandler(tool string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[tool] = h
}

// RegisterCommand serves the named tool with a sandboxed command.
func (l *Local) RegisterCommand(tool string, cmd CommandTool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands[tool] = cmd
}

// Execute implements Target. Unknown tools fail with no_route_available so
// the scheduler can block the step rather than retry.
func (l *Local) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || req.Route == nil {
		return nil, fault.Validation("route", "route is required")
	}
	l.mu.RLock()
	handler, hasHandler := l.handlers[req.Route.Tool]
	cmd, hasCommand := l.commands[req.Route.Tool]
	l.mu.RUnlock()

	switch {
	case hasHandler:
		return l.executeHandler(ctx, req, handler)
	case hasCommand:
		return l.executeCommand(ctx, req, cmd)
	default:
		return nil, fault.Errorf(fault.KindNoRoute, "tool %q is not registered", req.Route.Tool)
	}
}

func (l *Local) executeHandler(ctx context.Context, req *Request, h Handler) (*Outcome, error) {
	runCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	outputs, err := h(runCtx, req.Inputs)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &Outcome{ErrOutput: err.Error()},
				fault.Wrap(fault.KindTimeout, "handler deadline exceeded", err)
		}
		return &Outcome{ErrOutput: err.Error()},
			fault.Wrap(fault.KindExecution, "handler failed", err)
	}
	return &Outcome{Outputs: outputs}, nil
}

func (l *Local) executeCommand(ctx context.Context, req *Request, cmd CommandTool) (*Outcome, error) {
	timeout := time.Until(req.Deadline)
	if req.Deadline.IsZero() {
		timeout = 5 * time.Minute
	}
	inputJSON, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "encode inputs", err)
	}
	res, err := l.runner.Run(ctx, &sandbox.Config{
		Command:     cmd.Command,
		Args:        cmd.Args,
		Env:         cmd.Env,
		InputFiles:  map[string][]byte{"input.json": inputJSON},
		Timeout:     timeout,
		MaxMemoryMB: cmd.MaxMemoryMB,
	})
	outcome := &Outcome{Cost: cmd.CostPerRun}
	if res != nil {
		outcome.Outputs = res.Outputs
		outcome.ErrOutput = res.Stderr
	}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}
