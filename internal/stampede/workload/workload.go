// Package workload defines the FSM workload model executed by worker
// threads: the declared program (setup, teardown, named states, weighted
// transitions, shared data bag), the per-run execution context, and the
// normalized failure records collected by the orchestrator.
package workload

import (
	"context"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
	"github.com/stampedeproject/stampede/internal/stampede/cluster"
)

// StateFunc is one named state of a workload's FSM program. It is called
// once per transition on the worker that reached the state.
type StateFunc func(rc *RunContext) error

// Config is a declared workload program plus its derived concurrency
// parameters. Iterations and ThreadCount start out as the declared base
// values; the context loader applies the run multipliers and the thread
// manager may scale ThreadCount down to respect the global cap. After
// workers have been spawned the struct is not mutated again, so program
// code may read its own concurrency parameters at any point.
type Config struct {
	Name string

	// Optional hooks, run on the main thread before/after the workers.
	Setup    func(rc *RunContext) error
	Teardown func(rc *RunContext) error

	// The FSM program: named states, the state workers start in, and
	// weighted transitions between states.
	States      map[string]StateFunc
	StartState  string
	Transitions map[string]map[string]float64

	// Shared data bag. Each worker runs against its own shallow copy; the
	// main thread's setup and teardown see the original.
	Data map[string]interface{}

	Iterations  int
	ThreadCount int

	// Optional. A non-empty return value declares the workload inapplicable
	// to the discovered topology and names the reason; the workload is then
	// skipped, which is not a failure.
	Skip func(topo cluster.Topology) string
}

// Validate rejects malformed workload programs before any execution begins.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "name", Value: c.Name, Message: "workload name must not be empty",
		})
	}
	if len(c.States) == 0 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "states", Value: nil, Message: "workload " + c.Name + " declares no states",
		})
	}
	if _, ok := c.States[c.StartState]; !ok {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "startState", Value: c.StartState, Message: "not a declared state of workload " + c.Name,
		})
	}
	if c.Iterations <= 0 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "iterations", Value: c.Iterations, Message: "must be positive",
		})
	}
	if c.ThreadCount <= 0 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "threadCount", Value: c.ThreadCount, Message: "must be positive",
		})
	}
	for from, targets := range c.Transitions {
		if _, ok := c.States[from]; !ok {
			return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
				Name: "transitions", Value: from, Message: "transition source is not a declared state",
			})
		}
		total := 0.0
		for to, weight := range targets {
			if _, ok := c.States[to]; !ok {
				return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
					Name: "transitions", Value: to, Message: "transition target is not a declared state",
				})
			}
			if weight <= 0 {
				return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
					Name: "transitions", Value: weight, Message: "transition weight must be positive",
				})
			}
			total += weight
		}
		if total <= 0 {
			return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
				Name: "transitions", Value: from, Message: "state has no outgoing transition weight",
			})
		}
	}
	for name := range c.States {
		if len(c.Transitions[name]) == 0 {
			return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
				Name: "transitions", Value: name, Message: "state has no outgoing transitions",
			})
		}
	}
	return nil
}

// CloneData returns a shallow copy of the shared data bag for one worker.
func (c *Config) CloneData() map[string]interface{} {
	clone := make(map[string]interface{}, len(c.Data))
	for k, v := range c.Data {
		clone[k] = v
	}
	return clone
}

// RunContext is everything a state function, setup, or teardown gets to see.
// One RunContext exists per worker thread, plus one per workload for the
// main-thread hooks. The AssertLevel is fixed for the whole run and
// read-only from the worker's perspective.
type RunContext struct {
	Ctx       context.Context
	Handle    cluster.Handle
	Namespace cluster.Namespace
	// Deterministic per-worker random source derived from the run seed.
	Rand *rand.Rand
	// Global worker index, or -1 on the main thread.
	ThreadID    int
	AssertLevel AssertLevel
	Session     SessionOptions
	// Shared data bag (the worker's own copy, see Config.Data).
	Data map[string]interface{}
	// Worker-private scratch space, e.g. for tracking expected values.
	Scratch map[string]interface{}
}

// Key builds a store key inside the workload's namespace.
func (rc *RunContext) Key(parts ...string) string {
	return rc.Namespace.Key(parts...)
}

// ThreadLabel renders the thread identity for failure records: the worker
// index, or "main" for the orchestrator thread.
func (rc *RunContext) ThreadLabel() string {
	if rc.ThreadID < 0 {
		return "main"
	}
	return strconv.Itoa(rc.ThreadID)
}
