package workload

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
)

// SessionOptions configure the store sessions workers run under.
type SessionOptions struct {
	CausalConsistency bool `yaml:"causalConsistency" mapstructure:"causalConsistency"`
	// Causal-consistency baseline, injected exactly once by the orchestrator
	// after setup has completed and before any worker is spawned. Never set
	// by callers.
	AfterClusterTime   int64 `yaml:"-" mapstructure:"-"`
	AfterOperationTime int64 `yaml:"-" mapstructure:"-"`
}

// ExecutionOptions scale a run. The struct is validated and normalized once
// by the orchestrator and not mutated afterwards, with one exception: the
// one-time injection of the causal-consistency baseline into Session prior
// to spawning workers.
type ExecutionOptions struct {
	ThreadMultiplier    float64         `yaml:"threadMultiplier" mapstructure:"threadMultiplier"`
	IterationMultiplier float64         `yaml:"iterationMultiplier" mapstructure:"iterationMultiplier"`
	Session             *SessionOptions `yaml:"session" mapstructure:"session"`
}

// DefaultExecutionOptions returns options that run every workload with its
// declared thread and iteration counts.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{ThreadMultiplier: 1, IterationMultiplier: 1}
}

// DecodeExecutionOptions builds ExecutionOptions from a loosely-typed map,
// rejecting unrecognized keys and mistyped values. Zero multipliers are
// filled in with 1.
func DecodeExecutionOptions(raw map[string]interface{}) (ExecutionOptions, error) {
	opts := ExecutionOptions{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &opts,
		ErrorUnused: true,
	})
	if err != nil {
		return ExecutionOptions{}, errors.WithStack(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return ExecutionOptions{}, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "executionOptions",
			Value:   raw,
			Message: err.Error(),
		})
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return ExecutionOptions{}, err
	}
	return opts, nil
}

// ApplyDefaults fills in unspecified multipliers in place.
func (o *ExecutionOptions) ApplyDefaults() {
	if o.ThreadMultiplier == 0 {
		o.ThreadMultiplier = 1
	}
	if o.IterationMultiplier == 0 {
		o.IterationMultiplier = 1
	}
}

// Validate fails fast on malformed options, before any side effect.
func (o ExecutionOptions) Validate() error {
	if o.ThreadMultiplier <= 0 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "threadMultiplier", Value: o.ThreadMultiplier, Message: "must be positive",
		})
	}
	if o.IterationMultiplier <= 0 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "iterationMultiplier", Value: o.IterationMultiplier, Message: "must be positive",
		})
	}
	if o.Session != nil && (o.Session.AfterClusterTime != 0 || o.Session.AfterOperationTime != 0) {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "session",
			Value:   o.Session,
			Message: "bootstrap timestamps are injected by the orchestrator and must not be set",
		})
	}
	return nil
}

// MaxAllowedThreads is the global cap on spawned worker threads for a run.
func (o ExecutionOptions) MaxAllowedThreads() int {
	return int(100 * o.ThreadMultiplier)
}
