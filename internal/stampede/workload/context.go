package workload

import (
	"math"

	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
)

// Context is the per-run execution context: one entry per workload, keyed by
// workload name. Built once per run and not shared across runs.
type Context map[string]*ContextEntry

// ContextEntry pairs a workload's resolved config with mutable runtime state
// the orchestrator tracks for it.
type ContextEntry struct {
	Config *Config
	State  map[string]interface{}
}

// LoadContext validates every requested workload and applies the iteration
// and thread multipliers to its declared base counts, writing the derived
// values back onto the config. Invalid input is fatal before any side
// effect.
func LoadContext(configs []*Config, opts ExecutionOptions) (Context, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "workloads", Value: configs, Message: "at least one workload is required",
		})
	}
	ctx := make(Context, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, ok := ctx[cfg.Name]; ok {
			return nil, errors.WithStack(&stampedeerrors.ErrInvalidArgument{
				Name: "workloads", Value: cfg.Name, Message: "duplicate workload name",
			})
		}
		cfg.Iterations = scaleCount(cfg.Iterations, opts.IterationMultiplier)
		cfg.ThreadCount = scaleCount(cfg.ThreadCount, opts.ThreadMultiplier)
		ctx[cfg.Name] = &ContextEntry{
			Config: cfg,
			State:  make(map[string]interface{}),
		}
	}
	return ctx, nil
}

// scaleCount applies a multiplier to a declared base count, never dropping
// an active workload below one.
func scaleCount(base int, multiplier float64) int {
	scaled := int(math.Floor(float64(base) * multiplier))
	if scaled < 1 {
		return 1
	}
	return scaled
}
