package workload

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/stampede/metrics"
)

// Run executes the workload's FSM program for the configured number of
// transitions on the calling goroutine. Drawing from rc.Rand is the only
// source of randomness, so identical seeds walk identical state sequences.
func Run(cfg *Config, rc *RunContext) error {
	state := cfg.StartState
	for i := 0; i < cfg.Iterations; i++ {
		if err := rc.Ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := cfg.States[state](rc); err != nil {
			return errors.WithMessagef(err, "state %q, iteration %d", state, i)
		}
		metrics.TransitionsTotal.WithLabelValues(cfg.Name).Inc()
		next, err := NextState(rc.Rand, cfg.Transitions, state)
		if err != nil {
			return err
		}
		state = next
	}
	return nil
}

// NextState draws the next state by transition weight. Targets are visited
// in sorted name order so that a given random stream always yields the same
// walk regardless of map iteration order.
func NextState(rng *rand.Rand, transitions map[string]map[string]float64, current string) (string, error) {
	targets := transitions[current]
	if len(targets) == 0 {
		return "", errors.Errorf("state %q has no outgoing transitions", current)
	}
	names := make([]string, 0, len(targets))
	total := 0.0
	for name, weight := range targets {
		names = append(names, name)
		total += weight
	}
	sort.Strings(names)

	draw := rng.Float64() * total
	for _, name := range names {
		draw -= targets[name]
		if draw < 0 {
			return name, nil
		}
	}
	// Floating point accumulation can leave draw marginally above zero.
	return names[len(names)-1], nil
}

// DeriveSeed maps the run seed and a worker index to the worker's private
// seed using a splitmix64-style mixer, so distinct workers get decorrelated
// but reproducible streams.
func DeriveSeed(seed int64, worker int) int64 {
	z := uint64(seed) + uint64(worker+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
