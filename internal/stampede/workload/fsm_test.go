package workload

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesConfiguredIterations(t *testing.T) {
	visits := make(map[string]int)
	cfg := testConfig("walk")
	cfg.Iterations = 50
	cfg.States["read"] = func(rc *RunContext) error { visits["read"]++; return nil }
	cfg.States["write"] = func(rc *RunContext) error { visits["write"]++; return nil }

	rc := &RunContext{
		Ctx:     context.Background(),
		Rand:    rand.New(rand.NewSource(1)),
		Scratch: make(map[string]interface{}),
	}
	require.NoError(t, Run(cfg, rc))
	assert.Equal(t, 50, visits["read"]+visits["write"])
	// With these weights both states are visited on any realistic walk.
	assert.Greater(t, visits["read"], 0)
	assert.Greater(t, visits["write"], 0)
}

func TestRunWrapsStateErrors(t *testing.T) {
	cfg := testConfig("failing")
	boom := assert.AnError
	cfg.States["read"] = func(rc *RunContext) error { return boom }

	rc := &RunContext{Ctx: context.Background(), Rand: rand.New(rand.NewSource(1))}
	err := Run(cfg, rc)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `state "read"`)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	cfg := testConfig("cancelled")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := &RunContext{Ctx: ctx, Rand: rand.New(rand.NewSource(1))}
	assert.Error(t, Run(cfg, rc))
}

func TestNextStateIsDeterministic(t *testing.T) {
	transitions := map[string]map[string]float64{
		"a": {"a": 0.2, "b": 0.5, "c": 0.3},
		"b": {"a": 1},
		"c": {"a": 1},
	}

	walk := func(seed int64) []string {
		rng := rand.New(rand.NewSource(seed))
		state := "a"
		var states []string
		for i := 0; i < 100; i++ {
			next, err := NextState(rng, transitions, state)
			require.NoError(t, err)
			states = append(states, next)
			state = next
		}
		return states
	}

	assert.Equal(t, walk(42), walk(42))
	assert.NotEqual(t, walk(42), walk(43))
}

func TestNextStateRespectsWeights(t *testing.T) {
	transitions := map[string]map[string]float64{
		"a":     {"heavy": 0.9, "light": 0.1},
		"heavy": {"a": 1},
		"light": {"a": 1},
	}
	rng := rand.New(rand.NewSource(7))
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		next, err := NextState(rng, transitions, "a")
		require.NoError(t, err)
		counts[next]++
	}
	assert.Greater(t, counts["heavy"], counts["light"])
}

func TestNextStateWithoutTransitions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NextState(rng, map[string]map[string]float64{}, "a")
	assert.Error(t, err)
}

func TestDeriveSeedIsReproducible(t *testing.T) {
	for worker := 0; worker < 10; worker++ {
		assert.Equal(t, DeriveSeed(99, worker), DeriveSeed(99, worker))
	}
	assert.NotEqual(t, DeriveSeed(99, 0), DeriveSeed(99, 1))
	assert.NotEqual(t, DeriveSeed(99, 0), DeriveSeed(100, 0))
}
