package workloads

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
	"github.com/stampedeproject/stampede/internal/stampede/cluster"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

// withRunContext hands the test a RunContext wired to an in-process server,
// set up the way a worker would see it.
func withRunContext(t *testing.T, name string, action func(rc *workload.RunContext)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cl, err := cluster.NewRedisCluster(cluster.Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	require.NoError(t, cl.Setup())
	defer cl.Teardown()

	namespaces, err := cl.PrepareNamespaces([]string{name}, false, false)
	require.NoError(t, err)

	cfg, err := Get(name)
	require.NoError(t, err)

	action(&workload.RunContext{
		Ctx:         context.Background(),
		Handle:      cl.Handle(name),
		Namespace:   namespaces[name],
		Rand:        rand.New(rand.NewSource(1)),
		ThreadID:    0,
		AssertLevel: workload.AssertOwnDB,
		Data:        cfg.CloneData(),
		Scratch:     make(map[string]interface{}),
	})
}

func TestGetUnknownWorkload(t *testing.T) {
	_, err := Get("nosuchthing")
	require.Error(t, err)
	assert.True(t, stampedeerrors.IsValidationError(err))
}

func TestGetReturnsFreshConfig(t *testing.T) {
	first, err := Get("counter")
	require.NoError(t, err)
	first.ThreadCount = 1
	first.Data["maxIncrement"] = 1000

	second, err := Get("counter")
	require.NoError(t, err)
	assert.NotEqual(t, 1, second.ThreadCount)
	assert.Equal(t, 10, second.Data["maxIncrement"])
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "counter")
	assert.Contains(t, names, "deque")
	assert.True(t, sort.StringsAreSorted(names))
}

// Every registered workload must be a well-formed FSM.
func TestRegisteredConfigsAreValid(t *testing.T) {
	for _, name := range Names() {
		cfg, err := Get(name)
		require.NoError(t, err)
		assert.NoError(t, cfg.Validate(), name)
	}
}

func TestCounterLifecycle(t *testing.T) {
	withRunContext(t, "counter", func(rc *workload.RunContext) {
		require.NoError(t, counterSetup(rc))
		require.NoError(t, counterInit(rc))
		for i := 0; i < 10; i++ {
			require.NoError(t, counterIncrement(rc))
			require.NoError(t, counterRead(rc))
		}
		assert.Positive(t, rc.Scratch["lastSeen"].(int64))
		require.NoError(t, counterTeardown(rc))
	})
}

func TestCounterTeardownDetectsLostIncrement(t *testing.T) {
	withRunContext(t, "counter", func(rc *workload.RunContext) {
		require.NoError(t, counterSetup(rc))
		require.NoError(t, counterIncrement(rc))

		// Simulate a torn transaction: the shadow key advanced but the
		// counter did not.
		require.NoError(t, rc.Handle.Client().IncrBy(rc.Key("counter", "expected"), 5).Err())

		err := counterTeardown(rc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match expected")
	})
}

func TestCounterReadDetectsRegression(t *testing.T) {
	withRunContext(t, "counter", func(rc *workload.RunContext) {
		require.NoError(t, counterSetup(rc))
		require.NoError(t, counterInit(rc))
		require.NoError(t, counterIncrement(rc))
		require.NoError(t, counterRead(rc))

		require.NoError(t, rc.Handle.Client().DecrBy(rc.Key("counter", "total"), 100).Err())

		err := counterRead(rc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "went backwards")
	})
}

func TestDequePushPopLength(t *testing.T) {
	withRunContext(t, "deque", func(rc *workload.RunContext) {
		require.NoError(t, dequePush(rc))
		require.NoError(t, dequePush(rc))
		require.NoError(t, dequePop(rc))
		require.NoError(t, dequeLength(rc))

		length, err := rc.Handle.Client().LLen(rc.Key("deque", "items")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), length)

		require.NoError(t, dequeTeardown(rc))
	})
}

func TestDequePopFromEmptyIsLegal(t *testing.T) {
	withRunContext(t, "deque", func(rc *workload.RunContext) {
		require.NoError(t, dequePop(rc))
		popped, err := rc.Handle.Client().Get(rc.Key("deque", "popped")).Result()
		assert.Error(t, err)
		assert.Empty(t, popped)
	})
}

func TestDequeTeardownDetectsMismatch(t *testing.T) {
	withRunContext(t, "deque", func(rc *workload.RunContext) {
		require.NoError(t, dequePush(rc))

		// An item appearing outside the push state breaks the accounting.
		require.NoError(t, rc.Handle.Client().LPush(rc.Key("deque", "items"), "rogue").Err())

		err := dequeTeardown(rc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")
	})
}

// Running the full FSM against a live target exercises every state through
// the weighted transition table.
func TestWorkloadsRunEndToEnd(t *testing.T) {
	for _, name := range Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			withRunContext(t, name, func(rc *workload.RunContext) {
				cfg, err := Get(name)
				require.NoError(t, err)
				cfg.Iterations = 30

				if cfg.Setup != nil {
					require.NoError(t, cfg.Setup(rc))
				}
				require.NoError(t, workload.Run(cfg, rc))
				require.NoError(t, cfg.Teardown(rc))
			})
		})
	}
}
