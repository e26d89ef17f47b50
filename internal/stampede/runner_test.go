package stampede

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampedeproject/stampede/internal/stampede/cluster"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

func newTestRunner(fake *cluster.FakeCluster) *Runner {
	return &Runner{
		Out: &bytes.Buffer{},
		NewCluster: func(cluster.Options) (cluster.Cluster, error) {
			return fake, nil
		},
	}
}

// quietConfig returns a small workload whose states never touch a store, so
// it can run against the fake cluster.
func quietConfig(name string) *workload.Config {
	return &workload.Config{
		Name:       name,
		StartState: "work",
		States: map[string]workload.StateFunc{
			"work": func(*workload.RunContext) error { return nil },
		},
		Transitions: map[string]map[string]float64{
			"work": {"work": 1},
		},
		Iterations:  3,
		ThreadCount: 2,
	}
}

func TestRunSuccessTearsDownWorkloadsAndCluster(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	var teardowns int64
	a := quietConfig("a")
	a.Teardown = func(*workload.RunContext) error {
		atomic.AddInt64(&teardowns, 1)
		return nil
	}
	b := quietConfig("b")
	b.Teardown = func(*workload.RunContext) error {
		atomic.AddInt64(&teardowns, 1)
		return nil
	}

	err := runner.Run(context.Background(), []*workload.Config{a, b}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), teardowns)
	assert.Equal(t, 1, fake.SetupCalls)
	assert.Equal(t, 1, fake.TeardownCalls)
}

func TestRunWorkerFailuresAggregatedAndClusterKept(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	var teardowns int64
	cfg := quietConfig("flaky")
	cfg.Iterations = 1
	cfg.ThreadCount = 4
	cfg.States["work"] = func(*workload.RunContext) error {
		return errors.New("store returned garbage")
	}
	cfg.Teardown = func(*workload.RunContext) error {
		atomic.AddInt64(&teardowns, 1)
		return nil
	}

	err := runner.Run(context.Background(), []*workload.Config{cfg}, RunOptions{})
	require.Error(t, err)

	// Each failed worker contributes exactly one failure record; depending on
	// timing the failure-ratio check may add one more abort record on top.
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	workerFailures := 0
	for _, e := range merr.Errors {
		var failure *workload.Failure
		require.ErrorAs(t, e, &failure)
		if failure.Phase != "Foreground flaky" {
			continue
		}
		workerFailures++
		assert.Contains(t, failure.Message, "store returned garbage")
		assert.NotEmpty(t, failure.Stacktrace)
	}
	assert.Equal(t, 4, workerFailures)

	// The workload is still cleaned up, but the cluster is kept allocated
	// for post-mortem inspection.
	assert.Equal(t, int64(1), teardowns)
	assert.Equal(t, 0, fake.TeardownCalls)
}

func TestRunTeardownFailureRecordedAndRemainingTeardownsRun(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	var laterTorndown bool
	a := quietConfig("a")
	a.Teardown = func(*workload.RunContext) error {
		return errors.New("leftover keys")
	}
	b := quietConfig("b")
	b.Teardown = func(*workload.RunContext) error {
		laterTorndown = true
		return nil
	}

	err := runner.Run(context.Background(), []*workload.Config{a, b}, RunOptions{})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	var failure *workload.Failure
	require.ErrorAs(t, merr.Errors[0], &failure)
	assert.Equal(t, "Foreground Teardown", failure.Phase)
	assert.Equal(t, workload.MainThread, failure.ThreadID)
	assert.Contains(t, failure.Message, `teardown of workload "a"`)

	assert.True(t, laterTorndown)
	assert.Equal(t, 0, fake.TeardownCalls)
}

func TestRunSetupFailureOnlyTearsDownEarlierWorkloads(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	var torndown []string
	a := quietConfig("a")
	a.Teardown = func(*workload.RunContext) error {
		torndown = append(torndown, "a")
		return nil
	}
	b := quietConfig("b")
	b.Setup = func(*workload.RunContext) error {
		return errors.New("cannot seed data")
	}
	b.Teardown = func(*workload.RunContext) error {
		torndown = append(torndown, "b")
		return nil
	}

	err := runner.Run(context.Background(), []*workload.Config{a, b}, RunOptions{})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	var failure *workload.Failure
	require.ErrorAs(t, merr.Errors[0], &failure)
	assert.Equal(t, "Foreground", failure.Phase)
	assert.Contains(t, failure.Message, `setup of workload "b"`)

	// b's setup never completed, so only a gets torn down.
	assert.Equal(t, []string{"a"}, torndown)
}

func TestRunSkipsInapplicableWorkloads(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	var ran int64
	a := quietConfig("a")
	a.States["work"] = func(*workload.RunContext) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}
	b := quietConfig("b")
	b.Skip = func(topo cluster.Topology) string {
		if topo.Kind == cluster.TopologyStandalone {
			return "needs replication"
		}
		return ""
	}
	b.States["work"] = func(*workload.RunContext) error {
		t.Error("skipped workload must not run")
		return nil
	}

	err := runner.Run(context.Background(), []*workload.Config{a, b}, RunOptions{})
	require.NoError(t, err)
	assert.NotZero(t, atomic.LoadInt64(&ran))
}

func TestRunAllWorkloadsSkippedIsNotAFailure(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	cfg := quietConfig("a")
	cfg.Skip = func(cluster.Topology) string { return "never applicable" }

	err := runner.Run(context.Background(), []*workload.Config{cfg}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.TeardownCalls)
}

func TestRunClusterSetupFailureIsFatal(t *testing.T) {
	fake := cluster.NewFakeCluster()
	fake.SetupErr = errors.New("node unreachable")
	runner := newTestRunner(fake)

	err := runner.Run(context.Background(), []*workload.Config{quietConfig("a")}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster setup")
	assert.Equal(t, 0, fake.TeardownCalls)
}

func TestRunRejectsEmptyWorkloadList(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	err := runner.Run(context.Background(), nil, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, fake.SetupCalls)
}

func TestRunRejectsInvalidExecutionOptions(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	err := runner.Run(context.Background(), []*workload.Config{quietConfig("a")}, RunOptions{
		Execution: workload.ExecutionOptions{ThreadMultiplier: -1},
	})
	require.Error(t, err)
	assert.Equal(t, 0, fake.SetupCalls)
}

func TestRunCausalBaselineDoesNotMutateCallerOptions(t *testing.T) {
	fake := cluster.NewFakeCluster()
	runner := newTestRunner(fake)

	session := &workload.SessionOptions{CausalConsistency: true}
	opts := RunOptions{
		Execution: workload.ExecutionOptions{Session: session},
	}

	err := runner.Run(context.Background(), []*workload.Config{quietConfig("a")}, opts)
	require.NoError(t, err)

	// The baseline is injected into the run's private copy only.
	assert.Zero(t, session.AfterClusterTime)
	assert.Zero(t, session.AfterOperationTime)
}

func TestRunRejectsShardedTopology(t *testing.T) {
	runner := NewRunner()
	runner.Out = &bytes.Buffer{}

	err := runner.Run(context.Background(), []*workload.Config{quietConfig("a")}, RunOptions{
		Cluster: cluster.Options{Sharded: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sharded")
}
