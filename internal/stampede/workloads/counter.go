package workloads

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

func init() {
	register("counter", newCounterWorkload)
}

// newCounterWorkload stresses concurrent increments of a single shared
// counter. Every increment atomically advances the counter and a shadow
// "expected" key in one transaction, so at teardown the two must agree —
// a mismatch means the store lost or tore a transaction under load.
func newCounterWorkload() *workload.Config {
	return &workload.Config{
		Name:       "counter",
		StartState: "init",
		States: map[string]workload.StateFunc{
			"init":      counterInit,
			"increment": counterIncrement,
			"read":      counterRead,
		},
		Transitions: map[string]map[string]float64{
			"init":      {"increment": 1},
			"increment": {"increment": 0.6, "read": 0.4},
			"read":      {"increment": 0.8, "read": 0.2},
		},
		Data: map[string]interface{}{
			"maxIncrement": 10,
		},
		Iterations:  200,
		ThreadCount: 10,
		Setup:       counterSetup,
		Teardown:    counterTeardown,
	}
}

func counterSetup(rc *workload.RunContext) error {
	pipe := rc.Handle.Client().TxPipeline()
	pipe.Set(rc.Key("counter", "total"), 0, 0)
	pipe.Set(rc.Key("counter", "expected"), 0, 0)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func counterInit(rc *workload.RunContext) error {
	rc.Scratch["lastSeen"] = int64(0)
	return nil
}

func counterIncrement(rc *workload.RunContext) error {
	max := int64(rc.Data["maxIncrement"].(int))
	delta := rc.Rand.Int63n(max) + 1

	pipe := rc.Handle.Client().TxPipeline()
	pipe.IncrBy(rc.Key("counter", "total"), delta)
	pipe.IncrBy(rc.Key("counter", "expected"), delta)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func counterRead(rc *workload.RunContext) error {
	total, err := getInt64(rc.Handle.Client(), rc.Key("counter", "total"))
	if err != nil {
		return err
	}
	// With a private collection nobody else may shrink the counter, so a
	// thread must never observe it going backwards.
	if rc.AssertLevel.ShouldAssert(workload.AssertOwnColl) {
		if last := rc.Scratch["lastSeen"].(int64); total < last {
			return errors.Errorf("counter went backwards: read %d after %d", total, last)
		}
	}
	rc.Scratch["lastSeen"] = total
	return nil
}

func counterTeardown(rc *workload.RunContext) error {
	client := rc.Handle.Client()
	total, err := getInt64(client, rc.Key("counter", "total"))
	if err != nil {
		return err
	}
	if total < 0 {
		return errors.Errorf("counter is negative: %d", total)
	}
	if rc.AssertLevel.ShouldAssert(workload.AssertOwnColl) {
		expected, err := getInt64(client, rc.Key("counter", "expected"))
		if err != nil {
			return err
		}
		if total != expected {
			return errors.Errorf("counter total %d does not match expected %d", total, expected)
		}
	}
	return nil
}

// getInt64 reads an integer key, treating a missing key as zero.
func getInt64(client redis.UniversalClient, key string) (int64, error) {
	v, err := client.Get(key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return v, nil
}
