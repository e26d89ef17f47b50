package workloads

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

func init() {
	register("deque", newDequeWorkload)
}

// newDequeWorkload stresses a shared list with concurrent pushes and pops.
// Push and pop counts are tracked in shadow keys; once all workers have
// drained, the remaining list length must equal pushes minus pops.
func newDequeWorkload() *workload.Config {
	return &workload.Config{
		Name:       "deque",
		StartState: "push",
		States: map[string]workload.StateFunc{
			"push":   dequePush,
			"pop":    dequePop,
			"length": dequeLength,
		},
		Transitions: map[string]map[string]float64{
			"push":   {"push": 0.4, "pop": 0.4, "length": 0.2},
			"pop":    {"push": 0.5, "pop": 0.3, "length": 0.2},
			"length": {"push": 0.6, "pop": 0.4},
		},
		Iterations:  200,
		ThreadCount: 10,
		Teardown:    dequeTeardown,
	}
}

func dequePush(rc *workload.RunContext) error {
	pipe := rc.Handle.Client().TxPipeline()
	pipe.LPush(rc.Key("deque", "items"), rc.Rand.Int63())
	pipe.Incr(rc.Key("deque", "pushed"))
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func dequePop(rc *workload.RunContext) error {
	client := rc.Handle.Client()
	_, err := client.RPop(rc.Key("deque", "items")).Result()
	if err == redis.Nil {
		// Popping from an empty deque is a legal race outcome.
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(client.Incr(rc.Key("deque", "popped")).Err())
}

func dequeLength(rc *workload.RunContext) error {
	length, err := rc.Handle.Client().LLen(rc.Key("deque", "items")).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	// Safe under arbitrary interference: a list length is never negative.
	if length < 0 {
		return errors.Errorf("deque has negative length %d", length)
	}
	return nil
}

func dequeTeardown(rc *workload.RunContext) error {
	client := rc.Handle.Client()
	length, err := client.LLen(rc.Key("deque", "items")).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if rc.AssertLevel.ShouldAssert(workload.AssertOwnColl) {
		pushed, err := getInt64(client, rc.Key("deque", "pushed"))
		if err != nil {
			return err
		}
		popped, err := getInt64(client, rc.Key("deque", "popped"))
		if err != nil {
			return err
		}
		if length != pushed-popped {
			return errors.Errorf("deque length %d does not match %d pushed - %d popped", length, pushed, popped)
		}
	}
	return nil
}
