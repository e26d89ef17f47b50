package cluster

import (
	"sync/atomic"

	"github.com/go-redis/redis"
)

// FakeCluster is an in-memory Cluster used to test orchestration logic in
// isolation from a real target. Its logical clock is a plain atomic counter
// and its handles expose no store client.
type FakeCluster struct {
	Topo        Topology
	SetupErr    error
	TeardownErr error

	SetupCalls    int
	TeardownCalls int
	Prepared      map[string]Namespace

	clock int64
}

func NewFakeCluster() *FakeCluster {
	return &FakeCluster{Topo: Topology{Kind: TopologyStandalone, Nodes: 1}}
}

func (f *FakeCluster) Setup() error {
	f.SetupCalls++
	return f.SetupErr
}

func (f *FakeCluster) Teardown() error {
	f.TeardownCalls++
	return f.TeardownErr
}

func (f *FakeCluster) Topology() Topology {
	return f.Topo
}

func (f *FakeCluster) Handle(name string) Handle {
	return &fakeHandle{name: name, clock: &f.clock}
}

func (f *FakeCluster) PrepareNamespaces(workloadNames []string, sameDB, sameCollection bool) (map[string]Namespace, error) {
	out := make(map[string]Namespace, len(workloadNames))
	for _, name := range workloadNames {
		ns := Namespace{DB: name, Collection: name}
		if sameDB || sameCollection {
			ns.DB = "shared"
		}
		if sameCollection {
			ns.Collection = "shared"
		}
		out[name] = ns
	}
	f.Prepared = out
	return out, nil
}

// AdvanceClock moves the logical clock forward, e.g. to simulate effects of
// setup operations.
func (f *FakeCluster) AdvanceClock(n int64) {
	atomic.AddInt64(&f.clock, n)
}

type fakeHandle struct {
	name  string
	clock *int64
}

func (h *fakeHandle) Name() string {
	return h.name
}

func (h *fakeHandle) Client() redis.UniversalClient {
	return nil
}

func (h *fakeHandle) ClusterTime() (int64, error) {
	return atomic.AddInt64(h.clock, 1), nil
}
