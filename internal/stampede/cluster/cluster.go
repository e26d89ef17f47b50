// Package cluster abstracts the target data store topology for a workload
// run. It validates that the discovered topology matches what a run
// requested, hands out session-like handles to workers, and owns the
// key namespaces that back workload "databases" and "collections".
package cluster

import (
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
)

// TopologyKind identifies the shape of the target deployment.
type TopologyKind string

const (
	TopologyStandalone TopologyKind = "standalone"
	TopologyReplicated TopologyKind = "replicated"
)

// Topology describes the discovered target deployment.
type Topology struct {
	Kind  TopologyKind
	Nodes int
}

func (t Topology) Replicated() bool {
	return t.Kind == TopologyReplicated
}

// Options are the topology requirements for a run. Defaults are filled in by
// ApplyDefaults and the struct is frozen after Validate has been called.
type Options struct {
	// Node addresses, primary first. Defaults to a single local node.
	Addrs    []string `yaml:"addrs" mapstructure:"addrs"`
	Password string   `yaml:"password" mapstructure:"password"`
	// If true, the target must be a replicated deployment of at least
	// NodeCount nodes.
	Replication bool `yaml:"replication" mapstructure:"replication"`
	NodeCount   int  `yaml:"nodeCount" mapstructure:"nodeCount"`
	// Sharded targets are not supported and fail validation.
	Sharded bool `yaml:"sharded" mapstructure:"sharded"`
	// Sharing flags: whether all workloads in the run use the same backing
	// database, and the same collection within it.
	SameDB         bool `yaml:"sameDB" mapstructure:"sameDB"`
	SameCollection bool `yaml:"sameCollection" mapstructure:"sameCollection"`
	// Seed for the run's deterministic random source. 0 means the
	// orchestrator picks one and logs it.
	Seed int64 `yaml:"seed" mapstructure:"seed"`
}

// ApplyDefaults fills in unspecified options in place.
func (o *Options) ApplyDefaults() {
	if len(o.Addrs) == 0 {
		o.Addrs = []string{"127.0.0.1:6379"}
	}
	if o.Replication && o.NodeCount == 0 {
		o.NodeCount = 2
	}
}

// Validate checks topology requirements. Sharded topologies are explicitly
// unsupported and fail fast here, before any connection is attempted.
func (o Options) Validate() error {
	if o.Sharded {
		return errors.WithStack(&stampedeerrors.ErrUnsupported{
			Feature: "sharded cluster",
			Message: "request a standalone or replicated target instead",
		})
	}
	if o.Replication && o.NodeCount < 2 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "nodeCount",
			Value:   o.NodeCount,
			Message: "a replicated topology needs at least 2 nodes",
		})
	}
	if !o.Replication && o.NodeCount > 1 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "nodeCount",
			Value:   o.NodeCount,
			Message: "more than one node requires replication to be enabled",
		})
	}
	if !o.Replication && len(o.Addrs) > 1 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "addrs",
			Value:   o.Addrs,
			Message: "more than one address requires replication to be enabled",
		})
	}
	return nil
}

// Namespace is the backing storage assigned to one workload: a database and
// a collection within it, realised as a key prefix on the target store.
type Namespace struct {
	DB         string
	Collection string
}

// Prefix returns the key prefix all of the namespace's keys live under.
func (ns Namespace) Prefix() string {
	return "stampede:" + ns.DB + ":" + ns.Collection + ":"
}

// Key builds a key inside the namespace.
func (ns Namespace) Key(parts ...string) string {
	return ns.Prefix() + strings.Join(parts, ":")
}

// Handle is a session-like accessor drawn from the cluster's shared
// connection pool. All handles of a run share one pool; no additional
// synchronisation is layered on top of the store client.
type Handle interface {
	// Name identifies the handle owner, e.g., a workload name or "main".
	Name() string
	// Client exposes the underlying store client.
	Client() redis.UniversalClient
	// ClusterTime returns the current logical cluster time. Successive calls
	// return strictly increasing values, so a timestamp fetched once can be
	// used as a causal-consistency baseline for sessions started later.
	ClusterTime() (int64, error)
}

// Cluster abstracts the target deployment for the duration of one run.
type Cluster interface {
	// Setup provisions connectivity and validates that the discovered
	// topology matches the requested options.
	Setup() error
	// Teardown releases the run's resources on the target.
	Teardown() error
	// Topology reports the discovered topology. Only valid after Setup.
	Topology() Topology
	// Handle returns a named session-like accessor.
	Handle(name string) Handle
	// PrepareNamespaces assigns each workload its backing namespace per the
	// sharing flags and clears any keys left under those namespaces.
	PrepareNamespaces(workloadNames []string, sameDB, sameCollection bool) (map[string]Namespace, error)
}
