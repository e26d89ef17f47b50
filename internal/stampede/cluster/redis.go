package cluster

import (
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
)

// RedisCluster targets a Redis deployment, standalone or replicated
// (primary/replica). A Redis "database" and "collection" are key-prefix
// namespaces; the logical cluster time is a dedicated clock key advanced
// with INCR so that timestamps are totally ordered across the run.
type RedisCluster struct {
	opts   Options
	runID  string
	client *redis.Client
	topo   Topology
	// Namespaces handed out by PrepareNamespaces; deleted again on Teardown.
	namespaces []Namespace
}

// NewRedisCluster fills in defaults and validates opts. The returned cluster
// holds no connection until Setup is called.
func NewRedisCluster(opts Options) (*RedisCluster, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &RedisCluster{
		opts:  opts,
		runID: strings.ToLower(shortuuid.New())[:8],
	}, nil
}

// Setup establishes the shared connection pool, verifies connectivity to
// every requested node, and validates the discovered topology against the
// requested options.
func (c *RedisCluster) Setup() error {
	c.client = redis.NewClient(&redis.Options{
		Addr:     c.opts.Addrs[0],
		Password: c.opts.Password,
	})

	g := errgroup.Group{}
	for _, addr := range c.opts.Addrs {
		addr := addr
		g.Go(func() error { return c.pingNode(addr) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	topo, err := c.discoverTopology()
	if err != nil {
		return err
	}
	if c.opts.Replication && !topo.Replicated() {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "replication",
			Value:   true,
			Message: "target is a standalone deployment",
		})
	}
	if c.opts.Replication && topo.Nodes < c.opts.NodeCount {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name:    "nodeCount",
			Value:   c.opts.NodeCount,
			Message: "target has only " + strconv.Itoa(topo.Nodes) + " nodes",
		})
	}
	c.topo = topo
	log.WithFields(log.Fields{"topology": topo.Kind, "nodes": topo.Nodes, "runId": c.runID}).
		Info("cluster setup complete")
	return nil
}

// pingNode verifies connectivity to one node, retrying with backoff since
// replicas may still be syncing when a run starts.
func (c *RedisCluster) pingNode(addr string) error {
	probe := redis.NewClient(&redis.Options{Addr: addr, Password: c.opts.Password})
	defer probe.Close()
	err := retry.Do(
		func() error { return probe.Ping().Err() },
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return errors.WithMessagef(errors.WithStack(err), "pinging node %s", addr)
}

// discoverTopology probes the primary. Targets that do not implement INFO
// (in-process test servers) are treated as standalone.
func (c *RedisCluster) discoverTopology() (Topology, error) {
	if clusterInfo, err := c.client.ClusterInfo().Result(); err == nil &&
		strings.Contains(clusterInfo, "cluster_enabled:1") {
		return Topology{}, errors.WithStack(&stampedeerrors.ErrUnsupported{
			Feature: "sharded cluster",
			Message: "target has Redis cluster mode enabled",
		})
	}

	info, err := c.client.Info("replication").Result()
	if err != nil {
		return Topology{Kind: TopologyStandalone, Nodes: 1}, nil
	}
	role := infoField(info, "role")
	replicas, _ := strconv.Atoi(infoField(info, "connected_slaves"))
	if role == "master" && replicas > 0 {
		return Topology{Kind: TopologyReplicated, Nodes: replicas + 1}, nil
	}
	return Topology{Kind: TopologyStandalone, Nodes: 1}, nil
}

// infoField extracts a "name:value" field from an INFO response.
func infoField(info, name string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, name+":") {
			return strings.TrimPrefix(line, name+":")
		}
	}
	return ""
}

func (c *RedisCluster) Topology() Topology {
	return c.topo
}

func (c *RedisCluster) Handle(name string) Handle {
	return &redisHandle{
		name:     name,
		client:   c.client,
		clockKey: c.clockKey(),
	}
}

func (c *RedisCluster) clockKey() string {
	return "stampede:" + c.runID + ":clock"
}

// PrepareNamespaces assigns one namespace per workload. With sameDB all
// workloads share a database; with sameCollection they additionally share the
// collection inside it. Names carry a per-run suffix so concurrent or retried
// runs never collide; any keys left under an assigned namespace are deleted.
func (c *RedisCluster) PrepareNamespaces(workloadNames []string, sameDB, sameCollection bool) (map[string]Namespace, error) {
	sharedDB := "db_" + c.runID
	sharedColl := "coll_" + c.runID
	out := make(map[string]Namespace, len(workloadNames))
	for _, name := range workloadNames {
		ns := Namespace{DB: name + "_" + c.runID, Collection: name + "_" + c.runID}
		if sameDB || sameCollection {
			ns.DB = sharedDB
		}
		if sameCollection {
			ns.Collection = sharedColl
		}
		if err := c.clearNamespace(ns); err != nil {
			return nil, err
		}
		out[name] = ns
		c.namespaces = append(c.namespaces, ns)
	}
	return out, nil
}

func (c *RedisCluster) clearNamespace(ns Namespace) error {
	keys, err := c.client.Keys(ns.Prefix() + "*").Result()
	if err != nil {
		return errors.WithMessagef(errors.WithStack(err), "listing keys under %s", ns.Prefix())
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(keys...).Err(); err != nil {
		return errors.WithMessagef(errors.WithStack(err), "clearing namespace %s", ns.Prefix())
	}
	return nil
}

// Teardown deletes the run's namespaces and clock key and closes the pool.
func (c *RedisCluster) Teardown() error {
	if c.client == nil {
		return nil
	}
	for _, ns := range c.namespaces {
		if err := c.clearNamespace(ns); err != nil {
			return err
		}
	}
	if err := c.client.Del(c.clockKey()).Err(); err != nil && err != redis.Nil {
		return errors.WithMessage(errors.WithStack(err), "deleting clock key")
	}
	return errors.WithStack(c.client.Close())
}

type redisHandle struct {
	name     string
	client   *redis.Client
	clockKey string
}

func (h *redisHandle) Name() string {
	return h.name
}

func (h *redisHandle) Client() redis.UniversalClient {
	return h.client
}

func (h *redisHandle) ClusterTime() (int64, error) {
	t, err := h.client.Incr(h.clockKey).Result()
	if err != nil {
		return 0, errors.WithMessage(errors.WithStack(err), "fetching logical cluster time")
	}
	return t, nil
}
