// Package stampede contains the lifecycle orchestrator for concurrent
// workload runs: it validates options, provisions the cluster, sequences
// workload setup, worker spawn and join, and workload teardown with
// guaranteed cleanup, and aggregates every recorded failure into a single
// error raised at the end of the run.
package stampede

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stampedeproject/stampede/internal/stampede/cluster"
	"github.com/stampedeproject/stampede/internal/stampede/metrics"
	"github.com/stampedeproject/stampede/internal/stampede/threadmanager"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

// maxFailureRatio is the fraction of spawned workers that may fail before
// the run is considered aborted.
const maxFailureRatio = 0.2

// RunOptions bundle the topology requirements and execution scaling for one
// run.
type RunOptions struct {
	Cluster   cluster.Options
	Execution workload.ExecutionOptions
}

// Runner orchestrates one workload run end to end.
type Runner struct {
	// Out is used to write human-readable output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the output.
	Out io.Writer
	// NewCluster constructs the cluster abstraction for a run. Tests inject
	// an in-memory fake here.
	NewCluster func(cluster.Options) (cluster.Cluster, error)
}

func NewRunner() *Runner {
	return &Runner{
		Out: os.Stdout,
		NewCluster: func(opts cluster.Options) (cluster.Cluster, error) {
			return cluster.NewRedisCluster(opts)
		},
	}
}

// Run executes the given workloads concurrently against one shared cluster.
//
// The lifecycle is: validate options, build the execution context, set up
// the cluster, filter inapplicable workloads, prepare shared namespaces,
// set up each workload, fetch the causal-consistency baseline, spawn all
// workers, join them all, and tear down every workload whose setup
// succeeded. Worker join and workload teardown are guaranteed even when an
// earlier step fails. Every recorded failure becomes exactly one
// workload.Failure in the returned aggregate error.
//
// On any failure the cluster is deliberately left allocated so its state is
// available for post-mortem inspection; only an error-free run tears the
// cluster down.
func (r *Runner) Run(ctx context.Context, configs []*workload.Config, opts RunOptions) error {
	start := time.Now()
	runID := uuid.New().String()

	// Validate and freeze the execution options before any side effect. The
	// session struct is copied so the one-time bootstrap injection below
	// never mutates the caller's options.
	exec := opts.Execution
	exec.ApplyDefaults()
	if err := exec.Validate(); err != nil {
		return err
	}
	if exec.Session != nil {
		session := *exec.Session
		exec.Session = &session
	}

	level := workload.AssertLevelFromSharing(opts.Cluster.SameDB, opts.Cluster.SameCollection)

	wctx, err := workload.LoadContext(configs, exec)
	if err != nil {
		return err
	}

	cl, err := r.NewCluster(opts.Cluster)
	if err != nil {
		return err
	}
	mgr := threadmanager.New()

	// All per-thread randomness derives reproducibly from this seed.
	seed := opts.Cluster.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	logger := log.WithFields(log.Fields{
		"runId":       runID,
		"workloads":   workloadNames(configs),
		"seed":        seed,
		"assertLevel": level,
	})
	logger.Info("starting workload run")
	fmt.Fprintf(r.Out, "starting workload run %v\n", workloadNames(configs))

	if err := cl.Setup(); err != nil {
		return errors.WithMessage(err, "cluster setup")
	}

	// Workloads that declare themselves inapplicable to the discovered
	// topology are skipped, which is not a failure.
	topo := cl.Topology()
	var active []*workload.Config
	for _, cfg := range configs {
		if cfg.Skip != nil {
			if reason := cfg.Skip(topo); reason != "" {
				logger.WithFields(log.Fields{"workload": cfg.Name, "reason": reason}).
					Info("skipping workload inapplicable to this topology")
				continue
			}
		}
		active = append(active, cfg)
	}
	if len(active) == 0 {
		logger.Info("no workload applies to this topology")
		return errors.WithMessage(cl.Teardown(), "cluster teardown")
	}

	namespaces, err := cl.PrepareNamespaces(workloadNames(active), opts.Cluster.SameDB, opts.Cluster.SameCollection)
	if err != nil {
		return errors.WithMessage(err, "preparing namespaces")
	}

	if err := mgr.Init(active, wctx, exec.MaxAllowedThreads()); err != nil {
		return err
	}

	var result *multierror.Error
	var cleanup []*workload.Config

	fatal := func() (fatal error) {
		// Guaranteed cleanup: every workload whose setup completed is torn
		// down exactly once, regardless of how the run went. A teardown
		// failure is recorded but does not stop the remaining teardowns.
		defer func() {
			for _, cfg := range cleanup {
				if cfg.Teardown == nil {
					continue
				}
				rc := mainRunContext(ctx, cl, cfg, namespaces[cfg.Name], seed, level, exec)
				if err := cfg.Teardown(rc); err != nil {
					metrics.TeardownFailuresTotal.Inc()
					result = multierror.Append(result, workload.NewFailure(
						errors.WithMessagef(err, "teardown of workload %q", cfg.Name),
						workload.MainThread,
						"Foreground Teardown",
					))
				}
			}
		}()

		// A failed setup is fatal and aborts the run immediately; only the
		// workloads already on the cleanup worklist get torn down.
		for _, cfg := range active {
			if cfg.Setup != nil {
				rc := mainRunContext(ctx, cl, cfg, namespaces[cfg.Name], seed, level, exec)
				if err := cfg.Setup(rc); err != nil {
					return errors.WithMessagef(err, "setup of workload %q", cfg.Name)
				}
			}
			cleanup = append(cleanup, cfg)
		}

		// Fetch the causal-consistency baseline exactly once, from the
		// control handle, before any worker starts: workers then begin from
		// a logical timestamp that reflects the effects of setup.
		if exec.Session != nil && exec.Session.CausalConsistency {
			now, err := cl.Handle("main").ClusterTime()
			if err != nil {
				return errors.WithMessage(err, "fetching causal-consistency baseline")
			}
			exec.Session.AfterClusterTime = now
			exec.Session.AfterOperationTime = now
		}

		return func() (fatal error) {
			// Guaranteed cleanup: workers are never abandoned. Joining
			// happens even when the spawn or the failure-ratio check above
			// it signals an abort.
			defer func() {
				for _, f := range mgr.JoinAll() {
					result = multierror.Append(result, f)
				}
				if err := mgr.CheckFailed(maxFailureRatio); err != nil {
					logger.WithError(err).Error("aborting run: worker failure ratio exceeded")
				}
			}()
			if err := mgr.SpawnAll(threadmanager.SpawnOptions{
				Ctx:         ctx,
				Cluster:     cl,
				Namespaces:  namespaces,
				Execution:   exec,
				Seed:        seed,
				AssertLevel: level,
			}); err != nil {
				return err
			}
			return mgr.CheckFailed(maxFailureRatio)
		}()
	}()
	if fatal != nil {
		result = multierror.Append(result, workload.NewFailure(fatal, workload.MainThread, "Foreground"))
	}

	elapsed := time.Since(start).Milliseconds()
	if err := result.ErrorOrNil(); err != nil {
		// The cluster is intentionally not torn down here: its state is kept
		// for post-mortem inspection of the failure.
		logger.WithFields(log.Fields{"elapsedMs": elapsed, "failures": len(result.Errors)}).
			Error("workload run failed")
		return err
	}

	if err := cl.Teardown(); err != nil {
		return errors.WithMessage(err, "cluster teardown")
	}
	logger.WithField("elapsedMs", elapsed).Info("workload run complete")
	fmt.Fprintf(r.Out, "workload run %v completed in %dms\n", workloadNames(configs), elapsed)
	return nil
}

// mainRunContext builds the RunContext used for a workload's main-thread
// setup and teardown hooks. Unlike worker contexts it sees the original
// shared data bag, so values written during setup are visible in teardown.
func mainRunContext(
	ctx context.Context,
	cl cluster.Cluster,
	cfg *workload.Config,
	ns cluster.Namespace,
	seed int64,
	level workload.AssertLevel,
	exec workload.ExecutionOptions,
) *workload.RunContext {
	rc := &workload.RunContext{
		Ctx:         ctx,
		Handle:      cl.Handle(cfg.Name + "-main"),
		Namespace:   ns,
		Rand:        rand.New(rand.NewSource(workload.DeriveSeed(seed, -1))),
		ThreadID:    -1,
		AssertLevel: level,
		Data:        cfg.Data,
		Scratch:     make(map[string]interface{}),
	}
	if exec.Session != nil {
		rc.Session = *exec.Session
	}
	return rc
}

func workloadNames(configs []*workload.Config) []string {
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		names = append(names, cfg.Name)
	}
	return names
}
