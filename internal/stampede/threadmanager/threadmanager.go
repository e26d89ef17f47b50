// Package threadmanager owns the worker pool of a run: it sizes per-workload
// thread counts under the global cap, spawns one worker per (workload,
// thread) pair, tracks the failure ratio, and joins all workers while
// collecting their failures.
package threadmanager

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stampedeproject/stampede/internal/common/stampedeerrors"
	"github.com/stampedeproject/stampede/internal/stampede/cluster"
	"github.com/stampedeproject/stampede/internal/stampede/metrics"
	"github.com/stampedeproject/stampede/internal/stampede/workload"
)

const progressInterval = 5 * time.Second

// Manager owns the worker pool for one run. The orchestrator drives it
// strictly through Init -> SpawnAll -> CheckFailed -> JoinAll; only the
// spawned workers themselves run concurrently.
type Manager struct {
	workloads  []*workload.Config
	context    workload.Context
	maxThreads int

	workers   []*worker
	wg        sync.WaitGroup
	completed int64
	failed    int64
	joined    bool

	progressStop chan struct{}
	progressDone sync.WaitGroup
}

// worker is one spawned execution unit. failure is written by the worker
// goroutine before it signals the WaitGroup, so it may only be read after
// JoinAll.
type worker struct {
	workload *workload.Config
	threadID int
	failure  *workload.Failure
}

// SpawnOptions carry everything a worker needs to start.
type SpawnOptions struct {
	Ctx         context.Context
	Cluster     cluster.Cluster
	Namespaces  map[string]cluster.Namespace
	Execution   workload.ExecutionOptions
	Seed        int64
	AssertLevel workload.AssertLevel
}

func New() *Manager {
	return &Manager{progressStop: make(chan struct{})}
}

// Init records the workload set and enforces the global thread cap: if the
// sum of declared thread counts exceeds maxThreads, all counts are scaled
// down proportionally, never below one per active workload. The adjusted
// counts are written back onto each workload's config so program code can
// read its own concurrency parameters.
func (m *Manager) Init(workloads []*workload.Config, ctx workload.Context, maxThreads int) error {
	if maxThreads < 1 {
		return errors.WithStack(&stampedeerrors.ErrInvalidArgument{
			Name: "maxThreads", Value: maxThreads, Message: "must be positive",
		})
	}
	requested := 0
	for _, cfg := range workloads {
		requested += cfg.ThreadCount
	}
	if requested > maxThreads {
		factor := float64(maxThreads) / float64(requested)
		for _, cfg := range workloads {
			scaled := int(math.Floor(float64(cfg.ThreadCount) * factor))
			if scaled < 1 {
				scaled = 1
			}
			log.WithFields(log.Fields{
				"workload": cfg.Name,
				"declared": cfg.ThreadCount,
				"scaled":   scaled,
			}).Info("scaling down workload thread count to respect the global cap")
			cfg.ThreadCount = scaled
		}
	}
	m.workloads = workloads
	m.context = ctx
	m.maxThreads = maxThreads
	return nil
}

// SpawnAll creates one worker per (workload, thread index) pair and starts
// them all. A worker that cannot start, e.g. because it has no namespace
// assigned, is still represented with terminal status so JoinAll accounts
// for it. May be called once per run.
func (m *Manager) SpawnAll(opts SpawnOptions) error {
	if m.workers != nil {
		return errors.New("workers have already been spawned")
	}
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	for _, cfg := range m.workloads {
		ns, ok := opts.Namespaces[cfg.Name]
		for t := 0; t < cfg.ThreadCount; t++ {
			w := &worker{workload: cfg, threadID: len(m.workers)}
			m.workers = append(m.workers, w)
			if !ok {
				w.failure = workload.NewFailure(
					errors.Errorf("no namespace assigned to workload %q", cfg.Name),
					strconv.Itoa(w.threadID),
					foregroundPhase(cfg),
				)
				m.recordFailure(cfg)
				atomic.AddInt64(&m.completed, 1)
				continue
			}
			m.wg.Add(1)
			go m.runWorker(w, ns, opts)
		}
	}
	m.progressDone.Add(1)
	go m.logProgress()
	log.WithFields(log.Fields{
		"workers":   len(m.workers),
		"workloads": len(m.workloads),
	}).Info("spawned all workers")
	return nil
}

func (m *Manager) runWorker(w *worker, ns cluster.Namespace, opts SpawnOptions) {
	defer m.wg.Done()
	defer atomic.AddInt64(&m.completed, 1)
	defer func() {
		if r := recover(); r != nil {
			w.failure = &workload.Failure{
				Message:    fmt.Sprintf("worker panic: %v", r),
				Stacktrace: string(debug.Stack()),
				ThreadID:   strconv.Itoa(w.threadID),
				Phase:      foregroundPhase(w.workload),
			}
			m.recordFailure(w.workload)
		}
	}()

	cfg := w.workload
	rc := &workload.RunContext{
		Ctx:         opts.Ctx,
		Handle:      opts.Cluster.Handle(fmt.Sprintf("%s-%d", cfg.Name, w.threadID)),
		Namespace:   ns,
		Rand:        rand.New(rand.NewSource(workload.DeriveSeed(opts.Seed, w.threadID))),
		ThreadID:    w.threadID,
		AssertLevel: opts.AssertLevel,
		Data:        cfg.CloneData(),
		Scratch:     make(map[string]interface{}),
	}
	if opts.Execution.Session != nil {
		rc.Session = *opts.Execution.Session
	}

	if err := m.verifyCausalBaseline(rc); err != nil {
		w.failure = workload.NewFailure(err, strconv.Itoa(w.threadID), foregroundPhase(cfg))
		m.recordFailure(cfg)
		return
	}
	if err := workload.Run(cfg, rc); err != nil {
		w.failure = workload.NewFailure(err, strconv.Itoa(w.threadID), foregroundPhase(cfg))
		m.recordFailure(cfg)
	}
}

// verifyCausalBaseline checks that the worker's session observes the
// bootstrap timestamp fetched by the orchestrator after setup, so every
// worker starts from a causal baseline reflecting setup's effects.
func (m *Manager) verifyCausalBaseline(rc *workload.RunContext) error {
	if !rc.Session.CausalConsistency || rc.Session.AfterClusterTime == 0 {
		return nil
	}
	now, err := rc.Handle.ClusterTime()
	if err != nil {
		return err
	}
	if now < rc.Session.AfterClusterTime {
		return errors.Errorf(
			"causal baseline not observed: cluster time %d is behind bootstrap timestamp %d",
			now, rc.Session.AfterClusterTime,
		)
	}
	return nil
}

func (m *Manager) recordFailure(cfg *workload.Config) {
	atomic.AddInt64(&m.failed, 1)
	metrics.WorkerFailuresTotal.WithLabelValues(cfg.Name).Inc()
}

// CheckFailed signals an abort condition if the fraction of failed workers
// exceeds maxRatio. It has no effect on running workers; it only informs
// whether the orchestrator considers the run healthy. Safe to call at any
// point between SpawnAll and after JoinAll.
func (m *Manager) CheckFailed(maxRatio float64) error {
	if len(m.workers) == 0 {
		return nil
	}
	failed := atomic.LoadInt64(&m.failed)
	ratio := m.FailureRatio()
	if ratio > maxRatio {
		return errors.Errorf(
			"%d of %d workers failed (%.0f%% exceeds the allowed %.0f%%)",
			failed, len(m.workers), ratio*100, maxRatio*100,
		)
	}
	return nil
}

// FailureRatio is failed workers over total spawned workers.
func (m *Manager) FailureRatio() float64 {
	if len(m.workers) == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.failed)) / float64(len(m.workers))
}

// JoinAll blocks until every spawned worker has terminated and returns the
// failures in spawn order. Workers that never started are included with
// their terminal status, so JoinAll cannot hang on them. Call exactly once
// per run.
func (m *Manager) JoinAll() []*workload.Failure {
	if m.joined {
		return m.failures()
	}
	m.wg.Wait()
	close(m.progressStop)
	m.progressDone.Wait()
	m.joined = true

	failures := m.failures()
	log.WithFields(log.Fields{
		"workers":  len(m.workers),
		"failures": len(failures),
	}).Info("joined all workers")
	return failures
}

func (m *Manager) failures() []*workload.Failure {
	var failures []*workload.Failure
	for _, w := range m.workers {
		if w.failure != nil {
			failures = append(failures, w.failure)
		}
	}
	return failures
}

// NumWorkers is the total number of spawned workers. Only meaningful after
// SpawnAll.
func (m *Manager) NumWorkers() int {
	return len(m.workers)
}

func (m *Manager) logProgress() {
	defer m.progressDone.Done()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.progressStop:
			return
		case <-ticker.C:
			log.WithFields(log.Fields{
				"completed": atomic.LoadInt64(&m.completed),
				"failed":    atomic.LoadInt64(&m.failed),
				"total":     len(m.workers),
			}).Info("workload run progress")
		}
	}
}

func foregroundPhase(cfg *workload.Config) string {
	return "Foreground " + cfg.Name
}
