// Package reconciler implements the autoscaler's single-tick control loop:
// snapshotting provider state, terminating idle/outdated/excess
// nodes, launching to satisfy node-type floors and resource demand,
// reaping and dispatching per-node updaters, and probing for heartbeat
// recoveries. It also exposes the public control API an external
// monitor loop drives.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetwatch/internal/binpack"
	"github.com/cuemby/fleetwatch/internal/config"
	"github.com/cuemby/fleetwatch/internal/kvsink"
	"github.com/cuemby/fleetwatch/internal/launchpool"
	"github.com/cuemby/fleetwatch/internal/loadmetrics"
	"github.com/cuemby/fleetwatch/internal/log"
	"github.com/cuemby/fleetwatch/internal/metrics"
	"github.com/cuemby/fleetwatch/internal/nodetag"
	"github.com/cuemby/fleetwatch/internal/provider"
	"github.com/cuemby/fleetwatch/internal/scheduler"
	"github.com/cuemby/fleetwatch/internal/status"
	"github.com/cuemby/fleetwatch/internal/types"
	"github.com/cuemby/fleetwatch/internal/updatetracker"
)

// Severity classifies a tick failure for the monitor loop.
type Severity int

const (
	SeverityTransient Severity = iota
	SeverityFatal
)

// TickError wraps a tick failure with its severity. Only a fatal error is
// ever returned from Update(); transient failures are logged, published to
// the debug KV sink, and counted toward the consecutive-failure budget
// internally.
type TickError struct {
	Severity Severity
	Err      error
}

func (e *TickError) Error() string { return e.Err.Error() }
func (e *TickError) Unwrap() error { return e.Err }

// Reconciler owns the tick loop's state. All of it (updaters, failure
// counters, the resource demand vector) is confined to the goroutine that
// calls Update(), except the demand vector (written by RequestResources)
// and the launch pool's own pending-launch bookkeeping.
type Reconciler struct {
	provider provider.NodeProvider
	cfg      *config.Refresher
	load     *loadmetrics.LoadMetrics
	pool     *launchpool.Pool
	tracker  *updatetracker.Tracker
	sched    *scheduler.Scheduler
	reporter *status.Reporter
	logger   zerolog.Logger

	demandMu     sync.Mutex
	demandVector []types.ResourceBundle

	lastUpdateTime time.Time
	numFailures    int
	lastSnapshot   status.Snapshot
}

// New constructs a Reconciler. updaterFactory controls what Updater each
// per-node dispatch uses; pass nil to use updatetracker's no-op stand-in.
func New(cfg *config.Refresher, prov provider.NodeProvider, load *loadmetrics.LoadMetrics, sink *kvsink.Sink, updaterFactory func(types.NodeID) updatetracker.Updater) *Reconciler {
	c := cfg.Config()
	numWorkers := launchpool.NumWorkersFor(c.MaxConcurrentLaunches, c.MaxLaunchBatch)

	return &Reconciler{
		provider: prov,
		cfg:      cfg,
		load:     load,
		pool:     launchpool.New(prov, numWorkers, c.MaxLaunchBatch),
		tracker:  updatetracker.New(updaterFactory),
		sched:    scheduler.New(c.AvailableNodeTypes, c.MaxWorkers, c.UpscalingSpeed),
		reporter: status.New(sink),
		logger:   log.WithComponent("reconciler"),
	}
}

// RequestResources replaces the externally requested resource demand
// vector wholesale.
func (r *Reconciler) RequestResources(bundles []types.ResourceBundle) {
	r.demandMu.Lock()
	defer r.demandMu.Unlock()
	r.demandVector = bundles
}

func (r *Reconciler) resourceDemandVector() []types.ResourceBundle {
	r.demandMu.Lock()
	defer r.demandMu.Unlock()
	return r.demandVector
}

// KillWorkers terminates every managed worker via the provider. Failures
// are logged, never returned: this is a best-effort operator command, not
// a tick.
func (r *Reconciler) KillWorkers(ctx context.Context) {
	ids, err := r.provider.NonTerminatedNodes(ctx, provider.TagFilters{"kind": string(types.NodeKindWorker)})
	if err != nil {
		r.logger.Error().Err(err).Msg("kill_workers: listing nodes failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := r.provider.TerminateNodes(ctx, ids); err != nil {
		r.logger.Error().Err(err).Msg("kill_workers: termination failed")
		return
	}
	r.logger.Info().Int("count", len(ids)).Msg("kill_workers: terminated all workers")
}

// Stop shuts down the launch pool's worker goroutines.
func (r *Reconciler) Stop() {
	r.pool.Stop()
}

// Update is the entry point an external monitor calls periodically.
// It returns a non-nil error only when the consecutive-failure budget is
// exhausted, signaling the monitor process should exit.
func (r *Reconciler) Update(ctx context.Context) error {
	if err := r.cfg.Reset(false); err != nil {
		r.logger.Error().Err(err).Msg("config refresh failed")
		metrics.ConfigRefreshesTotal.WithLabelValues("failure").Inc()
	} else {
		metrics.ConfigRefreshesTotal.WithLabelValues("success").Inc()
	}

	c := r.cfg.Config()
	if !r.lastUpdateTime.IsZero() {
		minInterval := time.Duration(c.UpdateIntervalSeconds) * time.Second
		if time.Since(r.lastUpdateTime) < minInterval {
			return nil
		}
	}

	r.sched.ResetConfig(c.AvailableNodeTypes, c.MaxWorkers, c.UpscalingSpeed)

	timer := metrics.NewTimer()
	err := r.tickOnce(ctx, c)
	timer.ObserveDuration(metrics.TickDuration)

	if err == nil {
		metrics.TicksTotal.WithLabelValues("success").Inc()
		r.numFailures = 0
		r.lastUpdateTime = time.Now()
		metrics.ConsecutiveFailures.Set(0)
		snap := r.lastSnapshot
		snap.Time = time.Now()
		snap.LastError = nil
		if _, rerr := r.reporter.Report(snap); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("publishing status failed")
		}
		return nil
	}

	exempt := provider.IsTransportRetryExhausted(r.provider.Kind(), err)
	if !exempt {
		r.numFailures++
	}
	metrics.TicksTotal.WithLabelValues("failure").Inc()
	metrics.ConsecutiveFailures.Set(float64(r.numFailures))
	r.logger.Error().Err(err).Bool("k8s_transport_exempt", exempt).Int("consecutive_failures", r.numFailures).Msg("tick failed")

	snap := r.lastSnapshot
	snap.Time = time.Now()
	snap.LastError = err
	if _, rerr := r.reporter.Report(snap); rerr != nil {
		r.logger.Warn().Err(rerr).Msg("publishing error failed")
	}

	if r.numFailures > c.MaxFailures {
		return &TickError{Severity: SeverityFatal, Err: fmt.Errorf("exceeded max_failures (%d): %w", c.MaxFailures, err)}
	}
	return nil
}

// nodeInfo is the per-node snapshot taken once per tick and threaded
// through every later step instead of re-querying the provider.
type nodeInfo struct {
	id   types.NodeID
	tags types.Tags
	ip   string
}

func (r *Reconciler) tickOnce(ctx context.Context, c *types.ClusterConfig) error {
	// Step 1: snapshot.
	allIDs, err := r.provider.NonTerminatedNodes(ctx, provider.TagFilters{})
	if err != nil {
		return fmt.Errorf("listing non-terminated nodes: %w", err)
	}

	infos := make([]nodeInfo, 0, len(allIDs))
	infoByID := make(map[types.NodeID]nodeInfo, len(allIDs))
	activeIPs := make(map[string]struct{}, len(allIDs))
	var workers []nodeInfo

	for _, id := range allIDs {
		tags, err := r.provider.NodeTags(ctx, id)
		if err != nil {
			return fmt.Errorf("reading tags for %s: %w", id, err)
		}
		ip, err := r.provider.InternalIP(ctx, id)
		if err != nil {
			return fmt.Errorf("reading internal ip for %s: %w", id, err)
		}
		info := nodeInfo{id: id, tags: tags, ip: ip}
		infos = append(infos, info)
		infoByID[id] = info
		if k := tags.Kind(); k == types.NodeKindWorker || k == types.NodeKindUnmanaged {
			activeIPs[ip] = struct{}{}
		}
		if tags.Kind() == types.NodeKindWorker {
			workers = append(workers, info)
		}
	}
	r.load.PruneActiveIPs(activeIPs)

	// Sort workers most-recently-used first; an IP with no
	// recorded use sorts older than any known IP.
	lastUsed := r.load.LastUsedTimeByIP()
	minKnown := int64(0)
	first := true
	for _, v := range lastUsed {
		if first || v < minKnown {
			minKnown = v
			first = false
		}
	}
	lastUsedOf := func(ip string) int64 {
		if v, ok := lastUsed[ip]; ok {
			return v
		}
		return minKnown - 1
	}
	sort.SliceStable(workers, func(i, j int) bool {
		return lastUsedOf(workers[i].ip) > lastUsedOf(workers[j].ip)
	})

	// Step 2: terminate idle/outdated, protecting nodes needed for
	// min_workers or to satisfy the request_resources demand vector,
	// unless the node's launch config is stale: launch_config_ok gates
	// every other protection reason.
	demand := r.resourceDemandVector()
	capacities := make([]types.ResourceBundle, len(workers))
	for i, w := range workers {
		if nt, ok := c.NodeTypeFor(w.tags); ok {
			capacities[i] = nt.Resources
		}
	}
	var unfulfilled, remaining []types.ResourceBundle
	if len(demand) > 0 {
		unfulfilled, remaining = binpack.Residual(capacities, demand)
	}

	horizon := time.Now().Add(-time.Duration(c.IdleTimeoutMinutes) * time.Minute).Unix()
	typeSeen := make(map[string]int)
	terminateSet := make(map[types.NodeID]struct{})

	for i, w := range workers {
		typeName := nodetag.NodeTypeName(w.tags)
		nt, hasType := c.NodeTypeFor(w.tags)

		keepForMin := false
		if hasType && typeName != "" {
			typeSeen[typeName]++
			floor := nt.MinWorkers
			if nt.MaxWorkers < floor {
				floor = nt.MaxWorkers
			}
			keepForMin = typeSeen[typeName] <= floor
		}

		keepForRequest := len(demand) > 0 && (len(unfulfilled) > 0 || !binpack.Equal(remaining[i], capacities[i]))

		launchOK := nodetag.LaunchConfigOK(w.tags, r.cfg.LaunchHashFor(typeName))

		if (keepForMin || keepForRequest) && launchOK {
			continue
		}

		idle := false
		if v, ok := lastUsed[w.ip]; ok && v < horizon {
			idle = true
		}
		if idle || !launchOK {
			terminateSet[w.id] = struct{}{}
		}
	}

	// Step 3: terminate excess, popping least-recently-used first.
	remainingCount := 0
	for _, w := range workers {
		if _, dead := terminateSet[w.id]; !dead {
			remainingCount++
		}
	}
	for i := len(workers) - 1; i >= 0 && remainingCount > c.MaxWorkers; i-- {
		if _, dead := terminateSet[workers[i].id]; dead {
			continue
		}
		terminateSet[workers[i].id] = struct{}{}
		remainingCount--
	}

	if len(terminateSet) > 0 {
		ids := make([]types.NodeID, 0, len(terminateSet))
		for id := range terminateSet {
			ids = append(ids, id)
		}
		if err := r.provider.TerminateNodes(ctx, ids); err != nil {
			return fmt.Errorf("terminating nodes: %w", err)
		}
		metrics.TerminationsTotal.WithLabelValues("scale_down").Add(float64(len(ids)))
		for _, id := range ids {
			r.tracker.ClearFailure(id)
		}
	}

	var survivingWorkers []nodeInfo
	for _, w := range workers {
		if _, dead := terminateSet[w.id]; !dead {
			survivingWorkers = append(survivingWorkers, w)
		}
	}
	workers = survivingWorkers

	var survivingAll []nodeInfo
	for _, n := range infos {
		if _, dead := terminateSet[n.id]; !dead {
			survivingAll = append(survivingAll, n)
		}
	}
	infos = survivingAll

	// Step 4: launch.
	typedNodes := make([]scheduler.TypedNode, len(infos))
	for i, n := range infos {
		typedNodes[i] = scheduler.TypedNode{ID: n.id, TypeName: nodetag.NodeTypeName(n.tags)}
	}
	_, pendingBreakdown := r.pool.PendingLaunches()
	toLaunch, err := r.sched.GetNodesToLaunch(typedNodes, pendingBreakdown, r.load.ResourceDemandVector(), demand)
	if err != nil {
		return fmt.Errorf("computing launches: %w", err)
	}
	for typeName, count := range toLaunch {
		if count <= 0 {
			continue
		}
		nt, ok := c.AvailableNodeTypes[typeName]
		if !ok {
			continue
		}
		merged, err := config.MergeNodeConfig(c, nt)
		if err != nil {
			r.logger.Error().Err(err).Str("node_type", typeName).Msg("merging node_config failed, skipping launch")
			continue
		}
		r.pool.LaunchNewNode(merged, count, typeName)
		metrics.LaunchesTotal.WithLabelValues(typeName, "requested").Add(float64(count))
	}

	// Step 5: reap finished updaters, marking their IP active so
	// idle-reclamation and recovery don't immediately refire.
	now := types.Now()
	for _, id := range r.tracker.ReapCompleted() {
		if info, ok := infoByID[id]; ok {
			r.load.MarkActive(info.ip, now.Unix())
		}
	}
	metrics.UpdatersInFlight.Set(float64(r.tracker.InFlight()))

	// Step 6: dispatch updates.
	runtimeHash := r.cfg.RuntimeHash()
	fmcHash := r.cfg.FileMountsContentsHash()
	for _, w := range workers {
		if !r.tracker.CanUpdate(w.id) {
			continue
		}
		nt, _ := c.NodeTypeFor(w.tags)
		instr, ok := updatetracker.ShouldUpdate(w.tags, runtimeHash, fmcHash, nt, c, c.FileMountsSyncContinuously)
		if !ok {
			continue
		}
		instr.NodeID = w.id
		if r.tracker.Dispatch(w.id, instr) {
			metrics.UpdatesTotal.WithLabelValues("dispatched").Inc()
		}
	}

	// Step 7: recovery probes.
	heartbeatTimeout := time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
	lastHeartbeatByIP := make(map[string]int64, len(workers))
	ids := make([]types.NodeID, len(workers))
	for i, w := range workers {
		lastHeartbeatByIP[w.ip] = r.load.EnsureHeartbeat(w.ip, now.Unix())
		ids[i] = w.id
	}
	recovered := r.tracker.RecoverIfNeeded(
		ids,
		lastHeartbeatByIP,
		func(id types.NodeID) string { return infoByID[id].ip },
		now,
		heartbeatTimeout,
		func(id types.NodeID) types.UpdateInstruction {
			return types.UpdateInstruction{NodeID: id, StartRayCommands: c.WorkerStartRayCommands}
		},
	)
	metrics.RecoveriesTotal.Add(float64(len(recovered)))

	nodeCountByType := make(map[string]int)
	for _, n := range infos {
		if name := nodetag.NodeTypeName(n.tags); name != "" {
			nodeCountByType[name]++
		}
	}
	_, finalPendingBreakdown := r.pool.PendingLaunches()
	r.lastSnapshot = status.Snapshot{
		NodeCountByType:      nodeCountByType,
		PendingByType:        finalPendingBreakdown,
		FailedUpdateNodes:    r.tracker.FailedNodes(),
		UpdatesInFlight:      r.tracker.InFlight(),
		ResourceDemandVector: demand,
		SchedulerDebugString: r.sched.DebugString(typedNodes, finalPendingBreakdown),
		LoadMetricsInfo:      r.load.InfoString(),
	}

	return nil
}
