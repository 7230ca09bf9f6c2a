// Package updatetracker decides which non-terminated node needs its setup
// commands re-applied, dispatches an updater for it, reaps updaters as
// they finish, and recovers nodes whose heartbeat has gone stale by
// dispatching a restart-only updater. The updater itself (SSH/kubectl
// exec, file sync, command execution) is out of fleetwatch's core scope;
// this package carries a concrete in-process stand-in so the tracker
// compiles, runs, and is exercised by tests.
package updatetracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetwatch/internal/log"
	"github.com/cuemby/fleetwatch/internal/nodetag"
	"github.com/cuemby/fleetwatch/internal/types"
)

// Updater runs an UpdateInstruction against one node. Run must be safe to
// call from a dedicated goroutine and should honor ctx cancellation.
type Updater interface {
	Run(ctx context.Context, instr types.UpdateInstruction) error
}

// UpdaterFunc adapts a plain function to the Updater interface.
type UpdaterFunc func(ctx context.Context, instr types.UpdateInstruction) error

// Run calls f.
func (f UpdaterFunc) Run(ctx context.Context, instr types.UpdateInstruction) error { return f(ctx, instr) }

// completion is posted back to the tracker's own goroutine by an updater's
// finishing goroutine, so updaters map mutation never happens concurrently
// from more than one place.
type completion struct {
	nodeID types.NodeID
	err    error
}

// Tracker owns the in-flight updaters map and the failed-node set the
// reconciler consults before new dispatch.
type Tracker struct {
	updaterFactory func(types.NodeID) Updater
	logger         zerolog.Logger

	mu       sync.Mutex
	updaters map[types.NodeID]context.CancelFunc
	failed   map[types.NodeID]struct{}

	done chan completion
}

// New constructs a Tracker. updaterFactory lets callers (and tests) control
// what concrete Updater each dispatch uses; a nil factory falls back to a
// no-op updater that succeeds immediately.
func New(updaterFactory func(types.NodeID) Updater) *Tracker {
	if updaterFactory == nil {
		updaterFactory = func(types.NodeID) Updater {
			return UpdaterFunc(func(ctx context.Context, instr types.UpdateInstruction) error { return nil })
		}
	}
	t := &Tracker{
		updaterFactory: updaterFactory,
		logger:         log.WithComponent("updatetracker"),
		updaters:       make(map[types.NodeID]context.CancelFunc),
		failed:         make(map[types.NodeID]struct{}),
		done:           make(chan completion, 64),
	}
	return t
}

// CanUpdate reports whether a node is eligible to receive a new updater:
// it must not already have one in flight and must not be in the permanent
// per-node failure set - a failed node stays excluded from further
// updates, not from termination.
func (t *Tracker) CanUpdate(id types.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, updating := t.updaters[id]; updating {
		return false
	}
	_, failed := t.failed[id]
	return !failed
}

// ShouldUpdate decides what instruction (if any) to dispatch for a
// non-terminated, non-head node, given its current tags and the config's
// freshly computed hashes. It returns nothing when the node's files are up
// to date and its status tag is up_to_date. Otherwise it returns an
// instruction carrying the node type's worker setup commands (the
// cluster's when the type has none), the cluster's worker start commands,
// and the merged docker config, with RestartOnly set from restart_only
// unless no_restart is also set. The instruction does not depend on
// whether the node has had a successful update before, and no_restart
// does not remove the start commands.
func ShouldUpdate(
	tags types.Tags,
	runtimeHash, fileMountsContentsHash string,
	nodeType types.NodeTypeConfig,
	cfg *types.ClusterConfig,
	continuousFileSync bool,
) (types.UpdateInstruction, bool) {
	// Launch config staleness is handled by the reconciler before
	// termination; ShouldUpdate only gates on runtime freshness.
	filesOK := nodetag.FilesUpToDate(tags, runtimeHash, fileMountsContentsHash, continuousFileSync)
	if filesOK && tags.Status() == types.UpToDate {
		return types.UpdateInstruction{}, false
	}

	docker, err := mergeDocker(cfg.Docker, nodeType.Docker)
	if err != nil {
		// A broken per-type docker override should not crash the tick;
		// fall back to the cluster-wide docker config untouched.
		docker = cfg.Docker
	}

	restartOnly := cfg.RestartOnly() && !cfg.NoRestart()

	setup := nodeType.WorkerSetupCommands
	if len(setup) == 0 {
		setup = cfg.WorkerSetupCommands
	}

	return types.UpdateInstruction{
		InitCommands:     setup,
		StartRayCommands: cfg.WorkerStartRayCommands,
		Docker:           docker,
		RestartOnly:      restartOnly,
	}, true
}

// mergeDocker deep-merges a node type's docker overrides onto the cluster
// default, the per-type block winning any conflicting key.
func mergeDocker(clusterDocker, nodeTypeDocker map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for k, v := range clusterDocker {
		merged[k] = v
	}
	if len(nodeTypeDocker) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, nodeTypeDocker, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging docker config: %w", err)
	}
	return merged, nil
}

// Dispatch starts an updater for id if CanUpdate(id) allows it. The
// updater runs on its own goroutine; its result is reported back to
// ReapCompleted via the tracker's internal completion channel, never by
// mutating the updaters map from the updater's own goroutine.
func (t *Tracker) Dispatch(id types.NodeID, instr types.UpdateInstruction) bool {
	if !t.CanUpdate(id) {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.updaters[id] = cancel
	t.mu.Unlock()

	updater := t.updaterFactory(id)
	logger := t.logger.With().Str("node_id", string(id)).Bool("restart_only", instr.RestartOnly).Logger()
	logger.Info().Msg("dispatching updater")

	go func() {
		err := updater.Run(ctx, instr)
		t.done <- completion{nodeID: id, err: err}
	}()

	return true
}

// ReapCompleted drains finished updaters without blocking, removing them
// from the in-flight map and recording permanent per-node failures: a
// failed update excludes the node from future updates, not from
// termination, which remains the reconciler's call. It returns every
// node whose updater just finished, so the caller can mark it active in
// load metrics.
func (t *Tracker) ReapCompleted() []types.NodeID {
	var reaped []types.NodeID
	for {
		select {
		case c := <-t.done:
			t.mu.Lock()
			delete(t.updaters, c.nodeID)
			if c.err != nil {
				t.failed[c.nodeID] = struct{}{}
			}
			t.mu.Unlock()
			logger := t.logger.With().Str("node_id", string(c.nodeID)).Logger()
			if c.err != nil {
				logger.Error().Err(c.err).Msg("updater failed")
			} else {
				logger.Info().Msg("updater completed")
			}
			reaped = append(reaped, c.nodeID)
		default:
			return reaped
		}
	}
}

// InFlight reports how many updaters are currently running.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.updaters)
}

// ClearFailure drops a node from the permanent failure set, e.g. once it
// has been terminated and its ID can never recur.
func (t *Tracker) ClearFailure(id types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, id)
}

// FailedNodes returns every node currently excluded from updates after a
// past dispatch failed.
func (t *Tracker) FailedNodes() []types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]types.NodeID, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	return ids
}

// RecoverIfNeeded dispatches a restart-only updater to any node whose
// last heartbeat is older than heartbeatTimeout; recovery never re-runs
// setup commands, only restarts the runtime.
func (t *Tracker) RecoverIfNeeded(
	nodes []types.NodeID,
	lastHeartbeatByIP map[string]int64,
	ipOf func(types.NodeID) string,
	now time.Time,
	heartbeatTimeout time.Duration,
	instrFor func(types.NodeID) types.UpdateInstruction,
) []types.NodeID {
	var recovered []types.NodeID
	for _, id := range nodes {
		ip := ipOf(id)
		last, ok := lastHeartbeatByIP[ip]
		if !ok {
			continue
		}
		if now.Sub(time.Unix(last, 0)) <= heartbeatTimeout {
			continue
		}
		instr := instrFor(id)
		instr.RestartOnly = true
		if t.Dispatch(id, instr) {
			recovered = append(recovered, id)
		}
	}
	return recovered
}
