package updatetracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwatch/internal/types"
)

func TestShouldUpdateSkipsWhenUpToDate(t *testing.T) {
	tags := types.Tags{
		types.TagRuntimeConfig: "rt1",
		types.TagNodeStatus:    string(types.UpToDate),
	}
	cfg := &types.ClusterConfig{}

	_, should := ShouldUpdate(tags, "rt1", "", types.NodeTypeConfig{}, cfg, false)
	assert.False(t, should)
}

func TestShouldUpdateFiresOnStaleRuntime(t *testing.T) {
	tags := types.Tags{
		types.TagRuntimeConfig: "rt-old",
		types.TagNodeStatus:    string(types.UpToDate),
	}
	cfg := &types.ClusterConfig{WorkerStartRayCommands: []string{"ray start"}}

	instr, should := ShouldUpdate(tags, "rt-new", "", types.NodeTypeConfig{}, cfg, false)
	require.True(t, should)
	assert.Equal(t, []string{"ray start"}, instr.StartRayCommands)
}

func TestShouldUpdateAlwaysUsesClusterStartRayCommands(t *testing.T) {
	tags := types.Tags{types.TagRuntimeConfig: "rt-old"}
	cfg := &types.ClusterConfig{WorkerStartRayCommands: []string{"cluster default"}}
	nt := types.NodeTypeConfig{InitCommands: []string{"gpu start"}}

	instr, should := ShouldUpdate(tags, "rt-new", "", nt, cfg, false)
	require.True(t, should)
	assert.Equal(t, []string{"cluster default"}, instr.StartRayCommands)
}

func TestShouldUpdateRestartOnlyHonorsNoRestart(t *testing.T) {
	tags := types.Tags{types.TagRuntimeConfig: "rt-old"}
	cfg := &types.ClusterConfig{RestartOnlyFlag: true, NoRestartFlag: true}

	instr, should := ShouldUpdate(tags, "rt-new", "", types.NodeTypeConfig{}, cfg, false)
	require.True(t, should)
	assert.False(t, instr.RestartOnly)
}

func TestDispatchAndReapSuccess(t *testing.T) {
	tr := New(func(types.NodeID) Updater {
		return UpdaterFunc(func(ctx context.Context, instr types.UpdateInstruction) error { return nil })
	})

	ok := tr.Dispatch("node-1", types.UpdateInstruction{})
	require.True(t, ok)
	assert.False(t, tr.CanUpdate("node-1"))

	require.Eventually(t, func() bool {
		reaped := tr.ReapCompleted()
		return len(reaped) == 1 && reaped[0] == types.NodeID("node-1")
	}, time.Second, 5*time.Millisecond)

	assert.True(t, tr.CanUpdate("node-1"))
}

func TestDispatchAndReapFailurePermanentlyExcludes(t *testing.T) {
	tr := New(func(types.NodeID) Updater {
		return UpdaterFunc(func(ctx context.Context, instr types.UpdateInstruction) error {
			return errors.New("boom")
		})
	})

	tr.Dispatch("node-1", types.UpdateInstruction{})

	require.Eventually(t, func() bool {
		return len(tr.ReapCompleted()) > 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, tr.CanUpdate("node-1"))

	tr.ClearFailure("node-1")
	assert.True(t, tr.CanUpdate("node-1"))
}

func TestDispatchRejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	tr := New(func(types.NodeID) Updater {
		return UpdaterFunc(func(ctx context.Context, instr types.UpdateInstruction) error {
			<-release
			return nil
		})
	})

	ok := tr.Dispatch("node-1", types.UpdateInstruction{})
	require.True(t, ok)

	ok = tr.Dispatch("node-1", types.UpdateInstruction{})
	assert.False(t, ok)
	assert.Equal(t, 1, tr.InFlight())

	close(release)
	require.Eventually(t, func() bool { return len(tr.ReapCompleted()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestRecoverIfNeededDispatchesRestartOnlyAfterTimeout(t *testing.T) {
	tr := New(nil)
	now := time.Unix(1000, 0)
	stale := now.Add(-time.Minute).Unix()

	recovered := tr.RecoverIfNeeded(
		[]types.NodeID{"node-1"},
		map[string]int64{"10.0.0.1": stale},
		func(types.NodeID) string { return "10.0.0.1" },
		now,
		30*time.Second,
		func(id types.NodeID) types.UpdateInstruction {
			return types.UpdateInstruction{NodeID: id}
		},
	)

	assert.Equal(t, []types.NodeID{"node-1"}, recovered)
}

func TestRecoverIfNeededSkipsFreshHeartbeat(t *testing.T) {
	tr := New(nil)
	now := time.Unix(1000, 0)
	fresh := now.Add(-time.Second).Unix()

	recovered := tr.RecoverIfNeeded(
		[]types.NodeID{"node-1"},
		map[string]int64{"10.0.0.1": fresh},
		func(types.NodeID) string { return "10.0.0.1" },
		now,
		30*time.Second,
		func(id types.NodeID) types.UpdateInstruction { return types.UpdateInstruction{} },
	)

	assert.Empty(t, recovered)
}
