package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwatch/internal/types"
)

func nodeTypes() map[string]types.NodeTypeConfig {
	return map[string]types.NodeTypeConfig{
		"small": {
			Resources:  types.ResourceBundle{"CPU": 4},
			MinWorkers: 1,
			MaxWorkers: 5,
		},
		"gpu": {
			Resources:  types.ResourceBundle{"CPU": 8, "GPU": 1},
			MinWorkers: 0,
			MaxWorkers: 3,
		},
	}
}

func TestGetNodesToLaunchSatisfiesMinWorkers(t *testing.T) {
	s := New(nodeTypes(), 10, 1.0)

	toLaunch, err := s.GetNodesToLaunch(nil, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, toLaunch["small"])
	assert.Equal(t, 0, toLaunch["gpu"])
}

func TestGetNodesToLaunchRespectsExistingNodes(t *testing.T) {
	s := New(nodeTypes(), 10, 1.0)

	existing := []TypedNode{{ID: "n1", TypeName: "small"}}
	toLaunch, err := s.GetNodesToLaunch(existing, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, toLaunch["small"])
}

func TestGetNodesToLaunchCountsPendingTowardMin(t *testing.T) {
	s := New(nodeTypes(), 10, 1.0)

	toLaunch, err := s.GetNodesToLaunch(nil, map[string]int{"small": 1}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, toLaunch["small"])
}

func TestGetNodesToLaunchSatisfiesDemand(t *testing.T) {
	s := New(nodeTypes(), 10, 1.0)

	demand := []types.ResourceBundle{{"CPU": 8, "GPU": 1}}
	toLaunch, err := s.GetNodesToLaunch(nil, nil, demand, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, toLaunch["gpu"], 1)
}

func TestGetNodesToLaunchHonorsMaxWorkersCeiling(t *testing.T) {
	s := New(nodeTypes(), 1, 1.0)

	existing := []TypedNode{{ID: "n1", TypeName: "small"}}
	toLaunch, err := s.GetNodesToLaunch(existing, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, toLaunch["small"])
	assert.Equal(t, 0, toLaunch["gpu"])
}

func TestGetNodesToLaunchErrorsWhenUnconfigured(t *testing.T) {
	s := &Scheduler{}
	_, err := s.GetNodesToLaunch(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestResetConfigDefaultsUpscalingSpeed(t *testing.T) {
	s := New(nodeTypes(), 10, 0)
	assert.Equal(t, 1.0, s.upscalingSpeed)
}

func TestDebugString(t *testing.T) {
	s := New(nodeTypes(), 10, 1.0)
	out := s.DebugString([]TypedNode{{ID: "n1", TypeName: "small"}}, map[string]int{"gpu": 1})
	assert.Contains(t, out, "small=1")
	assert.Contains(t, out, "gpu=0(+1 pending)")
}
