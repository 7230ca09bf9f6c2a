package status

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwatch/internal/kvsink"
	"github.com/cuemby/fleetwatch/internal/types"
)

func TestRenderListsNodeTypesSorted(t *testing.T) {
	out := Render(Snapshot{
		Time:            time.Unix(0, 0),
		NodeCountByType: map[string]int{"gpu": 1, "small": 3},
		PendingByType:   map[string]int{"gpu": 2},
	})

	assert.Contains(t, out, "gpu: 1 running, 2 pending")
	assert.Contains(t, out, "small: 3 running, 0 pending")
	assert.Less(t, strings.Index(out, "gpu:"), strings.Index(out, "small:"))
}

func TestRenderIncludesFailedUpdateNodes(t *testing.T) {
	out := Render(Snapshot{
		FailedUpdateNodes: []types.NodeID{"node-2", "node-1"},
	})

	assert.Contains(t, out, "Nodes excluded after failed update: node-1, node-2")
}

func TestRenderIncludesLastError(t *testing.T) {
	out := Render(Snapshot{LastError: errors.New("launch quota exceeded")})
	assert.Contains(t, out, "Last error: launch quota exceeded")
}

func TestReportWithNilSinkOnlyRenders(t *testing.T) {
	r := New(nil)
	out, err := r.Report(Snapshot{NodeCountByType: map[string]int{"small": 1}})
	require.NoError(t, err)
	assert.Contains(t, out, "small: 1 running")
}

func TestReportPersistsToSink(t *testing.T) {
	sink, err := kvsink.Open(t.TempDir())
	require.NoError(t, err)
	defer sink.Close()

	r := New(sink)
	_, err = r.Report(Snapshot{NodeCountByType: map[string]int{"small": 1}, LastError: errors.New("boom")})
	require.NoError(t, err)

	status, err := sink.Status()
	require.NoError(t, err)
	assert.Contains(t, status, "small: 1 running")

	errMsg, err := sink.Error()
	require.NoError(t, err)
	assert.Equal(t, "boom", errMsg)
}

func TestReportClearsErrorOnSuccess(t *testing.T) {
	sink, err := kvsink.Open(t.TempDir())
	require.NoError(t, err)
	defer sink.Close()

	r := New(sink)
	_, err = r.Report(Snapshot{LastError: errors.New("boom")})
	require.NoError(t, err)

	_, err = r.Report(Snapshot{})
	require.NoError(t, err)

	errMsg, err := sink.Error()
	require.NoError(t, err)
	assert.Empty(t, errMsg)
}
