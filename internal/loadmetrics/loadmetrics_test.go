package loadmetrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetwatch/internal/types"
)

func TestMarkActiveAndLastUsedTimeByIP(t *testing.T) {
	m := New("10.0.0.1")
	m.MarkActive("10.0.0.2", 100)

	assert.Equal(t, int64(100), m.LastUsedTimeByIP()["10.0.0.2"])
}

func TestEnsureHeartbeatOnlySetsOnce(t *testing.T) {
	m := New("10.0.0.1")

	first := m.EnsureHeartbeat("10.0.0.2", 100)
	assert.Equal(t, int64(100), first)

	second := m.EnsureHeartbeat("10.0.0.2", 200)
	assert.Equal(t, int64(100), second)
}

func TestPruneActiveIPsDropsStaleEntriesButKeepsLocal(t *testing.T) {
	m := New("10.0.0.1")
	m.MarkActive("10.0.0.1", 1)
	m.MarkActive("10.0.0.2", 2)
	m.MarkActive("10.0.0.3", 3)
	m.Heartbeat("10.0.0.3", 3)

	m.PruneActiveIPs(map[string]struct{}{"10.0.0.2": {}})

	lastUsed := m.LastUsedTimeByIP()
	assert.Contains(t, lastUsed, "10.0.0.1")
	assert.Contains(t, lastUsed, "10.0.0.2")
	assert.NotContains(t, lastUsed, "10.0.0.3")
	assert.NotContains(t, m.LastHeartbeatTimeByIP(), "10.0.0.3")
}

func TestResourceDemandVectorRoundTrips(t *testing.T) {
	m := New("10.0.0.1")
	bundles := []types.ResourceBundle{{"CPU": 4}}
	m.SetResourceDemandVector(bundles)

	assert.Equal(t, bundles, m.ResourceDemandVector())
}

func TestStaticNodeResourcesByIPOuterMapIsACopy(t *testing.T) {
	m := New("10.0.0.1")
	m.SetStaticNodeResources("10.0.0.2", types.ResourceBundle{"CPU": 2})

	snapshot := m.StaticNodeResourcesByIP()
	snapshot["10.0.0.3"] = types.ResourceBundle{"CPU": 8}

	assert.NotContains(t, m.StaticNodeResourcesByIP(), "10.0.0.3")
}

func TestInfoStringReportsCounts(t *testing.T) {
	m := New("10.0.0.1")
	m.MarkActive("10.0.0.2", 1)
	m.SetResourceDemandVector([]types.ResourceBundle{{"CPU": 1}})

	out := m.InfoString()
	assert.Contains(t, out, "known_ips=1")
	assert.Contains(t, out, "demand_bundles=1")
}
