// Package loadmetrics holds the consumed load-metrics collaborator:
// per-IP last-used and last-heartbeat timestamps populated by the monitor
// from node heartbeats, plus the workload-observed resource demand. The
// aggregation that fills these maps in from real heartbeats is out of
// fleetwatch's core scope; this package only carries the concrete,
// mutex-guarded storage the reconciler reads and the monitor writes.
package loadmetrics

import (
	"fmt"
	"sync"

	"github.com/cuemby/fleetwatch/internal/types"
)

// LoadMetrics is safe for concurrent use: the monitor goroutine writes
// heartbeat/last-used timestamps while the reconciler goroutine reads them.
type LoadMetrics struct {
	mu sync.RWMutex

	localIP string

	lastUsedTimeByIP      map[string]int64
	lastHeartbeatTimeByIP map[string]int64

	resourceDemandVector    []types.ResourceBundle
	resourceUtilization     types.ResourceBundle
	pendingPlacementGroups  []map[string]any
	staticNodeResourcesByIP map[string]types.ResourceBundle
}

// New creates an empty LoadMetrics.
func New(localIP string) *LoadMetrics {
	return &LoadMetrics{
		localIP:                 localIP,
		lastUsedTimeByIP:        make(map[string]int64),
		lastHeartbeatTimeByIP:   make(map[string]int64),
		staticNodeResourcesByIP: make(map[string]types.ResourceBundle),
	}
}

// LocalIP returns the head node's own IP, which is always considered active.
func (m *LoadMetrics) LocalIP() string { return m.localIP }

// MarkActive records that ip has been used "now" (Unix seconds), keeping a
// freshly updated node from immediately tripping idle reclamation.
func (m *LoadMetrics) MarkActive(ip string, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsedTimeByIP[ip] = now
}

// Heartbeat records a heartbeat received from ip.
func (m *LoadMetrics) Heartbeat(ip string, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeatTimeByIP[ip] = now
}

// LastUsedTimeByIP returns a snapshot of the last-used map.
func (m *LoadMetrics) LastUsedTimeByIP() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneInt64Map(m.lastUsedTimeByIP)
}

// LastHeartbeatTimeByIP returns a snapshot of the last-heartbeat map.
func (m *LoadMetrics) LastHeartbeatTimeByIP() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneInt64Map(m.lastHeartbeatTimeByIP)
}

// EnsureHeartbeat initializes a grace-period heartbeat timestamp for ip if
// none is recorded yet, returning the (possibly just-set) value.
func (m *LoadMetrics) EnsureHeartbeat(ip string, now int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.lastHeartbeatTimeByIP[ip]; ok {
		return t
	}
	m.lastHeartbeatTimeByIP[ip] = now
	return now
}

// PruneActiveIPs drops last-used/heartbeat entries for IPs no longer in the
// union of managed and unmanaged worker IPs.
func (m *LoadMetrics) PruneActiveIPs(activeIPs map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip := range m.lastUsedTimeByIP {
		if ip == m.localIP {
			continue
		}
		if _, ok := activeIPs[ip]; !ok {
			delete(m.lastUsedTimeByIP, ip)
		}
	}
	for ip := range m.lastHeartbeatTimeByIP {
		if ip == m.localIP {
			continue
		}
		if _, ok := activeIPs[ip]; !ok {
			delete(m.lastHeartbeatTimeByIP, ip)
		}
	}
}

// SetResourceDemandVector replaces the workload-observed demand wholesale.
func (m *LoadMetrics) SetResourceDemandVector(bundles []types.ResourceBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceDemandVector = bundles
}

// ResourceDemandVector returns the current demand vector.
func (m *LoadMetrics) ResourceDemandVector() []types.ResourceBundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resourceDemandVector
}

// ResourceUtilization returns the current cluster-wide utilization snapshot.
func (m *LoadMetrics) ResourceUtilization() types.ResourceBundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resourceUtilization
}

// SetResourceUtilization is called by the monitor as heartbeats update
// per-node usage.
func (m *LoadMetrics) SetResourceUtilization(u types.ResourceBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceUtilization = u
}

// PendingPlacementGroups returns pending placement group requests.
func (m *LoadMetrics) PendingPlacementGroups() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingPlacementGroups
}

// StaticNodeResourcesByIP returns each known node's declared (not live)
// resource capacity, keyed by internal IP.
func (m *LoadMetrics) StaticNodeResourcesByIP() map[string]types.ResourceBundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.ResourceBundle, len(m.staticNodeResourcesByIP))
	for k, v := range m.staticNodeResourcesByIP {
		out[k] = v
	}
	return out
}

// SetStaticNodeResources records a node's declared capacity, keyed by IP.
func (m *LoadMetrics) SetStaticNodeResources(ip string, r types.ResourceBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staticNodeResourcesByIP[ip] = r
}

// InfoString renders a short human-readable summary of known IPs and
// outstanding demand bundles.
func (m *LoadMetrics) InfoString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("LoadMetrics(known_ips=%d, demand_bundles=%d)", len(m.lastUsedTimeByIP), len(m.resourceDemandVector))
}

func cloneInt64Map(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
