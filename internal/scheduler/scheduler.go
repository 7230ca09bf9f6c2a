// Package scheduler decides how many nodes of each type to launch: enough
// of each node type to satisfy declared min_workers, then enough more to
// place any still-unfulfilled resource demand, capped by the cluster's
// max_workers ceiling.
package scheduler

import (
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/fleetwatch/internal/binpack"
	"github.com/cuemby/fleetwatch/internal/types"
)

// Scheduler is the consumed get_nodes_to_launch/reset_config/debug_string
// collaborator.
type Scheduler struct {
	maxWorkers     int
	upscalingSpeed float64
	nodeTypes      map[string]types.NodeTypeConfig
}

// New constructs a scheduler, called once when the reconciler is built.
func New(nodeTypes map[string]types.NodeTypeConfig, maxWorkers int, upscalingSpeed float64) *Scheduler {
	s := &Scheduler{}
	s.ResetConfig(nodeTypes, maxWorkers, upscalingSpeed)
	return s
}

// ResetConfig replaces the scheduler's view of node types and limits
// in-place: the scheduler itself is never rebuilt, but its available node
// types are replaced wholesale on every config refresh.
func (s *Scheduler) ResetConfig(nodeTypes map[string]types.NodeTypeConfig, maxWorkers int, upscalingSpeed float64) {
	s.nodeTypes = nodeTypes
	s.maxWorkers = maxWorkers
	if upscalingSpeed <= 0 {
		upscalingSpeed = 1.0
	}
	s.upscalingSpeed = upscalingSpeed
}

// TypedNode is a non-terminated node annotated with its declared type, for
// the purposes of counting existing capacity by type.
type TypedNode struct {
	ID       types.NodeID
	TypeName string
}

// GetNodesToLaunch decides, for each node type, how many additional nodes
// to request this tick. ensureMinClusterSize is the operator-installed
// demand floor; demand is the workload-observed resource demand vector.
// Both flow through the same bin-packing pass for simplicity.
func (s *Scheduler) GetNodesToLaunch(
	allNodes []TypedNode,
	pendingBreakdown map[string]int,
	demand []types.ResourceBundle,
	ensureMinClusterSize []types.ResourceBundle,
) (map[string]int, error) {
	if s.nodeTypes == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}

	counts := make(map[string]int, len(s.nodeTypes))
	for _, n := range allNodes {
		if n.TypeName != "" {
			counts[n.TypeName]++
		}
	}
	for t, n := range pendingBreakdown {
		counts[t] += n
	}

	toLaunch := make(map[string]int)
	total := func() int {
		sum := 0
		for _, n := range counts {
			sum += n
		}
		for _, n := range toLaunch {
			sum += n
		}
		return sum
	}

	// Deterministic type iteration order so launch decisions (and tests)
	// don't depend on map order.
	names := make([]string, 0, len(s.nodeTypes))
	for name := range s.nodeTypes {
		names = append(names, name)
	}
	sort.Strings(names)

	// Step 1: satisfy min_workers for every type.
	for _, name := range names {
		nt := s.nodeTypes[name]
		floor := nt.MinWorkers
		if nt.MaxWorkers < floor {
			floor = nt.MaxWorkers
		}
		have := counts[name]
		for have < floor && total() < s.maxWorkers {
			toLaunch[name]++
			have++
		}
	}

	// Step 2: satisfy resource demand. Both the workload-observed vector
	// and the operator-installed floor feed the same bin-packing pass.
	allDemand := append(append([]types.ResourceBundle{}, demand...), ensureMinClusterSize...)
	if len(allDemand) == 0 {
		return toLaunch, nil
	}

	capacities, typeOfCapacity := s.existingCapacities(counts, toLaunch)
	unfulfilled, _ := binpack.Residual(capacities, allDemand)

	for _, bundle := range unfulfilled {
		name, ok := s.bestFitType(bundle)
		if !ok {
			continue // no node type can ever satisfy this bundle; scheduler gives up on it
		}
		want := int(math.Ceil(s.upscalingSpeed))
		if want < 1 {
			want = 1
		}
		for i := 0; i < want && total() < s.maxWorkers; i++ {
			toLaunch[name]++
		}
		_ = typeOfCapacity
	}

	return toLaunch, nil
}

// existingCapacities expands the current (running + pending) node counts
// into one capacity bundle per node, for bin-packing purposes.
func (s *Scheduler) existingCapacities(counts, pending map[string]int) ([]types.ResourceBundle, []string) {
	var caps []types.ResourceBundle
	var names []string
	for name, n := range counts {
		nt, ok := s.nodeTypes[name]
		if !ok {
			continue
		}
		for i := 0; i < n; i++ {
			caps = append(caps, nt.Resources)
			names = append(names, name)
		}
	}
	return caps, names
}

// bestFitType returns the smallest node type (by resource footprint) able
// to satisfy bundle in one node, preferring the type with the least slack.
func (s *Scheduler) bestFitType(bundle types.ResourceBundle) (string, bool) {
	best := ""
	bestSlack := math.MaxFloat64
	for name, nt := range s.nodeTypes {
		if nt.MaxWorkers == 0 {
			continue
		}
		slack := 0.0
		fitsAll := true
		for res, need := range bundle {
			have := nt.Resources[res]
			if have < need {
				fitsAll = false
				break
			}
			slack += have - need
		}
		if fitsAll && slack < bestSlack {
			best, bestSlack = name, slack
		}
	}
	return best, best != ""
}

// DebugString renders a short per-type summary of running and pending
// node counts.
func (s *Scheduler) DebugString(allNodes []TypedNode, pendingBreakdown map[string]int) string {
	counts := make(map[string]int)
	for _, n := range allNodes {
		counts[n.TypeName]++
	}
	out := "node types:"
	names := make([]string, 0, len(s.nodeTypes))
	for name := range s.nodeTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out += fmt.Sprintf(" %s=%d(+%d pending)", name, counts[name], pendingBreakdown[name])
	}
	return out
}
