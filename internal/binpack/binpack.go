// Package binpack implements the one piece of the resource-demand
// scheduler's algorithm that the reconciler itself owns: packing the
// externally requested resource_demand_vector against node capacities to
// decide which nodes are still needed. The scheduler's launch-decision
// algorithm lives in internal/scheduler, which reuses Residual for its own
// packing pass.
package binpack

import (
	"github.com/samber/lo"

	"github.com/cuemby/fleetwatch/internal/types"
)

// Residual packs demand bundles against node capacities, most-preferred
// node first (callers pass nodes already ordered most-recently-used
// first). It returns the bundles that could not be satisfied, and for each
// node the capacity left over after packing.
//
// A bundle is satisfied by a single node (no splitting across nodes): the
// first node with enough remaining capacity for every resource in the
// bundle takes it.
func Residual(nodeCapacities []types.ResourceBundle, demand []types.ResourceBundle) (unfulfilled []types.ResourceBundle, remaining []types.ResourceBundle) {
	remaining = make([]types.ResourceBundle, len(nodeCapacities))
	for i, cap := range nodeCapacities {
		remaining[i] = cloneBundle(cap)
	}

	for _, bundle := range demand {
		placed := false
		for _, cap := range remaining {
			if fits(bundle, cap) {
				subtract(cap, bundle)
				placed = true
				break
			}
		}
		if !placed {
			unfulfilled = append(unfulfilled, bundle)
		}
	}
	return unfulfilled, remaining
}

func fits(bundle, capacity types.ResourceBundle) bool {
	for res, need := range bundle {
		if capacity[res] < need {
			return false
		}
	}
	return true
}

func subtract(capacity, bundle types.ResourceBundle) {
	for res, need := range bundle {
		capacity[res] -= need
	}
}

func cloneBundle(b types.ResourceBundle) types.ResourceBundle {
	return lo.Assign(types.ResourceBundle{}, b)
}

// Equal reports whether two resource bundles hold the same values,
// resources with a zero value in either map counting as absent in both.
func Equal(a, b types.ResourceBundle) bool {
	for res, v := range a {
		if v != 0 && b[res] != v {
			return false
		}
	}
	for res, v := range b {
		if v != 0 && a[res] != v {
			return false
		}
	}
	return true
}
