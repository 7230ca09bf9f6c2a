package binpack

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetwatch/internal/types"
)

func TestResidualFitsSingleNode(t *testing.T) {
	caps := []types.ResourceBundle{{"CPU": 4}}
	demand := []types.ResourceBundle{{"CPU": 2}}

	unfulfilled, remaining := Residual(caps, demand)

	assert.Empty(t, unfulfilled)
	assert.Equal(t, 2.0, remaining[0]["CPU"])
}

func TestResidualUnfulfilledWhenNoCapacity(t *testing.T) {
	caps := []types.ResourceBundle{{"CPU": 1}}
	demand := []types.ResourceBundle{{"CPU": 4}}

	unfulfilled, remaining := Residual(caps, demand)

	assert.Len(t, unfulfilled, 1)
	assert.Equal(t, 1.0, remaining[0]["CPU"])
}

func TestResidualPicksFirstFittingNode(t *testing.T) {
	caps := []types.ResourceBundle{{"CPU": 1}, {"CPU": 8}}
	demand := []types.ResourceBundle{{"CPU": 4}}

	unfulfilled, remaining := Residual(caps, demand)

	assert.Empty(t, unfulfilled)
	assert.Equal(t, 1.0, remaining[0]["CPU"])
	assert.Equal(t, 4.0, remaining[1]["CPU"])
}

func TestResidualNoNodesAllUnfulfilled(t *testing.T) {
	demand := []types.ResourceBundle{{"CPU": 1}, {"GPU": 1}}

	unfulfilled, remaining := Residual(nil, demand)

	assert.Len(t, unfulfilled, 2)
	assert.Empty(t, remaining)
}

func TestEqual(t *testing.T) {
	a := types.ResourceBundle{"CPU": 4}
	b := types.ResourceBundle{"CPU": 4, "GPU": 0}
	c := types.ResourceBundle{"CPU": 2}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}
