package nodetag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetwatch/internal/types"
)

func TestLaunchConfigOK(t *testing.T) {
	tags := types.Tags{types.TagLaunchConfig: "abc"}

	assert.True(t, LaunchConfigOK(tags, "abc"))
	assert.False(t, LaunchConfigOK(tags, "def"))
	assert.False(t, LaunchConfigOK(tags, ""))
}

func TestFilesUpToDate(t *testing.T) {
	tags := types.Tags{
		types.TagRuntimeConfig:      "rt1",
		types.TagFileMountsContents: "fm1",
	}

	assert.True(t, FilesUpToDate(tags, "rt1", "fm1", true))
	assert.False(t, FilesUpToDate(tags, "rt2", "fm1", true))
	assert.False(t, FilesUpToDate(tags, "rt1", "fm2", true))
	// continuous sync disabled: file mounts hash is irrelevant
	assert.True(t, FilesUpToDate(tags, "rt1", "fm2", false))
}

func TestNodeTypeName(t *testing.T) {
	tags := types.Tags{types.TagUserNodeType: "gpu-worker"}
	assert.Equal(t, "gpu-worker", NodeTypeName(tags))
	assert.Equal(t, "", NodeTypeName(types.Tags{}))
}
