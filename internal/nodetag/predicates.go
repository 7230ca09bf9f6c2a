// Package nodetag implements the small, pure predicates the reconciler
// evaluates against a node's provider tags: whether its launch config still
// matches the current hash, whether its files/runtime are up to date, and
// looking up its declared node type.
package nodetag

import "github.com/cuemby/fleetwatch/internal/types"

// LaunchConfigOK reports whether a node's recorded launch hash still
// matches the hash the current config would produce for its node type.
// A node with no type tag, or a type no longer present in the config, is
// never OK, since it has nothing to be compared against.
func LaunchConfigOK(tags types.Tags, currentLaunchHash string) bool {
	if currentLaunchHash == "" {
		return false
	}
	return tags[types.TagLaunchConfig] == currentLaunchHash
}

// FilesUpToDate reports whether a node's runtime config (and, when
// continuous file sync is enabled, its file mount contents) matches the
// current cluster config.
func FilesUpToDate(tags types.Tags, runtimeHash, fileMountsContentsHash string, continuousSync bool) bool {
	if tags[types.TagRuntimeConfig] != runtimeHash {
		return false
	}
	if continuousSync && tags[types.TagFileMountsContents] != fileMountsContentsHash {
		return false
	}
	return true
}

// NodeTypeName returns the node's declared type name, or "" if untagged.
func NodeTypeName(tags types.Tags) string {
	return tags.UserNodeType()
}
