// Package confighash computes the deterministic digests the reconciler
// compares against node tags: the runtime hash (setup/start commands + file
// mounts), the file-mounts-contents hash (only under continuous sync), and
// the per-node-type launch hash.
package confighash

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/cuemby/fleetwatch/internal/types"
)

// runtimeInputs is hashed to produce ClusterConfig's runtime_hash: file
// mount paths and perms, cluster synced files, then the two command lists.
// Field order doesn't matter to hashstructure.
type runtimeInputs struct {
	FileMounts         []types.FileMount
	ClusterSyncedFiles []string
	SetupCommands      []string
	StartCommands      []string
}

// Runtime computes the runtime hash for a cluster config.
func Runtime(cfg *types.ClusterConfig) (string, error) {
	in := runtimeInputs{
		FileMounts:         cfg.FileMounts,
		ClusterSyncedFiles: cfg.ClusterSyncedFiles,
		SetupCommands:      cfg.WorkerSetupCommands,
		StartCommands:      cfg.WorkerStartRayCommands,
	}
	return hash(in)
}

// FileMountsContents hashes the literal contents of every file mount's
// local path. Only meaningful when FileMountsSyncContinuously is set; the
// caller is responsible for gating that.
func FileMountsContents(readFile func(path string) ([]byte, error), mounts []types.FileMount) (string, error) {
	contents := make(map[string][]byte, len(mounts))
	for _, m := range mounts {
		data, err := readFile(m.Local)
		if err != nil {
			return "", fmt.Errorf("reading file mount %s: %w", m.Local, err)
		}
		contents[m.Remote] = data
	}
	return hash(contents)
}

// launchInputs is hashed to produce a node type's launch hash: the merged
// provider node_config plus cluster auth.
type launchInputs struct {
	NodeConfig map[string]any
	Auth       types.AuthConfig
}

// Launch computes the launch hash for a node type from its NodeConfig
// already merged over the cluster's worker_nodes base (callers pass the
// merged map; confighash does not own the merge).
func Launch(mergedNodeConfig map[string]any, auth types.AuthConfig) (string, error) {
	return hash(launchInputs{NodeConfig: mergedNodeConfig, Auth: auth})
}

func hash(v any) (string, error) {
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing config: %w", err)
	}
	return fmt.Sprintf("%x", h), nil
}
