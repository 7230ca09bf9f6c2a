// Package types holds the data model the reconciler operates on: node
// identity and tags, node type templates, the cluster configuration, and
// the resource bundles exchanged with the demand scheduler.
package types

import "time"

// NodeID is the provider-assigned identifier for a node.
type NodeID string

// Well-known tag keys the reconciler reads or writes through the provider.
const (
	TagNodeKind          = "FLEET_NODE_KIND"
	TagNodeStatus        = "FLEET_NODE_STATUS"
	TagUserNodeType       = "FLEET_USER_NODE_TYPE"
	TagLaunchConfig       = "FLEET_LAUNCH_CONFIG"
	TagRuntimeConfig      = "FLEET_RUNTIME_CONFIG"
	TagFileMountsContents = "FLEET_FILE_MOUNTS_CONTENTS"
)

// NodeKind is the value of TagNodeKind.
type NodeKind string

const (
	NodeKindHead      NodeKind = "head"
	NodeKindWorker    NodeKind = "worker"
	NodeKindUnmanaged NodeKind = "unmanaged"
)

// NodeStatus is the value of TagNodeStatus.
type NodeStatus string

// UpToDate is the status a node reports once its updater has finished
// applying the current runtime config.
const UpToDate NodeStatus = "up_to_date"

// Tags is the set of key/value tags a provider reports for a node.
type Tags map[string]string

// Kind returns the node's TagNodeKind tag.
func (t Tags) Kind() NodeKind { return NodeKind(t[TagNodeKind]) }

// Status returns the node's TagNodeStatus tag.
func (t Tags) Status() NodeStatus { return NodeStatus(t[TagNodeStatus]) }

// UserNodeType returns the node's TagUserNodeType tag, or "" if untagged.
func (t Tags) UserNodeType() string { return t[TagUserNodeType] }

// ResourceBundle is a named quantity of resources, e.g. {"CPU": 4, "GPU": 1}.
type ResourceBundle map[string]float64

// NodeTypeConfig is a declarative entry in ClusterConfig.AvailableNodeTypes.
type NodeTypeConfig struct {
	Resources   ResourceBundle
	NodeConfig  map[string]any
	MinWorkers  int
	MaxWorkers  int

	// Optional per-type overrides; zero value means "use the cluster default".
	WorkerSetupCommands []string
	InitCommands        []string
	Docker              map[string]any
}

// AuthConfig is the opaque SSH/credential block merged into launch hashes.
type AuthConfig map[string]any

// DockerConfig is the cluster-wide docker section, deep-merged with any
// per-node-type override when an updater instruction is built.
type DockerConfig map[string]any

// FileMount maps a remote path to a local path ("~"-expanded).
type FileMount struct {
	Remote string
	Local  string
}

// ClusterConfig is the in-memory, refreshed view of the cluster's YAML.
type ClusterConfig struct {
	MaxWorkers                int
	IdleTimeoutMinutes        int
	UpscalingSpeed            float64
	TargetUtilizationFraction float64

	FileMounts                 []FileMount
	ClusterSyncedFiles         []string
	WorkerSetupCommands        []string
	WorkerStartRayCommands     []string
	Auth                       AuthConfig
	Provider                   ProviderConfig
	Docker                     DockerConfig
	FileMountsSyncContinuously bool

	// WorkerNodes is the base provider node_config every node type's own
	// NodeConfig is merged over before a launch hash is computed or a node
	// is actually created.
	WorkerNodes map[string]any

	AvailableNodeTypes map[string]NodeTypeConfig

	MaxConcurrentLaunches int
	MaxLaunchBatch        int
	UpdateIntervalSeconds int
	MaxFailures           int
	HeartbeatTimeoutSeconds int

	// RestartOnlyFlag and NoRestartFlag mirror the YAML restart_only/
	// no_restart knobs; NoRestartFlag wins if both are set.
	RestartOnlyFlag bool
	NoRestartFlag   bool
}

// RestartOnly reports whether updates should skip setup commands and only
// restart the runtime, per the restart_only config knob.
func (c *ClusterConfig) RestartOnly() bool { return c.RestartOnlyFlag }

// NoRestart reports the no_restart config knob. Takes precedence over
// RestartOnly when both are set: the update instruction then has
// RestartOnly unset, and still carries the start commands.
func (c *ClusterConfig) NoRestart() bool { return c.NoRestartFlag }

// ProviderConfig is the opaque provider section of the cluster config; its
// "type" field selects which concrete provider to construct.
type ProviderConfig struct {
	Type   string
	Region string
	Extra  map[string]any
}

// NodeTypeFor looks up a node's declared type in the config, if tagged.
func (c *ClusterConfig) NodeTypeFor(tags Tags) (NodeTypeConfig, bool) {
	name := tags.UserNodeType()
	if name == "" {
		return NodeTypeConfig{}, false
	}
	nt, ok := c.AvailableNodeTypes[name]
	return nt, ok
}

// UpdateInstruction is what should_update() returns for a node that needs
// an updater dispatched.
type UpdateInstruction struct {
	NodeID           NodeID
	InitCommands     []string
	StartRayCommands []string
	Docker           map[string]any
	RestartOnly      bool
}

// Now is overridable in tests; production code always uses time.Now.
var Now = time.Now
