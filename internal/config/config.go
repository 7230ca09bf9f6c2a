// Package config implements the cluster config refresher: it reads
// the cluster YAML, validates it through a pluggable validator, recomputes
// the derived hashes, and watches the file with fsnotify so an edit can
// mark a refresh due ahead of the next tick.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/fleetwatch/internal/confighash"
	"github.com/cuemby/fleetwatch/internal/log"
	"github.com/cuemby/fleetwatch/internal/types"
)

// Validator is a pluggable YAML-schema check run against the raw decoded
// document whenever it changes. A nil Validator skips validation entirely.
type Validator func(raw map[string]any) error

// rawNodeType mirrors a YAML available_node_types entry.
type rawNodeType struct {
	Resources           map[string]float64 `yaml:"resources"`
	NodeConfig          map[string]any      `yaml:"node_config"`
	MinWorkers          int                 `yaml:"min_workers"`
	MaxWorkers          int                 `yaml:"max_workers"`
	WorkerSetupCommands []string            `yaml:"worker_setup_commands,omitempty"`
	InitializationCommands []string         `yaml:"initialization_commands,omitempty"`
	Docker              map[string]any      `yaml:"docker,omitempty"`
}

// rawConfig mirrors the cluster YAML document.
type rawConfig struct {
	MaxWorkers                int                    `yaml:"max_workers"`
	IdleTimeoutMinutes        int                    `yaml:"idle_timeout_minutes"`
	UpscalingSpeed            *float64               `yaml:"upscaling_speed,omitempty"`
	AutoscalingMode           string                 `yaml:"autoscaling_mode,omitempty"`
	TargetUtilizationFraction *float64               `yaml:"target_utilization_fraction,omitempty"`
	FileMounts                map[string]string      `yaml:"file_mounts,omitempty"`
	ClusterSyncedFiles        []string               `yaml:"cluster_synced_files,omitempty"`
	WorkerSetupCommands       []string               `yaml:"worker_setup_commands,omitempty"`
	WorkerStartRayCommands    []string               `yaml:"worker_start_ray_commands,omitempty"`
	Auth                      map[string]any         `yaml:"auth,omitempty"`
	Provider                  rawProvider            `yaml:"provider"`
	Docker                    map[string]any         `yaml:"docker,omitempty"`
	FileMountsSyncContinuously bool                  `yaml:"file_mounts_sync_continuously,omitempty"`
	WorkerNodes                map[string]any        `yaml:"worker_nodes,omitempty"`
	AvailableNodeTypes        map[string]rawNodeType `yaml:"available_node_types"`

	MaxConcurrentLaunches  int `yaml:"max_concurrent_launches,omitempty"`
	MaxLaunchBatch         int `yaml:"max_launch_batch,omitempty"`
	UpdateIntervalSeconds  int `yaml:"update_interval_s,omitempty"`
	MaxFailures            int `yaml:"max_failures,omitempty"`
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_s,omitempty"`

	RestartOnly bool `yaml:"restart_only,omitempty"`
	NoRestart   bool `yaml:"no_restart,omitempty"`
}

type rawProvider struct {
	Type   string         `yaml:"type"`
	Region string         `yaml:"region,omitempty"`
	Extra  map[string]any `yaml:",inline"`
}

// Defaults supplement the YAML when a field is left unset.
const (
	DefaultMaxConcurrentLaunches  = 5
	DefaultMaxLaunchBatch         = 10
	DefaultUpdateIntervalSeconds  = 5
	DefaultMaxFailures            = 5
	DefaultHeartbeatTimeoutSeconds = 30
)

// Refresher owns the currently held cluster config and its derived state.
// Only the reconciler goroutine calls Reset/Config/RuntimeHash/etc;
// watchDirty is the sole field fsnotify's goroutine touches.
type Refresher struct {
	path      string
	validator Validator

	mu     sync.Mutex
	config *types.ClusterConfig
	raw    map[string]any

	runtimeHash            string
	fileMountsContentsHash string
	launchHashByType       map[string]string

	watcher    *fsnotify.Watcher
	watchDirty chan struct{}

	logger zerolog.Logger
}

// New constructs a Refresher and performs the first, fatal-on-error
// refresh; every later refresh is tolerant of a bad or missing file.
func New(path string, validator Validator) (*Refresher, error) {
	r := &Refresher{path: path, validator: validator, logger: log.WithComponent("config")}
	if err := r.refresh(true); err != nil {
		return nil, err
	}
	if err := r.assertLocalFileMountsExist(); err != nil {
		return nil, err
	}
	r.startWatch()
	return r, nil
}

// Reset re-reads and re-derives the config. errorsFatal is true only from
// New; every tick-driven call passes false so a bad edit never crashes the
// loop.
func (r *Refresher) Reset(errorsFatal bool) error {
	return r.refresh(errorsFatal)
}

func (r *Refresher) refresh(errorsFatal bool) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errorsFatal {
			return fmt.Errorf("reading cluster config %s: %w", r.path, err)
		}
		r.logger.Error().Err(err).Str("path", r.path).Msg("config refresh failed, keeping previous config")
		return nil
	}

	var rc rawConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		if errorsFatal {
			return fmt.Errorf("parsing cluster config %s: %w", r.path, err)
		}
		r.logger.Error().Err(err).Str("path", r.path).Msg("config parse failed, keeping previous config")
		return nil
	}

	var rawGeneric map[string]any
	_ = yaml.Unmarshal(data, &rawGeneric)

	r.mu.Lock()
	changed := r.raw == nil || !reflect.DeepEqual(rawGeneric, r.raw)
	r.mu.Unlock()

	if changed && r.validator != nil {
		if err := r.validator(rawGeneric); err != nil {
			// Validation failures are logged but never abort the refresh.
			r.logger.Warn().Err(err).Msg("config validation failed; proceeding with unvalidated config")
		}
	}

	cfg := toClusterConfig(&rc)
	applyDefaults(cfg)

	runtimeHash, err := confighash.Runtime(cfg)
	if err != nil {
		return fmt.Errorf("computing runtime hash: %w", err)
	}

	var fmcHash string
	if cfg.FileMountsSyncContinuously {
		fmcHash, err = confighash.FileMountsContents(os.ReadFile, cfg.FileMounts)
		if err != nil {
			if errorsFatal {
				return err
			}
			r.logger.Error().Err(err).Msg("hashing file mount contents failed")
		}
	}

	launchHashes, err := launchHashesByType(cfg)
	if err != nil {
		return fmt.Errorf("computing launch hashes: %w", err)
	}

	r.mu.Lock()
	r.config = cfg
	r.raw = rawGeneric
	r.runtimeHash = runtimeHash
	r.fileMountsContentsHash = fmcHash
	r.launchHashByType = launchHashes
	r.mu.Unlock()

	return nil
}

// launchHashesByType merges each node type's NodeConfig over the cluster's
// WorkerNodes base (dario.cat/mergo, matching a node type's node_config
// overriding the shared worker_nodes block) and hashes the result together
// with auth, producing this refresh's per-type launch hash.
func launchHashesByType(cfg *types.ClusterConfig) (map[string]string, error) {
	out := make(map[string]string, len(cfg.AvailableNodeTypes))
	for name, nt := range cfg.AvailableNodeTypes {
		merged, err := MergeNodeConfig(cfg, nt)
		if err != nil {
			return nil, fmt.Errorf("merging node_config for type %s: %w", name, err)
		}
		h, err := confighash.Launch(merged, cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("hashing launch config for type %s: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}

// MergeNodeConfig merges a node type's provider node_config over the
// cluster's worker_nodes base, the node type's keys winning any conflict.
// Used both to compute the launch hash and to build the actual launch
// request the launch pool sends to the provider.
func MergeNodeConfig(cfg *types.ClusterConfig, nt types.NodeTypeConfig) (map[string]any, error) {
	merged := map[string]any{}
	for k, v := range cfg.WorkerNodes {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, nt.NodeConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging node_config: %w", err)
	}
	return merged, nil
}

func (r *Refresher) assertLocalFileMountsExist() error {
	cfg := r.Config()
	for _, m := range cfg.FileMounts {
		local := expandHome(m.Local)
		if _, err := os.Stat(local); err != nil {
			return fmt.Errorf("file_mounts local path %s: %w", local, err)
		}
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Config returns a snapshot of the currently held cluster config.
func (r *Refresher) Config() *types.ClusterConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// RuntimeHash returns the current runtime hash.
func (r *Refresher) RuntimeHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runtimeHash
}

// FileMountsContentsHash returns the current file-mounts-contents hash,
// meaningless unless the config enables continuous sync.
func (r *Refresher) FileMountsContentsHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileMountsContentsHash
}

// LaunchHashFor returns the current launch hash for a node type name, or
// "" if the type is unknown.
func (r *Refresher) LaunchHashFor(nodeType string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launchHashByType[nodeType]
}

// startWatch begins an fsnotify watch on the config file's directory (the
// file itself may be replaced by an editor's atomic rename, which fsnotify
// only reliably observes at the directory level). A watch failure is
// logged and otherwise ignored: the tick-driven refresh remains
// authoritative regardless.
func (r *Refresher) startWatch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not start config file watcher; falling back to tick-only refresh")
		return
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		r.logger.Warn().Err(err).Str("dir", dir).Msg("could not watch config directory")
		w.Close()
		return
	}

	r.watcher = w
	r.watchDirty = make(chan struct{}, 1)

	go func() {
		base := filepath.Base(r.path)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				select {
				case r.watchDirty <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
}

// DueFromWatch reports (and clears) whether the watcher observed a config
// file change since the last call. The reconciler does not call it; the
// regular tick-driven refresh runs regardless of what it reports.
func (r *Refresher) DueFromWatch() bool {
	if r.watchDirty == nil {
		return false
	}
	select {
	case <-r.watchDirty:
		return true
	default:
		return false
	}
}

// Close stops the file watcher, if any.
func (r *Refresher) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func toClusterConfig(rc *rawConfig) *types.ClusterConfig {
	cfg := &types.ClusterConfig{
		MaxWorkers:                 rc.MaxWorkers,
		IdleTimeoutMinutes:         rc.IdleTimeoutMinutes,
		ClusterSyncedFiles:         rc.ClusterSyncedFiles,
		WorkerSetupCommands:        rc.WorkerSetupCommands,
		WorkerStartRayCommands:     rc.WorkerStartRayCommands,
		Auth:                       rc.Auth,
		Docker:                     rc.Docker,
		FileMountsSyncContinuously: rc.FileMountsSyncContinuously,
		WorkerNodes:                rc.WorkerNodes,
		MaxConcurrentLaunches:      rc.MaxConcurrentLaunches,
		MaxLaunchBatch:             rc.MaxLaunchBatch,
		UpdateIntervalSeconds:      rc.UpdateIntervalSeconds,
		MaxFailures:                rc.MaxFailures,
		HeartbeatTimeoutSeconds:    rc.HeartbeatTimeoutSeconds,
		RestartOnlyFlag:            rc.RestartOnly,
		NoRestartFlag:              rc.NoRestart,
		Provider: types.ProviderConfig{
			Type:   rc.Provider.Type,
			Region: rc.Provider.Region,
			Extra:  rc.Provider.Extra,
		},
	}

	for remote, local := range rc.FileMounts {
		cfg.FileMounts = append(cfg.FileMounts, types.FileMount{Remote: remote, Local: expandHome(local)})
	}

	cfg.AvailableNodeTypes = make(map[string]types.NodeTypeConfig, len(rc.AvailableNodeTypes))
	for name, nt := range rc.AvailableNodeTypes {
		cfg.AvailableNodeTypes[name] = types.NodeTypeConfig{
			Resources:           nt.Resources,
			NodeConfig:          nt.NodeConfig,
			MinWorkers:          nt.MinWorkers,
			MaxWorkers:          nt.MaxWorkers,
			WorkerSetupCommands: nt.WorkerSetupCommands,
			InitCommands:        nt.InitializationCommands,
			Docker:              nt.Docker,
		}
	}

	// Upscaling speed precedence, per upscaling_speed > aggressive >
	// target_utilization_fraction > default 1.0.
	switch {
	case rc.UpscalingSpeed != nil:
		cfg.UpscalingSpeed = *rc.UpscalingSpeed
	case rc.AutoscalingMode == "aggressive":
		cfg.UpscalingSpeed = 99999
	case rc.TargetUtilizationFraction != nil:
		f := *rc.TargetUtilizationFraction
		if f < 1e-3 {
			f = 1e-3
		}
		cfg.UpscalingSpeed = 1/f - 1
	default:
		cfg.UpscalingSpeed = 1.0
	}

	return cfg
}

func applyDefaults(cfg *types.ClusterConfig) {
	if cfg.MaxConcurrentLaunches <= 0 {
		cfg.MaxConcurrentLaunches = envOrDefaultInt("FLEETWATCH_MAX_CONCURRENT_LAUNCHES", DefaultMaxConcurrentLaunches)
	}
	if cfg.MaxLaunchBatch <= 0 {
		cfg.MaxLaunchBatch = envOrDefaultInt("FLEETWATCH_MAX_LAUNCH_BATCH", DefaultMaxLaunchBatch)
	}
	if cfg.UpdateIntervalSeconds <= 0 {
		cfg.UpdateIntervalSeconds = envOrDefaultInt("FLEETWATCH_UPDATE_INTERVAL_S", DefaultUpdateIntervalSeconds)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = envOrDefaultInt("FLEETWATCH_MAX_FAILURES", DefaultMaxFailures)
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = envOrDefaultInt("FLEETWATCH_HEARTBEAT_TIMEOUT_S", DefaultHeartbeatTimeoutSeconds)
	}
}

func envOrDefaultInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n := 0
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}
