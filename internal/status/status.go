// Package status renders the reconciler's human-readable debug string and
// writes it, along with the latest tick error, to the debug KV sink.
package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/fleetwatch/internal/kvsink"
	"github.com/cuemby/fleetwatch/internal/types"
)

// Snapshot holds the values a single tick contributes to the status report.
type Snapshot struct {
	Time                time.Time
	NodeCountByType      map[string]int
	PendingByType        map[string]int
	FailedUpdateNodes    []types.NodeID
	UpdatesInFlight      int
	ResourceDemandVector []types.ResourceBundle
	SchedulerDebugString string
	LoadMetricsInfo      string
	LastError            error
}

// Reporter renders Snapshots and persists them to a Sink.
type Reporter struct {
	sink *kvsink.Sink
}

// New constructs a Reporter writing to sink. sink may be nil, in which
// case Report only renders and never persists (used by tests and by
// one-off commands such as `fleetwatch kill-workers` that build a
// Reconciler without a sink).
func New(sink *kvsink.Sink) *Reporter {
	return &Reporter{sink: sink}
}

// Report renders snap and, if a sink is configured, writes it through.
func (r *Reporter) Report(snap Snapshot) (string, error) {
	rendered := Render(snap)

	if r.sink == nil {
		return rendered, nil
	}
	if err := r.sink.PutStatus(rendered); err != nil {
		return rendered, fmt.Errorf("writing status: %w", err)
	}
	errMsg := ""
	if snap.LastError != nil {
		errMsg = snap.LastError.Error()
	}
	if err := r.sink.PutError(errMsg); err != nil {
		return rendered, fmt.Errorf("writing error: %w", err)
	}
	return rendered, nil
}

// Render produces the debug_string() text for a snapshot.
func Render(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster status at %s\n", snap.Time.Format(time.RFC3339))

	names := make([]string, 0, len(snap.NodeCountByType))
	for name := range snap.NodeCountByType {
		names = append(names, name)
	}
	for name := range snap.PendingByType {
		if _, ok := snap.NodeCountByType[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fmt.Fprintf(&b, " Node types:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d running, %d pending\n", name, snap.NodeCountByType[name], snap.PendingByType[name])
	}

	fmt.Fprintf(&b, " Updates in flight: %d\n", snap.UpdatesInFlight)
	if len(snap.FailedUpdateNodes) > 0 {
		ids := make([]string, len(snap.FailedUpdateNodes))
		for i, id := range snap.FailedUpdateNodes {
			ids[i] = string(id)
		}
		sort.Strings(ids)
		fmt.Fprintf(&b, " Nodes excluded after failed update: %s\n", strings.Join(ids, ", "))
	}

	fmt.Fprintf(&b, " Resource demands: %d bundle(s)\n", len(snap.ResourceDemandVector))
	if snap.SchedulerDebugString != "" {
		fmt.Fprintf(&b, " %s\n", snap.SchedulerDebugString)
	}
	if snap.LoadMetricsInfo != "" {
		fmt.Fprintf(&b, " %s\n", snap.LoadMetricsInfo)
	}
	if snap.LastError != nil {
		fmt.Fprintf(&b, " Last error: %s\n", snap.LastError.Error())
	}

	return b.String()
}
