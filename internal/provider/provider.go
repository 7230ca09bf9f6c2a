// Package provider declares the node-provider collaborator the reconciler
// drives: a pluggable driver that lists, tags, creates, and destroys
// nodes on a cloud backend. Concrete drivers (AWS, GCP, Kubernetes, ...)
// are out of scope for fleetwatch's core; this package only carries the
// interface and the Kubernetes transport-exhaustion classifier the failure
// budget needs.
package provider

import (
	"context"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/cuemby/fleetwatch/internal/types"
)

// TagFilters narrows non-terminated node queries, e.g. {"kind": "worker"}.
type TagFilters map[string]string

// NodeProvider is the collaborator interface consumed by the reconciler.
type NodeProvider interface {
	// Kind identifies the backend, e.g. "aws", "kubernetes". The
	// reconciler only inspects this to decide whether a failure is the
	// Kubernetes transport-retry-exhaustion exception.
	Kind() string

	NonTerminatedNodes(ctx context.Context, filters TagFilters) ([]types.NodeID, error)
	NodeTags(ctx context.Context, id types.NodeID) (types.Tags, error)
	InternalIP(ctx context.Context, id types.NodeID) (string, error)
	TerminateNodes(ctx context.Context, ids []types.NodeID) error
	CreateNode(ctx context.Context, nodeConfig map[string]any, count int, nodeType string) error
	SetNodeTags(ctx context.Context, id types.NodeID, tags types.Tags) error
}

// KindKubernetes is the provider Kind() value that enables the
// transport-retry-exhaustion failure-budget exemption.
const KindKubernetes = "kubernetes"

// IsTransportRetryExhausted classifies a Kubernetes provider error as a
// long-observed API-server flake that should not count toward the
// reconciler's consecutive-failure budget: request timeouts, server-side
// timeouts and too-many-requests throttling that a client-go retry loop
// gave up on.
func IsTransportRetryExhausted(providerKind string, err error) bool {
	if providerKind != KindKubernetes || err == nil {
		return false
	}
	return k8serrors.IsTimeout(err) || k8serrors.IsServerTimeout(err) || k8serrors.IsTooManyRequests(err)
}
