// Package fake provides an in-memory NodeProvider for tests and local
// dry-runs, following the map-plus-mutex shape cuemby/warren's storage
// layer uses for its BoltDB stand-ins.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/fleetwatch/internal/provider"
	"github.com/cuemby/fleetwatch/internal/types"
)

type node struct {
	tags types.Tags
	ip   string
}

// Provider is an in-memory NodeProvider. Zero value is not usable; use New.
type Provider struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*node

	// CreateErr, when set, is returned by every CreateNode call instead of
	// creating nodes - used to exercise the reconciler's failure paths.
	CreateErr error
	// TerminateErr, when set, is returned by every TerminateNodes call.
	TerminateErr error

	nextIP int
}

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{nodes: make(map[types.NodeID]*node)}
}

// Kind implements provider.NodeProvider.
func (p *Provider) Kind() string { return "fake" }

// Seed adds a node directly, bypassing CreateNode, for test setup.
func (p *Provider) Seed(id types.NodeID, tags types.Tags, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(types.Tags, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	p.nodes[id] = &node{tags: cp, ip: ip}
}

func (p *Provider) NonTerminatedNodes(_ context.Context, filters provider.TagFilters) ([]types.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []types.NodeID
	for id, n := range p.nodes {
		if matches(n.tags, filters) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func matches(tags types.Tags, filters provider.TagFilters) bool {
	for k, v := range filters {
		if k == "kind" {
			if string(tags.Kind()) != v {
				return false
			}
			continue
		}
		if tags[k] != v {
			return false
		}
	}
	return true
}

func (p *Provider) NodeTags(_ context.Context, id types.NodeID) (types.Tags, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	return n.tags, nil
}

func (p *Provider) InternalIP(_ context.Context, id types.NodeID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return "", fmt.Errorf("node %s not found", id)
	}
	return n.ip, nil
}

func (p *Provider) TerminateNodes(_ context.Context, ids []types.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TerminateErr != nil {
		return p.TerminateErr
	}
	for _, id := range ids {
		delete(p.nodes, id)
	}
	return nil
}

func (p *Provider) CreateNode(_ context.Context, _ map[string]any, count int, nodeType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return p.CreateErr
	}
	for i := 0; i < count; i++ {
		id := types.NodeID(uuid.New().String())
		p.nextIP++
		p.nodes[id] = &node{
			tags: types.Tags{
				types.TagNodeKind:     string(types.NodeKindWorker),
				types.TagUserNodeType: nodeType,
			},
			ip: fmt.Sprintf("10.0.0.%d", p.nextIP),
		}
	}
	return nil
}

func (p *Provider) SetNodeTags(_ context.Context, id types.NodeID, tags types.Tags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}
	for k, v := range tags {
		n.tags[k] = v
	}
	return nil
}

// Len returns the current node count, for test assertions.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

// Tags returns a copy of a node's tags, for test assertions.
func (p *Provider) Tags(id types.NodeID) (types.Tags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil, false
	}
	cp := make(types.Tags, len(n.tags))
	for k, v := range n.tags {
		cp[k] = v
	}
	return cp, true
}

var _ provider.NodeProvider = (*Provider)(nil)
