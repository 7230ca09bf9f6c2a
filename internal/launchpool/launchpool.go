// Package launchpool implements the bounded launch worker pool: a
// fixed number of goroutines drain a FIFO queue of launch requests, each
// retrying CreateNode against a possibly flaky provider, while the
// reconciler tracks pending_launches so it never double-counts a node
// that's been requested but isn't visible from NonTerminatedNodes yet.
package launchpool

import (
	"context"
	"sync"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetwatch/internal/log"
	"github.com/cuemby/fleetwatch/internal/provider"
)

// request is one batch of same-type node launches.
type request struct {
	id         string
	nodeConfig map[string]any
	count      int
	nodeType   string
}

// Pool runs up to numWorkers concurrent launches, batching each
// launch_new_node call into chunks of at most maxBatch nodes.
type Pool struct {
	provider provider.NodeProvider
	maxBatch int
	logger   zerolog.Logger

	queue chan request

	mu       sync.Mutex
	pending  map[string]int // node type -> nodes requested but not yet observed
	total    int
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a pool with numWorkers goroutines, each pulling batches of
// at most maxBatch nodes off the queue.
func New(p provider.NodeProvider, numWorkers, maxBatch int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if maxBatch < 1 {
		maxBatch = 1
	}
	pool := &Pool{
		provider: p,
		maxBatch: maxBatch,
		logger:   log.WithComponent("launchpool"),
		queue:    make(chan request, 1024),
		pending:  make(map[string]int),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	return pool
}

// LaunchNewNode enqueues count nodes of nodeType, chunked into batches of
// at most maxBatch, and eagerly increments pending_launches before any
// goroutine picks up the work, so bookkeeping stays synchronous ahead of
// the async launch.
func (p *Pool) LaunchNewNode(nodeConfig map[string]any, count int, nodeType string) {
	if count <= 0 {
		return
	}

	p.mu.Lock()
	p.pending[nodeType] += count
	p.total += count
	p.mu.Unlock()

	remaining := count
	for remaining > 0 {
		batch := remaining
		if batch > p.maxBatch {
			batch = p.maxBatch
		}
		remaining -= batch
		p.queue <- request{
			id:         uuid.New().String(),
			nodeConfig: nodeConfig,
			count:      batch,
			nodeType:   nodeType,
		}
	}
}

// PendingLaunches returns the total number of nodes requested but not yet
// confirmed, and the same broken down by node type. The reconciler uses
// the breakdown to avoid re-requesting nodes already in flight.
func (p *Pool) PendingLaunches() (int, map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	breakdown := make(map[string]int, len(p.pending))
	for k, v := range p.pending {
		if v > 0 {
			breakdown[k] = v
		}
	}
	return p.total, breakdown
}

// Stop signals all workers to drain the queue and exit, then waits.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.queue:
			p.handle(req)
		case <-p.stopCh:
			// Drain whatever is already queued before exiting so a late
			// Stop() doesn't strand launches mid-flight.
			for {
				select {
				case req := <-p.queue:
					p.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) handle(req request) {
	logger := p.logger.With().Str("request_id", req.id).Str("node_type", req.nodeType).Int("count", req.count).Logger()
	logger.Info().Msg("launching nodes")

	err := retry.Do(
		func() error {
			return p.provider.CreateNode(context.Background(), req.nodeConfig, req.count, req.nodeType)
		},
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)

	p.mu.Lock()
	p.pending[req.nodeType] -= req.count
	if p.pending[req.nodeType] <= 0 {
		delete(p.pending, req.nodeType)
	}
	p.total -= req.count
	p.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("launch failed after retries")
		return
	}
	logger.Info().Msg("launch succeeded")
}

// NumWorkersFor computes a worker count from max_concurrent_launches and
// max_launch_batch: enough workers that the pool can have
// max_concurrent_launches nodes in flight at once, given each worker
// launches up to max_launch_batch nodes per request.
func NumWorkersFor(maxConcurrentLaunches, maxLaunchBatch int) int {
	if maxLaunchBatch < 1 {
		maxLaunchBatch = 1
	}
	n := (maxConcurrentLaunches + maxLaunchBatch - 1) / maxLaunchBatch
	if n < 1 {
		n = 1
	}
	return n
}
