// Package bridge turns bursty concurrent HTTP-style requests into a single
// rate-limited command stream toward the MCP backend.
//
// Callers submit (tool, params, ttl) and block on the returned Job. A cache
// hit completes immediately; a miss either joins the Job already in flight
// for the same key (single-flight) or enqueues a new one. One worker
// goroutine drains the queue, is the sole user of the RPC client, populates
// the cache, and enforces the inter-call delay.
package bridge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/proveit-io/anylog-bridge/internal/cache"
	"github.com/proveit-io/anylog-bridge/internal/logging"
	"github.com/proveit-io/anylog-bridge/internal/mcp"
)

// defaultQueueSize bounds the job queue. Deduplication keeps the queue to
// one entry per distinct in-flight key, so this is ample headroom.
const defaultQueueSize = 256

// Caller is the slice of the RPC client the gateway needs. Satisfied by
// *mcp.Client; tests substitute a recording fake.
type Caller interface {
	EnsureReady(ctx context.Context) error
	Call(ctx context.Context, tool string, params map[string]any, timeout time.Duration) (mcp.Result, error)
	Connected() bool
	Shutdown()
}

// Config holds the gateway's immutable policy knobs.
type Config struct {
	// CallDelay is the minimum spacing between consecutive backend calls.
	CallDelay time.Duration

	// CallTimeout bounds each backend round trip.
	CallTimeout time.Duration

	// ErrorTTL caps how long a failed call's result stays cached. Long
	// enough to absorb a retry storm, short enough to re-check quickly.
	ErrorTTL time.Duration

	// SnapshotTTL is the freshness window used when listing cached keys
	// for observability. Normally the metadata TTL.
	SnapshotTTL time.Duration

	// QueueSize overrides the queue capacity; 0 means the default.
	QueueSize int
}

// Status is an observability snapshot of the gateway.
type Status struct {
	WorkerAlive   bool     `json:"worker_alive"`
	MCPConnected  bool     `json:"mcp_connected"`
	CachedEntries int      `json:"cached_entries"`
	CachedKeys    []string `json:"cached_keys"`
	QueueDepth    int      `json:"queue_depth"`
	InFlightKeys  []string `json:"in_flight_keys"`
	CallDelaySecs float64  `json:"call_delay_seconds"`
}

// Gateway owns the cache, the pending index, the job queue, and the worker.
// Construct with New, then Start; Stop tears down the worker and the
// backend subprocess.
type Gateway struct {
	cfg     Config
	store   *cache.Cache
	client  Caller
	limiter *rate.Limiter
	logger  zerolog.Logger

	// mu guards pending. At most one Job per key may exist in it; that is
	// the single-flight guarantee.
	mu      sync.Mutex
	pending map[string]*Job

	queue      chan *Job
	stop       chan struct{}
	stopOnce   sync.Once
	workerDone chan struct{}
	started    bool
}

// New creates a stopped Gateway around client and store.
func New(cfg Config, client Caller, store *cache.Cache, logger zerolog.Logger) *Gateway {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Gateway{
		cfg:        cfg,
		store:      store,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(cfg.CallDelay), 1),
		logger:     logging.ComponentLogger(logger, "bridge"),
		pending:    make(map[string]*Job),
		queue:      make(chan *Job, size),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (g *Gateway) Start() {
	g.started = true
	go g.runWorker()
	g.logger.Info().Dur("call_delay", g.cfg.CallDelay).Msg("worker started")
}

// Stop shuts down the worker and the backend subprocess. Jobs already
// dequeued finish first; queued jobs complete with an error so no caller
// blocks for the full wait timeout. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.started {
			<-g.workerDone
		}
		g.drainQueue()
		g.client.Shutdown()
		g.logger.Info().Msg("stopped")
	})
}

// Submit returns a Job for (tool, params): a completed one on cache hit,
// the in-flight one when an identical request is already pending, or a
// freshly queued one otherwise.
func (g *Gateway) Submit(tool string, params map[string]any, ttl time.Duration) *Job {
	key := CacheKey(tool, params)

	if value, ok := g.store.Get(key, ttl); ok {
		return completedJob(tool, key, value)
	}

	g.mu.Lock()
	if existing, ok := g.pending[key]; ok {
		g.mu.Unlock()
		return existing
	}
	j := newJob(tool, params, key, ttl)
	g.pending[key] = j
	g.mu.Unlock()

	select {
	case g.queue <- j:
		g.logger.Debug().Str("job", j.ID).Str("key", key).Msg("job queued")
	default:
		// Queue saturated; fail fast instead of blocking the caller's
		// HTTP handler on the channel send.
		g.removePending(key)
		j.finish(nil, "job queue is full")
		g.logger.Error().Str("key", key).Msg("job queue full, rejecting")
	}
	return j
}

// ClearCache wipes all cached entries immediately.
func (g *Gateway) ClearCache() {
	g.store.Clear()
	g.logger.Info().Msg("cache cleared")
}

// Invalidate removes a single cached entry, used by refresh requests.
func (g *Gateway) Invalidate(tool string, params map[string]any) {
	g.store.Delete(CacheKey(tool, params))
}

// Status reports queue depth, in-flight keys, and cache contents.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	inFlight := make([]string, 0, len(g.pending))
	for key := range g.pending {
		inFlight = append(inFlight, key)
	}
	g.mu.Unlock()
	sort.Strings(inFlight)

	snap := g.store.Snapshot(g.cfg.SnapshotTTL)
	cached := make([]string, 0, len(snap))
	for key := range snap {
		cached = append(cached, key)
	}
	sort.Strings(cached)

	alive := g.started
	select {
	case <-g.workerDone:
		alive = false
	default:
	}

	return Status{
		WorkerAlive:   alive,
		MCPConnected:  g.client.Connected(),
		CachedEntries: len(cached),
		CachedKeys:    cached,
		QueueDepth:    len(g.queue),
		InFlightKeys:  inFlight,
		CallDelaySecs: g.cfg.CallDelay.Seconds(),
	}
}

func (g *Gateway) removePending(key string) {
	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
}

// drainQueue fails whatever Stop left in the queue.
func (g *Gateway) drainQueue() {
	for {
		select {
		case j := <-g.queue:
			g.removePending(j.Key)
			j.finish(nil, "bridge shutting down")
		default:
			return
		}
	}
}

// errorPayload is what failed calls cache and return, matching the error
// object shape of the HTTP layer.
func errorPayload(msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return payload
}
