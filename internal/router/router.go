// Package router implements the subscription router: it accepts newly
// discovered tickers from the catalog poller or CDC consumer and routes them
// to whichever stream worker shard has spare capacity, batching sends so a
// burst of discoveries does not generate one command per ticker.
package router

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/marketpulse/ingestcore/internal/metrics"
)

// Command is sent to a shard's inbox when the router assigns it new tickers.
type Command struct {
	Tickers []string
}

// shardState tracks one registered shard's inbox and current load.
type shardState struct {
	inbox  chan<- Command
	count  int
	active bool
}

// Router routes dynamically discovered tickers to shards with spare
// capacity. It is not safe for concurrent use from multiple goroutines
// except through the channel-driven Run loop; construct and Register shards
// before starting Run.
type Router struct {
	log *slog.Logger

	maxPerShard int
	batchSize   int

	shards     map[int]*shardState
	subscribed map[string]struct{}
	pending    []string

	metricsReg *metrics.Registry
	feed       string
}

// New creates a router. maxPerShard is the per-shard instrument capacity;
// batchSize is how many newly discovered tickers accumulate before an
// out-of-band flush is triggered (a flush also runs on a fixed timer
// regardless of batch size, so nothing waits forever).
func New(log *slog.Logger, maxPerShard, batchSize int, initialTickers []string) *Router {
	subscribed := make(map[string]struct{}, len(initialTickers))
	for _, t := range initialTickers {
		subscribed[t] = struct{}{}
	}
	return &Router{
		log:         log,
		maxPerShard: maxPerShard,
		batchSize:   batchSize,
		shards:      make(map[int]*shardState),
		subscribed:  subscribed,
	}
}

// RegisterShard records a shard's command inbox and its ticker count at
// registration time (non-zero when a shard starts with a pre-assigned set
// of tickers from the initial catalog snapshot).
func (r *Router) RegisterShard(shardID int, inbox chan<- Command, initialCount int) {
	r.shards[shardID] = &shardState{inbox: inbox, count: initialCount, active: true}
	r.log.Debug("registered shard with router", "shard_id", shardID, "market_count", initialCount)
	r.refreshShardMetrics(shardID)
	r.refreshShardsTotal()
}

// SetMetrics wires a metrics registry into the router so the shards_total
// and markets_subscribed gauges stay current; feed labels every published
// gauge. Call after registering shards to publish their initial state.
func (r *Router) SetMetrics(reg *metrics.Registry, feed string) {
	r.metricsReg = reg
	r.feed = feed
	r.refreshShardsTotal()
	for id := range r.shards {
		r.refreshShardMetrics(id)
	}
}

func (r *Router) refreshShardMetrics(shardID int) {
	if r.metricsReg == nil {
		return
	}
	s, ok := r.shards[shardID]
	if !ok {
		return
	}
	r.metricsReg.MarketsSubscribed.WithLabelValues(r.feed, strconv.Itoa(shardID)).Set(float64(s.count))
}

func (r *Router) refreshShardsTotal() {
	if r.metricsReg == nil {
		return
	}
	active := 0
	for _, s := range r.shards {
		if s.active {
			active++
		}
	}
	r.metricsReg.ShardsTotal.WithLabelValues(r.feed).Set(float64(active))
}

// ShardCount returns the number of registered shards, active or not.
func (r *Router) ShardCount() int {
	return len(r.shards)
}

// TotalMarkets returns the number of distinct tickers subscribed so far.
func (r *Router) TotalMarkets() int {
	return len(r.subscribed)
}

// IsSubscribed reports whether ticker has already been routed to a shard.
func (r *Router) IsSubscribed(ticker string) bool {
	_, ok := r.subscribed[ticker]
	return ok
}

// findShardWithCapacity returns the active shard with the smallest count
// among those below maxPerShard, breaking ties by the lowest shard id, or -1
// if none qualifies.
func (r *Router) findShardWithCapacity() int {
	best := -1
	bestCount := 0
	for id, s := range r.shards {
		if !s.active || s.count >= r.maxPerShard {
			continue
		}
		if best == -1 || s.count < bestCount || (s.count == bestCount && id < best) {
			best = id
			bestCount = s.count
		}
	}
	return best
}

func (r *Router) shardCapacity(shardID int) int {
	s, ok := r.shards[shardID]
	if !ok {
		return 0
	}
	remaining := r.maxPerShard - s.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Add registers ticker for subscription. It returns true if the ticker was
// newly added (false if already subscribed), deduplicating optimistically
// before the batch is actually sent so concurrent discoveries of the same
// ticker never double-enqueue it. A flush is triggered once pending reaches
// the configured batch size.
func (r *Router) Add(ticker string) bool {
	if _, ok := r.subscribed[ticker]; ok {
		r.log.Debug("already subscribed, skipping", "ticker", ticker)
		return false
	}
	r.subscribed[ticker] = struct{}{}
	r.pending = append(r.pending, ticker)

	if len(r.pending) >= r.batchSize {
		r.Flush()
	}
	return true
}

// Flush drains pending tickers to shards with capacity, splitting the batch
// across shards as needed. Tickers that cannot be placed because every
// shard is at capacity are put back on pending for the next flush.
func (r *Router) Flush() {
	if len(r.pending) == 0 {
		return
	}

	remaining := r.pending
	r.pending = nil

	for len(remaining) > 0 {
		shardID := r.findShardWithCapacity()
		if shardID == -1 {
			r.log.Warn("all shards at capacity, cannot subscribe to new markets", "pending", len(remaining))
			r.pending = append(r.pending, remaining...)
			return
		}

		capacity := r.shardCapacity(shardID)
		n := len(remaining)
		if capacity < n {
			n = capacity
		}
		batch := remaining[:n]
		remaining = remaining[n:]

		s := r.shards[shardID]
		select {
		case s.inbox <- Command{Tickers: append([]string(nil), batch...)}:
			r.log.Info("sent subscription batch to shard", "shard_id", shardID, "count", len(batch))
			s.count += len(batch)
			r.refreshShardMetrics(shardID)
		default:
			r.log.Warn("shard inbox full or closed, marking inactive", "shard_id", shardID)
			s.active = false
			r.pending = append(r.pending, batch...)
			r.refreshShardsTotal()
		}
	}
}

// Run drives the router's dispatcher loop: it consumes newly discovered
// tickers from newTickers and flushes on a fixed interval regardless of
// batch size, so a small trickle of discoveries still gets routed promptly.
// Run returns once newTickers is closed and a final flush has drained.
func (r *Router) Run(ctx context.Context, newTickers <-chan string, flushInterval time.Duration) {
	r.log.Info("starting subscription router", "shard_count", r.ShardCount(), "initial_markets", r.TotalMarkets())

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var processed int64
	for {
		select {
		case t, ok := <-newTickers:
			if !ok {
				r.log.Info("discovery channel closed, flushing remaining subscriptions")
				r.Flush()
				r.log.Info("subscription router stopped", "total_processed", processed, "total_subscribed", r.TotalMarkets())
				return
			}
			processed++
			r.Add(t)
		case <-ticker.C:
			r.Flush()
		case <-ctx.Done():
			r.Flush()
			r.log.Info("subscription router stopped", "total_processed", processed, "total_subscribed", r.TotalMarkets())
			return
		}
	}
}
