// Package snapshot implements the snapshot projector: a Redis-backed cache
// of the last value seen per ticker, with a TTL so a newly started consumer
// can catch up on current state without replaying the full archive.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Projector maintains the last-value-per-ticker cache in Redis, keyed
// "snap:{feed}:{ticker}" so the same ticker traded on two feeds never
// collides in the same Redis instance.
type Projector struct {
	log  *slog.Logger
	rdb  *redis.Client
	ttl  time.Duration
	feed string
}

// New creates a snapshot projector for one feed against an existing Redis
// client.
func New(log *slog.Logger, rdb *redis.Client, ttl time.Duration, feed string) *Projector {
	return &Projector{log: log, rdb: rdb, ttl: ttl, feed: feed}
}

func (p *Projector) key(ticker string) string {
	return "snap:" + p.feed + ":" + ticker
}

// extractTicker tries the known top-level ticker field names, then looks
// one level down inside a "msg" wrapper, matching the range of shapes the
// four venue families actually send.
func extractTicker(raw map[string]json.RawMessage) string {
	for _, field := range []string{"market_ticker", "product_id", "market"} {
		if v, ok := raw[field]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				return s
			}
		}
	}

	if wrapped, ok := raw["msg"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(wrapped, &inner) == nil {
			return extractTicker(inner)
		}
	}
	return ""
}

// Project decodes a raw venue message, extracts its ticker, stamps it with
// a wall-clock capture time under "_snap_at", and stores it in Redis with
// the configured TTL. Messages without an identifiable ticker are skipped
// without error — not every frame (liveness pings, acks) belongs in the
// snapshot.
func (p *Projector) Project(ctx context.Context, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("snapshot: decoding message: %w", err)
	}

	ticker := extractTicker(raw)
	if ticker == "" {
		return nil
	}

	raw["_snap_at"] = json.RawMessage(fmt.Sprintf("%d", time.Now().UnixMilli()))
	stamped, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("snapshot: re-marshaling stamped message: %w", err)
	}

	key := p.key(ticker)
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, key, stamped, 0)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: writing %s: %w", ticker, err)
	}
	return nil
}

// Get retrieves the last snapshotted value for ticker, or (nil, false) if
// no snapshot exists (never subscribed, or expired).
func (p *Projector) Get(ctx context.Context, ticker string) ([]byte, bool, error) {
	val, err := p.rdb.Get(ctx, p.key(ticker)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: reading %s: %w", ticker, err)
	}
	return val, true, nil
}
