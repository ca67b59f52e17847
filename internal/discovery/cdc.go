package discovery

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/marketpulse/ingestcore/internal/bus"
)

// ChangeEvent is a bus-delivered catalog change record, published by the
// CDC producer ahead of the discovery subsystem.
type ChangeEvent struct {
	Ticker string `json:"ticker"`
	LSN    string `json:"lsn"`
}

// CDCConsumer consumes change events from the pub/sub fabric and emits
// tickers at or after a snapshot LSN, so a restart resumes exactly from the
// last acknowledged position instead of replaying already-known tickers.
type CDCConsumer struct {
	log         *slog.Logger
	snapshotLSN string
	out         chan<- string
}

// NewCDCConsumer creates a CDC consumer filtering on snapshotLSN: events
// with an LSN strictly less than snapshotLSN are discarded as already
// accounted for in the initial catalog snapshot.
func NewCDCConsumer(log *slog.Logger, snapshotLSN string, out chan<- string) *CDCConsumer {
	return &CDCConsumer{log: log, snapshotLSN: snapshotLSN, out: out}
}

// Run consumes ChangeEvents from events until that bus subscription channel
// closes or ctx is done.
func (c *CDCConsumer) Run(ctx context.Context, events <-chan bus.Envelope) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			c.handle(env)
		case <-ctx.Done():
			return
		}
	}
}

func (c *CDCConsumer) handle(env bus.Envelope) {
	var evt ChangeEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		c.log.Warn("discarding malformed CDC change event", "error", err)
		return
	}
	if evt.Ticker == "" {
		return
	}
	if !LSNGte(evt.LSN, c.snapshotLSN) {
		c.log.Debug("dropping CDC event before snapshot LSN", "ticker", evt.Ticker, "lsn", evt.LSN, "snapshot_lsn", c.snapshotLSN)
		return
	}
	c.out <- evt.Ticker
}
