package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
)

// CatalogEntry is one instrument returned by a venue catalog endpoint.
type CatalogEntry struct {
	Ticker string `json:"ticker"`
}

// catalogResponse is the minimal shape expected from a REST catalog
// endpoint: a flat list of active instruments.
type catalogResponse struct {
	Markets []CatalogEntry `json:"markets"`
}

// Poller periodically fetches a venue's catalog over REST and emits any
// ticker not seen before onto its output channel, using the teacher's cron
// scheduling idiom rather than a bare time.Ticker so poll cadence follows
// the same cron-expression convention as the rest of the daemon.
type Poller struct {
	log        *slog.Logger
	httpClient *http.Client
	catalogURL string
	seen       map[string]struct{}
	out        chan<- string
	cron       *cron.Cron
}

// NewPoller creates a catalog poller. out should be buffered generously
// since a single poll can surface many tickers at once; Poll blocks on a
// full out channel until a consumer drains it or ctx is done, so the caller
// must keep a consumer draining it (the subscription router's Run loop does
// this).
func NewPoller(log *slog.Logger, httpClient *http.Client, catalogURL string, out chan<- string) *Poller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		log:        log,
		httpClient: httpClient,
		catalogURL: catalogURL,
		seen:       make(map[string]struct{}),
		out:        out,
	}
}

// Start schedules Poll on the given cron expression (e.g. "@every 5m") and
// runs an initial poll immediately so the router has a starting catalog
// before the first scheduled tick.
func (p *Poller) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(p.log.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(schedule, func() {
		if err := p.Poll(ctx); err != nil {
			p.log.Warn("catalog poll failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("discovery: scheduling catalog poll: %w", err)
	}

	p.cron = c
	c.Start()

	if err := p.Poll(ctx); err != nil {
		p.log.Warn("initial catalog poll failed", "error", err)
	}
	return nil
}

// Stop halts the poll schedule without waiting for an in-flight poll.
func (p *Poller) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// Poll fetches the catalog once and emits newly seen tickers on out.
func (p *Poller) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.catalogURL, nil)
	if err != nil {
		return fmt.Errorf("discovery: building catalog request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discovery: catalog endpoint returned status %d", resp.StatusCode)
	}

	var body catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("discovery: decoding catalog response: %w", err)
	}

	found := 0
	for _, entry := range body.Markets {
		if entry.Ticker == "" {
			continue
		}
		if _, ok := p.seen[entry.Ticker]; ok {
			continue
		}
		p.seen[entry.Ticker] = struct{}{}
		found++
		select {
		case p.out <- entry.Ticker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.log.Debug("catalog poll complete", "new_tickers", found, "total_known", len(p.seen))
	return nil
}
