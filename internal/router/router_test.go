package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marketpulse/ingestcore/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func manyTickers(n int, prefix string) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = prefix + string(rune('A'+i%26)) + string(rune('0'+(i/26)%10))
	}
	return out
}

func TestRouter_Creation(t *testing.T) {
	r := New(testLogger(), 500, 10, []string{"MARKET-1", "MARKET-2"})
	if r.TotalMarkets() != 2 {
		t.Fatalf("expected 2 total markets, got %d", r.TotalMarkets())
	}
	if !r.IsSubscribed("MARKET-1") || !r.IsSubscribed("MARKET-2") {
		t.Fatal("expected initial markets to be marked subscribed")
	}
	if r.IsSubscribed("MARKET-3") {
		t.Fatal("MARKET-3 should not be subscribed")
	}
}

func TestRouter_FindShardWithCapacity(t *testing.T) {
	r := New(testLogger(), 500, 10, nil)
	full := make(chan Command, 10)
	spare := make(chan Command, 10)
	r.RegisterShard(0, full, 500)
	r.RegisterShard(1, spare, 100)

	if got := r.findShardWithCapacity(); got != 1 {
		t.Fatalf("expected shard 1, got %d", got)
	}
}

func TestRouter_NoCapacityAvailable(t *testing.T) {
	r := New(testLogger(), 500, 10, nil)
	a := make(chan Command, 10)
	b := make(chan Command, 10)
	r.RegisterShard(0, a, 500)
	r.RegisterShard(1, b, 500)

	if got := r.findShardWithCapacity(); got != -1 {
		t.Fatalf("expected no shard with capacity, got %d", got)
	}
}

// Scenario S1: two shards capped at 500, 600 new tickers routed -> one shard
// fills to 500, the other receives the remaining 100.
func TestRouter_SplitsAcrossShardsWhenOverCapacity(t *testing.T) {
	r := New(testLogger(), 500, 600, nil)
	a := make(chan Command, 10)
	b := make(chan Command, 10)
	r.RegisterShard(0, a, 0)
	r.RegisterShard(1, b, 0)

	for _, ticker := range manyTickers(600, "T") {
		r.Add(ticker)
	}
	r.Flush()

	total := 0
	for _, ch := range []chan Command{a, b} {
		close(ch)
		for cmd := range ch {
			total += len(cmd.Tickers)
		}
	}
	if total != 600 {
		t.Fatalf("expected 600 tickers routed, got %d", total)
	}
	if r.shards[0].count != 500 {
		t.Fatalf("expected shard 0 to fill to 500, got %d", r.shards[0].count)
	}
	if r.shards[1].count != 100 {
		t.Fatalf("expected shard 1 to take the remaining 100, got %d", r.shards[1].count)
	}
}

// Scenario S2: both shards already full, 10 more tickers arrive -> all 10
// remain pending and no shard send is attempted.
func TestRouter_AllShardsFull_TickersRemainPending(t *testing.T) {
	r := New(testLogger(), 500, 5, nil)
	a := make(chan Command, 10)
	b := make(chan Command, 10)
	r.RegisterShard(0, a, 500)
	r.RegisterShard(1, b, 500)

	for _, ticker := range manyTickers(10, "U") {
		r.Add(ticker)
	}
	r.Flush()

	if len(r.pending) != 10 {
		t.Fatalf("expected 10 tickers pending, got %d", len(r.pending))
	}
	select {
	case cmd := <-a:
		t.Fatalf("expected no command sent to shard 0, got %v", cmd)
	default:
	}
}

func TestRouter_MetricsReflectShardState(t *testing.T) {
	reg := metrics.New()
	r := New(testLogger(), 500, 10, nil)
	a := make(chan Command, 10)
	r.RegisterShard(0, a, 0)
	r.SetMetrics(reg, "kalshi")

	r.Add("MKT-1")
	r.Flush()

	if got := testutil.ToFloat64(reg.ShardsTotal.WithLabelValues("kalshi")); got != 1 {
		t.Errorf("expected shards_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(reg.MarketsSubscribed.WithLabelValues("kalshi", "0")); got != 1 {
		t.Errorf("expected markets_subscribed=1, got %v", got)
	}
}

func TestRouter_Add_DuplicateIgnored(t *testing.T) {
	r := New(testLogger(), 500, 10, []string{"DUP"})
	if r.Add("DUP") {
		t.Fatal("expected duplicate add to return false")
	}
}

func TestRouter_Run_FlushesOnChannelClose(t *testing.T) {
	r := New(testLogger(), 500, 1000, nil)
	inbox := make(chan Command, 10)
	r.RegisterShard(0, inbox, 0)

	newTickers := make(chan string, 3)
	newTickers <- "A"
	newTickers <- "B"
	close(newTickers)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx, newTickers, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}

	select {
	case cmd := <-inbox:
		if len(cmd.Tickers) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(cmd.Tickers))
		}
	default:
		t.Fatal("expected a flushed command on inbox")
	}
}
