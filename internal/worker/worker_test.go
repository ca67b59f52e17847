package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	busp "github.com/marketpulse/ingestcore/internal/bus"
	"github.com/marketpulse/ingestcore/internal/metrics"
	"github.com/marketpulse/ingestcore/internal/ring"
	"github.com/marketpulse/ingestcore/internal/venue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoServer accepts a single connection, sends one data frame, then blocks
// until the client disconnects.
func echoServer(t *testing.T, onMessage func(msgType int, data []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker","market_ticker":"X"}`)); err != nil {
			return
		}

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onMessage != nil {
				onMessage(msgType, data)
			}
		}
	}))
	return srv
}

func TestWorker_StreamsDataFrameIntoRingAndBus(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rb := ring.New(1<<16, ring.OverwriteOldest)
	b := busp.New()
	recv, unsubscribe := b.Subscribe(busp.Subject("prod", "kalshi", "data"), 8)
	defer unsubscribe()

	cap := venue.ForFamily(venue.FamilyA)
	cap.SubscribeFrame = func(tickers []string, cmdID string) ([]byte, error) {
		return []byte(`{"type":"cmd"}`), nil
	}

	w := New(testLogger(), "kalshi", 0, wsURL, cap, nil, "", rb, b, []string{"X"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case env := <-recv:
		if !strings.Contains(string(env.Payload), "ticker") {
			t.Fatalf("unexpected payload: %s", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data frame on bus")
	}

	record, ok := rb.TryRead()
	if !ok {
		t.Fatal("expected a record in the ring buffer")
	}
	if !strings.Contains(string(record), "ticker") {
		t.Fatalf("unexpected ring record: %s", record)
	}

	cancel()
	<-done
}

func TestWorker_RecordsActivityAndConnectionMetrics(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rb := ring.New(1<<16, ring.OverwriteOldest)
	b := busp.New()
	recv, unsubscribe := b.Subscribe(busp.Subject("prod", "kalshi", "data"), 8)
	defer unsubscribe()

	cap := venue.ForFamily(venue.FamilyA)
	cap.SubscribeFrame = func(tickers []string, cmdID string) ([]byte, error) {
		return []byte(`{"type":"cmd"}`), nil
	}

	reg := metrics.New()
	w := New(testLogger(), "kalshi", 0, wsURL, cap, nil, "", rb, b, []string{"X"})
	w.SetMetrics(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-recv:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data frame on bus")
	}

	if got := testutil.ToFloat64(reg.WebSocketConnected.WithLabelValues("kalshi", "0")); got != 1 {
		t.Errorf("expected websocket_connected=1 while streaming, got %v", got)
	}
	if got := testutil.ToFloat64(reg.MessagesTotal.WithLabelValues("kalshi", "0", "data")); got < 1 {
		t.Errorf("expected at least 1 data message counted, got %v", got)
	}

	cancel()
	<-done
}

func TestWorker_StateStringer(t *testing.T) {
	cases := map[State]string{
		StateIdle:           "idle",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateSubscribing:    "subscribing",
		StateStreaming:      "streaming",
		StateClosing:        "closing",
		StateClosed:         "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestNextBackoff_WithinBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := nextBackoff(attempt)
		if d <= 0 || d > maxBackoff {
			t.Fatalf("attempt %d: backoff %v out of bounds (0, %v]", attempt, d, maxBackoff)
		}
	}
}
