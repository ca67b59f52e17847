// Package worker implements the stream worker: one WebSocket connection per
// shard that authenticates (when the venue requires it), subscribes its
// assigned tickers, classifies inbound frames through the venue capability
// table, and republishes data frames onto the ring buffer and the pub/sub
// fabric while tracking liveness.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketpulse/ingestcore/internal/bus"
	"github.com/marketpulse/ingestcore/internal/metrics"
	"github.com/marketpulse/ingestcore/internal/ring"
	"github.com/marketpulse/ingestcore/internal/router"
	"github.com/marketpulse/ingestcore/internal/venue"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 120 * time.Second
	controlWriteWait      = 5 * time.Second
	minBackoff            = 500 * time.Millisecond
	maxBackoff            = 30 * time.Second
	idleReportInterval    = 5 * time.Second
)

// State is the stream worker's connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Worker drives a single shard's WebSocket session against one venue.
type Worker struct {
	log          *slog.Logger
	feed         string
	shardID      int
	url          string
	cap          venue.Capability
	creds        *venue.Credentials
	authPath     string
	ring         *ring.Buffer
	bus          *bus.Bus
	dataSubject  string
	livenessSubj string
	dscp         int
	shardLabel   string

	connectTimeout time.Duration
	readTimeout    time.Duration

	metricsReg   *metrics.Registry
	lastActivity atomic.Int64 // unix nanoseconds, 0 if no frame received yet

	mu      sync.Mutex
	state   State
	tickers map[string]struct{}
	inbox   chan router.Command
}

// New creates a stream worker for one shard. creds may be nil for venue
// families that do not require a signed handshake. authPath is the
// canonical request path used to build the signed-auth message; it is
// ignored when creds is nil.
func New(log *slog.Logger, feed string, shardID int, url string, cap venue.Capability, creds *venue.Credentials, authPath string, rb *ring.Buffer, b *bus.Bus, initialTickers []string) *Worker {
	tickers := make(map[string]struct{}, len(initialTickers))
	for _, t := range initialTickers {
		tickers[t] = struct{}{}
	}
	return &Worker{
		log:            log.With("feed", feed, "shard_id", shardID),
		feed:           feed,
		shardID:        shardID,
		url:            url,
		cap:            cap,
		creds:          creds,
		authPath:       authPath,
		ring:           rb,
		bus:            b,
		dataSubject:    bus.Subject("prod", feed, "data"),
		livenessSubj:   bus.Subject("prod", feed, "liveness"),
		shardLabel:     strconv.Itoa(shardID),
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultReadTimeout,
		state:          StateIdle,
		tickers:        tickers,
		inbox:          make(chan router.Command, 64),
	}
}

// Inbox returns the channel the subscription router sends ticker batches
// to; register it with router.Router.RegisterShard.
func (w *Worker) Inbox() chan<- router.Command {
	return w.inbox
}

// SetDSCP marks the worker's TCP connections with the given DSCP code point
// (see ParseDSCP), so market-data traffic can be prioritized over archive
// uploads and catalog polling on networks that honor DiffServ.
func (w *Worker) SetDSCP(dscp int) {
	w.dscp = dscp
}

// SetMetrics wires a metrics registry into the worker so message counts,
// connection state, and liveness gauges are published for this shard.
func (w *Worker) SetMetrics(reg *metrics.Registry) {
	w.metricsReg = reg
}

// SetTimeouts overrides the connect and read deadlines from their defaults
// (30s connect, 120s read). A non-positive value leaves the current setting
// unchanged.
func (w *Worker) SetTimeouts(connect, read time.Duration) {
	if connect > 0 {
		w.connectTimeout = connect
	}
	if read > 0 {
		w.readTimeout = read
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()

	if w.metricsReg == nil {
		return
	}
	connected := 0.0
	if s == StateStreaming {
		connected = 1.0
	}
	w.metricsReg.WebSocketConnected.WithLabelValues(w.feed, w.shardLabel).Set(connected)
}

// recordActivity stamps the last-activity timestamp for every classified
// frame (data, liveness, and ack alike), then publishes the message-count
// and last-activity gauges. Liveness/ack frames still update activity but
// are otherwise dropped from the data path in readLoop.
func (w *Worker) recordActivity(class venue.MessageClass) {
	now := time.Now()
	w.lastActivity.Store(now.UnixNano())

	if w.metricsReg == nil {
		return
	}
	w.metricsReg.MessagesTotal.WithLabelValues(w.feed, w.shardLabel, class.String()).Inc()
	w.metricsReg.LastActivityTS.WithLabelValues(w.feed, w.shardLabel).Set(float64(now.Unix()))
}

// reportIdle periodically recomputes the idle-seconds gauge from the last
// recorded activity, until ctx is canceled. Idle time is only meaningful
// once at least one frame has been classified.
func (w *Worker) reportIdle(ctx context.Context) {
	ticker := time.NewTicker(idleReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := w.lastActivity.Load()
			if last == 0 {
				continue
			}
			idle := time.Since(time.Unix(0, last)).Seconds()
			w.metricsReg.IdleSeconds.WithLabelValues(w.feed, w.shardLabel).Set(idle)
		}
	}
}

// Run connects and streams until ctx is canceled, reconnecting with
// exponential backoff and jitter on any connection failure.
func (w *Worker) Run(ctx context.Context) {
	if w.metricsReg != nil {
		go w.reportIdle(ctx)
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			w.setState(StateClosed)
			return
		default:
		}

		err := w.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			w.setState(StateClosed)
			return
		}

		attempt++
		backoff := nextBackoff(attempt)
		w.log.Warn("stream session ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			w.setState(StateClosed)
			return
		case <-time.After(backoff):
		}
	}
}

func nextBackoff(attempt int) time.Duration {
	d := minBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func (w *Worker) runOnce(ctx context.Context) error {
	w.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout)
	defer cancel()

	header := make(map[string][]string)
	if w.cap.RequiresAuth && w.creds != nil {
		w.setState(StateAuthenticating)
		ts, sig, err := w.creds.SignWebSocketRequest(w.authPath)
		if err != nil {
			return fmt.Errorf("worker: signing auth request: %w", err)
		}
		header["KALSHI-ACCESS-KEY"] = []string{w.creds.APIKey}
		header["KALSHI-ACCESS-TIMESTAMP"] = []string{ts}
		header["KALSHI-ACCESS-SIGNATURE"] = []string{sig}
	}

	dialer := *websocket.DefaultDialer
	if w.dscp != 0 {
		netDialer := &net.Dialer{Timeout: w.connectTimeout}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := netDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if err := ApplyDSCP(conn, w.dscp); err != nil {
				w.log.Warn("failed to apply DSCP marking", "error", err)
			}
			return conn, nil
		}
	}

	conn, _, err := dialer.DialContext(dialCtx, w.url, header)
	if err != nil {
		return fmt.Errorf("worker: dialing %s: %w", w.url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		return nil
	})

	w.setState(StateSubscribing)
	if err := w.subscribeLocked(conn, w.snapshotTickers()); err != nil {
		return fmt.Errorf("worker: initial subscribe: %w", err)
	}

	w.setState(StateStreaming)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errCh <- w.readLoop(connCtx, conn) }()
	go func() { defer wg.Done(); errCh <- w.pingLoop(connCtx, conn) }()
	go w.commandLoop(connCtx, conn)

	err = <-errCh
	connCancel()
	wg.Wait()

	w.setState(StateClosing)
	return err
}

func (w *Worker) snapshotTickers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tickers))
	for t := range w.tickers {
		out = append(out, t)
	}
	return out
}

func (w *Worker) subscribeLocked(conn *websocket.Conn, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	frame, err := w.cap.SubscribeFrame(tickers, "")
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(controlWriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// commandLoop applies router-assigned ticker batches to the live connection
// as they arrive, without waiting for a reconnect.
func (w *Worker) commandLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-w.inbox:
			if !ok {
				return
			}
			w.mu.Lock()
			for _, t := range cmd.Tickers {
				w.tickers[t] = struct{}{}
			}
			w.mu.Unlock()

			if err := w.subscribeLocked(conn, cmd.Tickers); err != nil {
				w.log.Warn("failed to send dynamic subscribe", "error", err)
			}
		}
	}
}

func (w *Worker) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if w.cap.PingShape != venue.PingWebSocket && w.cap.PingInterval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}

	interval := w.cap.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(controlWriteWait))
			var err error
			switch w.cap.PingShape {
			case venue.PingWebSocket:
				err = conn.WriteMessage(websocket.PingMessage, nil)
			case venue.PingText:
				err = conn.WriteMessage(websocket.TextMessage, w.cap.PingFrame())
			default:
				err = conn.WriteMessage(websocket.TextMessage, w.cap.PingFrame())
			}
			if err != nil {
				return fmt.Errorf("worker: sending ping: %w", err)
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("worker: read timeout: %w", err)
			}
			return fmt.Errorf("worker: read: %w", err)
		}

		class, _ := w.cap.Classify(data)
		w.recordActivity(class)

		switch class {
		case venue.ClassLiveness:
			w.bus.Publish(w.livenessSubj, data, nil)
		case venue.ClassAck:
			// subscribe confirmation; nothing further to do on the hot path
		case venue.ClassData, venue.ClassUnknown:
			if !w.ring.TryWrite(data) {
				w.log.Debug("ring buffer full, record dropped")
			}
			w.bus.Publish(w.dataSubject, data, nil)
		}
	}
}
