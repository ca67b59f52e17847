package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketpulse/ingestcore/internal/archive"
	"github.com/marketpulse/ingestcore/internal/bus"
	"github.com/marketpulse/ingestcore/internal/config"
	"github.com/marketpulse/ingestcore/internal/discovery"
	"github.com/marketpulse/ingestcore/internal/logging"
	"github.com/marketpulse/ingestcore/internal/metrics"
	"github.com/marketpulse/ingestcore/internal/ring"
	"github.com/marketpulse/ingestcore/internal/router"
	"github.com/marketpulse/ingestcore/internal/snapshot"
	"github.com/marketpulse/ingestcore/internal/venue"
	"github.com/marketpulse/ingestcore/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "/etc/ingestcore/ingestd.yaml", "path to daemon config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting ingestion daemon", "feed", cfg.Feed.Name, "venue_family", cfg.Venue.Family)

	fullPolicy := ring.OverwriteOldest
	if cfg.Archive.FullPolicy == "drop-new" {
		fullPolicy = ring.DropNew
	}
	rb := ring.New(cfg.Archive.RingSizeRaw, fullPolicy)

	b := bus.New()
	metricsReg := metrics.New()

	var creds *venue.Credentials
	if cfg.Venue.PrivateKeyPEM != "" {
		c, err := venue.NewCredentials(cfg.Venue.APIKey, cfg.Venue.PrivateKeyPEM)
		if err != nil {
			return fmt.Errorf("building venue credentials: %w", err)
		}
		creds = c
	}

	cap := venue.ForFamily(venue.Family(cfg.Venue.Family))

	maxPerShard := cfg.Shards.MaxPerShard
	if cap.MaxPerConn > 0 && cap.MaxPerConn < maxPerShard {
		maxPerShard = cap.MaxPerConn
	}

	r := router.New(logger, maxPerShard, cfg.Shards.Count*10, nil)
	r.SetMetrics(metricsReg, cfg.Feed.Name)
	workers := make([]*worker.Worker, 0, cfg.Shards.Count)
	for i := 0; i < cfg.Shards.Count; i++ {
		w := worker.New(logger, cfg.Feed.Name, i, cfg.Venue.URL, cap, creds, "/", rb, b, nil)
		w.SetMetrics(metricsReg)
		w.SetTimeouts(cfg.Venue.ConnectTimeout, cfg.Venue.ReadTimeout)
		workers = append(workers, w)
		r.RegisterShard(i, w.Inbox(), 0)
		go w.Run(ctx)
	}

	newTickers := make(chan string, 1024)
	go r.Run(ctx, newTickers, 5*time.Second)

	if cfg.Discover.Mode == "rest" {
		poller := discovery.NewPoller(logger, nil, cfg.Discover.CatalogURL, newTickers)
		if err := poller.Start(ctx, fmt.Sprintf("@every %s", cfg.Discover.PollInterval)); err != nil {
			return fmt.Errorf("starting catalog poller: %w", err)
		}
		defer poller.Stop()
	}

	date := time.Now().Format("2006-01-02")
	flusher := archive.NewFlusher(logger, rb, cfg.Archive.RootDir, cfg.Feed.Name, cfg.Archive.Stream, date,
		cfg.Archive.RotateEvery.String(), int(cfg.Archive.RotateEvery.Minutes()), cfg.Archive.BatchSize, cfg.Archive.EmptySleep)
	go flusher.Run(ctx)

	if cfg.Snapshot.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Snapshot.RedisAddr})
		defer rdb.Close()
		projector := snapshot.New(logger, rdb, cfg.Snapshot.TTL, cfg.Feed.Name)

		dataSubject := bus.Subject("prod", cfg.Feed.Name, "data")
		recv, unsubscribe := b.Subscribe(dataSubject, cfg.Bus.SubscriberBuf)
		defer unsubscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-recv:
					if !ok {
						return
					}
					if err := projector.Project(ctx, env.Payload); err != nil {
						logger.Debug("snapshot projection failed", "error", err)
					}
				}
			}
		}()
	}

	go metricsReg.SampleHost(ctx, logger, 30*time.Second)

	if len(workers) > 0 {
		go watchReadiness(ctx, metricsReg, workers[0])
	} else {
		metricsReg.SetReady(true)
	}

	httpServer := &http.Server{Addr: cfg.Health.Listen, Handler: metricsReg.Mux()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", "error", err)
	}

	return nil
}

// watchReadiness polls the primary shard's connection state and reflects it
// on the /ready endpoint: ready iff the primary shard has reached streaming.
func watchReadiness(ctx context.Context, reg *metrics.Registry, primary *worker.Worker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SetReady(primary.State() == worker.StateStreaming)
		}
	}
}
