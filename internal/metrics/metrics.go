// Package metrics exposes the ingestion daemon's Prometheus registry and
// the /health, /ready, /metrics HTTP endpoints, plus periodic host-resource
// sampling via gopsutil.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry holds every metric the ingestion daemon publishes, namespaced
// under "ingestcore".
type Registry struct {
	reg *prometheus.Registry

	MessagesTotal      *prometheus.CounterVec
	LastActivityTS     *prometheus.GaugeVec
	WebSocketConnected *prometheus.GaugeVec
	ShardsTotal        *prometheus.GaugeVec
	MarketsSubscribed  *prometheus.GaugeVec
	IdleSeconds        *prometheus.GaugeVec
	HostCPUPercent     prometheus.Gauge
	HostMemUsedPercent prometheus.Gauge

	ready atomic.Bool
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingestcore",
			Name:      "messages_total",
			Help:      "Total messages classified by the stream worker, by feed/shard/type.",
		}, []string{"feed", "shard", "type"}),
		LastActivityTS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last frame received, by feed/shard.",
		}, []string{"feed", "shard"}),
		WebSocketConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "websocket_connected",
			Help:      "1 if the shard's websocket is connected, 0 otherwise.",
		}, []string{"feed", "shard"}),
		ShardsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "shards_total",
			Help:      "Number of active shards, by feed.",
		}, []string{"feed"}),
		MarketsSubscribed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "markets_subscribed",
			Help:      "Number of instruments currently subscribed, by feed/shard.",
		}, []string{"feed", "shard"}),
		IdleSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "idle_seconds",
			Help:      "Seconds since the last frame was received, by feed/shard.",
		}, []string{"feed", "shard"}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilization percentage, sampled periodically.",
		}),
		HostMemUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingestcore",
			Name:      "host_mem_used_percent",
			Help:      "Host memory utilization percentage, sampled periodically.",
		}),
	}

	reg.MustRegister(
		r.MessagesTotal,
		r.LastActivityTS,
		r.WebSocketConnected,
		r.ShardsTotal,
		r.MarketsSubscribed,
		r.IdleSeconds,
		r.HostCPUPercent,
		r.HostMemUsedPercent,
	)

	return r
}

// SetReady flips the /ready endpoint's reported state.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// SampleHost periodically refreshes the host CPU/memory gauges until ctx is
// canceled. Sampling failures are logged and skipped rather than treated as
// fatal, since host metrics are diagnostic, not load-bearing.
func (r *Registry) SampleHost(ctx context.Context, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
				r.HostCPUPercent.Set(pcts[0])
			} else if err != nil {
				log.Debug("host cpu sample failed", "error", err)
			}

			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				r.HostMemUsedPercent.Set(vm.UsedPercent)
			} else {
				log.Debug("host mem sample failed", "error", err)
			}
		}
	}
}

// Handler returns the Prometheus scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// HealthHandler always reports 200 once the process is up; it indicates the
// process is alive, not that it is serving traffic.
func (r *Registry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// ReadyHandler reports 200 once SetReady(true) has been called (the caller
// decides what "ready" means — for the ingestion daemon, the primary shard
// having reached its streaming state), 503 otherwise.
func (r *Registry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.ready.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

// Mux builds an http.ServeMux wiring /health, /ready, and /metrics.
func (r *Registry) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", r.HealthHandler())
	mux.Handle("/ready", r.ReadyHandler())
	mux.Handle("/metrics", r.Handler())
	return mux
}
