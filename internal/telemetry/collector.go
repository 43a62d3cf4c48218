package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/store"
)

var _ prometheus.Collector = (*StoreCollector)(nil)

// StoreCollector exposes the live pending and session counts of a store as gauges,
// read on every scrape.
type StoreCollector struct {
	store   store.AuthorizationStore
	timeout time.Duration

	pending  *prometheus.Desc
	sessions *prometheus.Desc
	up       *prometheus.Desc
}

// NewStoreCollector creates a collector over the given store.
func NewStoreCollector(s store.AuthorizationStore) *StoreCollector {
	return &StoreCollector{
		store:   s,
		timeout: 5 * time.Second,
		pending: prometheus.NewDesc(
			"biopay_pending_authorizations",
			"Number of authorization requests awaiting a decision.",
			nil, nil,
		),
		sessions: prometheus.NewDesc(
			"biopay_active_sessions",
			"Number of session tokens held by the store, including not yet swept expired ones.",
			nil, nil,
		),
		up: prometheus.NewDesc(
			"biopay_store_up",
			"Whether the last store stats query succeeded.",
			nil, nil,
		),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.sessions
	ch <- c.up
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect store stats")
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.Pending))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(stats.Sessions))
}
