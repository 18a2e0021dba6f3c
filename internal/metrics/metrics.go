// Package metrics holds the prometheus instruments for ingestion cycles.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Record stages counted by RecordsTotal.
const (
	StageRequested = "requested"
	StageSkipped   = "skipped_existing"
	StageFetched   = "fetched"
	StageRaced     = "skipped_race"
	StageDropped   = "dropped_invalid"
	StageIngested  = "ingested"
)

// Ingest bundles the counters of one process on a private registry.
type Ingest struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec
	history       *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
}

// NewIngest registers the ingestion instruments on a fresh registry.
func NewIngest() *Ingest {
	m := &Ingest{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricetrail_ingest_cycles_total",
				Help: "Ingestion cycles by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricetrail_ingest_cycle_duration_seconds",
				Help:    "Wall time of ingestion cycles.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"source"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricetrail_ingest_records_total",
				Help: "Records seen at each stage of a cycle.",
			},
			[]string{"stage"},
		),
		history: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricetrail_offer_history_entries_total",
				Help: "History entries committed, by change type.",
			},
			[]string{"change_type"},
		),
		sourceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricetrail_source_errors_total",
				Help: "Non-fatal per-record source failures.",
			},
			[]string{"source", "reason"},
		),
	}

	m.Registry.MustRegister(m.cycles, m.cycleDuration, m.records, m.history, m.sourceErrors)
	return m
}

// ObserveCycle records the outcome ("committed", "noop", "failed") and duration of a cycle.
func (m *Ingest) ObserveCycle(source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(source, outcome).Inc()
	m.cycleDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// AddRecords counts n records at stage.
func (m *Ingest) AddRecords(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(stage).Add(float64(n))
}

// AddHistory counts n committed history entries of changeType.
func (m *Ingest) AddHistory(changeType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.history.WithLabelValues(changeType).Add(float64(n))
}

// SourceError counts one skipped record or call.
func (m *Ingest) SourceError(source, reason string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(source, reason).Inc()
}

// Push sends the registry to a Prometheus Pushgateway. The ingestor exits
// after one cycle, so there is nothing to scrape.
func (m *Ingest) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
