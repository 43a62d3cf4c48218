package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/biopay"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Authorization metrics
	AuthorizationsRequestedTotal metric.Int64Counter
	AuthorizationsGrantedTotal   metric.Int64Counter
	AuthorizationsCancelledTotal metric.Int64Counter
	AuthorizationsExpiredTotal   metric.Int64Counter
	AuthorizationWaitDuration    metric.Float64Histogram
	WaitingAgents                metric.Int64UpDownCounter

	// Session metrics
	SessionsIssuedTotal   metric.Int64Counter
	SessionsRejectedTotal metric.Int64Counter
	SessionsSweptTotal    metric.Int64Counter

	// Payment metrics
	PaymentsSubmittedTotal metric.Int64Counter
	PaymentsFailedTotal    metric.Int64Counter
	PaymentDuration        metric.Float64Histogram

	// Notifier metrics
	OutcomesPublishedTotal metric.Int64Counter
	OutcomesDroppedTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Authorization metrics
	m.AuthorizationsRequestedTotal, _ = meter.Int64Counter(
		"biopay.authorizations.requested.total",
		metric.WithDescription("Total number of authorization requests registered by agents"),
		metric.WithUnit("{request}"),
	)

	m.AuthorizationsGrantedTotal, _ = meter.Int64Counter(
		"biopay.authorizations.granted.total",
		metric.WithDescription("Total number of authorization requests granted"),
		metric.WithUnit("{request}"),
	)

	m.AuthorizationsCancelledTotal, _ = meter.Int64Counter(
		"biopay.authorizations.cancelled.total",
		metric.WithDescription("Total number of authorization requests cancelled by the approver"),
		metric.WithUnit("{request}"),
	)

	m.AuthorizationsExpiredTotal, _ = meter.Int64Counter(
		"biopay.authorizations.expired.total",
		metric.WithDescription("Total number of authorization requests that timed out"),
		metric.WithUnit("{request}"),
	)

	m.AuthorizationWaitDuration, _ = meter.Float64Histogram(
		"biopay.authorizations.wait.duration",
		metric.WithDescription("Time an agent waited for an authorization outcome"),
		metric.WithUnit("ms"),
	)

	m.WaitingAgents, _ = meter.Int64UpDownCounter(
		"biopay.authorizations.waiting",
		metric.WithDescription("Number of agents currently blocked on an authorization"),
		metric.WithUnit("{agent}"),
	)

	// Session metrics
	m.SessionsIssuedTotal, _ = meter.Int64Counter(
		"biopay.sessions.issued.total",
		metric.WithDescription("Total number of session tokens issued"),
		metric.WithUnit("{session}"),
	)

	m.SessionsRejectedTotal, _ = meter.Int64Counter(
		"biopay.sessions.rejected.total",
		metric.WithDescription("Total number of session validations that failed"),
		metric.WithUnit("{session}"),
	)

	m.SessionsSweptTotal, _ = meter.Int64Counter(
		"biopay.sessions.swept.total",
		metric.WithDescription("Total number of expired sessions removed by the sweeper"),
		metric.WithUnit("{session}"),
	)

	// Payment metrics
	m.PaymentsSubmittedTotal, _ = meter.Int64Counter(
		"biopay.payments.submitted.total",
		metric.WithDescription("Total number of payment transactions broadcast"),
		metric.WithUnit("{transaction}"),
	)

	m.PaymentsFailedTotal, _ = meter.Int64Counter(
		"biopay.payments.failed.total",
		metric.WithDescription("Total number of payments that failed to execute"),
		metric.WithUnit("{transaction}"),
	)

	m.PaymentDuration, _ = meter.Float64Histogram(
		"biopay.payments.duration",
		metric.WithDescription("Duration of payment execution including broadcast"),
		metric.WithUnit("ms"),
	)

	// Notifier metrics
	m.OutcomesPublishedTotal, _ = meter.Int64Counter(
		"biopay.outcomes.published.total",
		metric.WithDescription("Total number of authorization outcomes published"),
		metric.WithUnit("{outcome}"),
	)

	m.OutcomesDroppedTotal, _ = meter.Int64Counter(
		"biopay.outcomes.dropped.total",
		metric.WithDescription("Total number of outcomes dropped because a subscriber was full"),
		metric.WithUnit("{outcome}"),
	)

	return m
}
