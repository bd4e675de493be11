package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitment_cancellations_total",
		Help: "Total number of cancelled commitments",
	}, []string{"class"})

	CancellationsDeclinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitment_cancellations_declined_total",
		Help: "Total number of cancellation requests declined by policy",
	}, []string{"class"})

	SuspensionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actor_suspensions_total",
		Help: "Total number of suspensions applied for exceeding the monthly cancellation limit",
	}, []string{"class"})

	CompensationCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfq_compensation_charged_total",
		Help: "Total supplier-protection compensation charged for late RFQ withdrawals",
	})

	AdvancementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitment_advancements_total",
		Help: "Total number of accepted deadline advancements",
	}, []string{"class"})

	AdvancementsDeclinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitment_advancements_declined_total",
		Help: "Total number of advancement requests declined by policy",
	}, []string{"class"})

	AdvancementRewardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "advancement_rewards_total",
		Help: "Total number of counterpart rewards created by advancements",
	})

	ClosureRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closure_rounds_total",
		Help: "Total number of processed closure rounds",
	}, []string{"status"})

	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closure_failovers_total",
		Help: "Total number of fulfillment failures handled",
	}, []string{"outcome"})

	ConcurrencyConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concurrency_conflicts_total",
		Help: "Total number of optimistic-lock conflicts",
	}, []string{"operation"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policy_operation_latency_seconds",
		Help:    "Latency of policy engine operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	TriggerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_events_total",
		Help: "Total number of scheduler trigger events consumed",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
