// Package metrics holds the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracker
	FixesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotracker_fixes_total",
		Help: "Position fixes accepted by the tracker",
	})

	SensorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotracker_sensor_errors_total",
		Help: "Classified sensor errors",
	}, []string{"kind"})

	StaleCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotracker_stale_callbacks_total",
		Help: "Sensor callbacks ignored because their subscription was superseded",
	})

	RestartsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotracker_restarts_scheduled_total",
		Help: "Backoff restarts scheduled after transient errors",
	})

	SubscriptionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotracker_subscriptions_started_total",
		Help: "Sensor subscriptions opened",
	})

	BackoffAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotracker_backoff_attempts",
		Help: "Consecutive transient failures since the last fix",
	})

	SubscriptionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotracker_subscription_active",
		Help: "1 while a sensor subscription is open",
	})

	PermissionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotracker_permission_state",
		Help: "0 unknown, 1 granted, 2 prompt, 3 denied",
	})

	FixAccuracyMeters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotracker_fix_accuracy_meters",
		Help: "Accuracy radius of the latest fix",
	})

	// Consumers
	WebSocketViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotracker_websocket_viewers",
		Help: "Connected websocket viewers",
	})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotracker_publish_total",
		Help: "Snapshot publications per sink and result",
	}, []string{"sink", "result"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geotracker_circuit_breaker_state",
		Help: "0 closed, 1 half-open, 2 open",
	}, []string{"sink"})

	BrokerOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geotracker_broker_online",
		Help: "1 while the broker connection is up",
	}, []string{"sink"})
)
