package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts sampling ticks by source (periodic, manual) and result.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tofeyes_sampler_ticks_total",
		Help: "Sampling ticks by source and result",
	}, []string{"source", "result"})

	// SensorFaultsTotal counts sensor faults by kind.
	SensorFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tofeyes_sensor_faults_total",
		Help: "Sensor faults by kind",
	}, []string{"kind"})

	// InvalidSamplesTotal counts samples classified invalid.
	InvalidSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tofeyes_sensor_invalid_samples_total",
		Help: "Samples classified invalid by the distance driver",
	})

	// ExpressionCommitsTotal counts committed expression transitions.
	ExpressionCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tofeyes_expression_commits_total",
		Help: "Committed expression transitions by expression",
	}, []string{"expression"})

	// RenderFailuresTotal counts failed frame writes by kind.
	RenderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tofeyes_render_failures_total",
		Help: "Failed renders by error kind",
	}, []string{"kind"})

	// BusWaitSeconds tracks how long callers waited to acquire a bus.
	BusWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tofeyes_bus_wait_seconds",
		Help:    "Time spent waiting for exclusive bus access",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"bus"})

	// BusBusyTotal counts acquisitions that gave up waiting.
	BusBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tofeyes_bus_busy_total",
		Help: "Bus acquisitions that timed out",
	}, []string{"bus"})
)
