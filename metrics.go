package periodic

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "periodic"

type metrics struct {
	ticks            prometheus.Counter
	tickDuration     prometheus.Histogram
	dispatched       *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	staleRedispatch  prometheus.Counter
	executionsPurged prometheus.Counter
	skipped          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		ticks: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks run.",
		})),
		tickDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		})),
		dispatched: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatched_total",
			Help:      "Scheduled tasks handed to the task backend, by mode.",
		}, []string{"mode"})),
		dispatchFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_failures_total",
			Help:      "Due schedules that could not be dispatched.",
		})),
		staleRedispatch: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_redispatched_total",
			Help:      "Pending permits dispatched again after going stale.",
		})),
		executionsPurged: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_purged_total",
			Help:      "Finished permits deleted by retention cleanup.",
		})),
		skipped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "guard_skipped_total",
			Help:      "Guarded invocations skipped because the permit was not pending.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}

	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}

	return c
}
