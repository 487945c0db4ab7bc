package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Delivery metrics
	DeliveriesTotal *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec

	// Batch metrics
	BatchesTotal  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec

	// Job metrics
	JobsFinished     *prometheus.CounterVec
	ActiveDrives     prometheus.Gauge
	RequeuedTotal    prometheus.Counter
	ResumedJobsTotal prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec

	// Broker metrics
	TriggersConsumed *prometheus.CounterVec
}

// New creates unregistered collectors under namespace. Call Register to expose them.
func New(namespace string) *Metrics {
	return &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of delivery attempts by channel and outcome",
		}, []string{"channel", "status"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent sending a single message",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of dispatched batches",
		}, []string{"channel"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from the first send of a batch until every member resolved",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of broadcast jobs that reached a terminal status",
		}, []string{"channel", "status"}),
		ActiveDrives: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_drives",
			Help:      "Current number of delivery passes running in this process",
		}),
		RequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_requeued_total",
			Help:      "Total number of failed recipients re-admitted by reprocess",
		}),
		ResumedJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_resumed_total",
			Help:      "Total number of stalled jobs reclaimed by the sweeper",
		}),
		DatabaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		TriggersConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_consumed_total",
			Help:      "Total number of job triggers consumed from the broker",
		}, []string{"kind", "status"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.DeliveriesTotal,
		m.DeliveryLatency,
		m.BatchesTotal,
		m.BatchDuration,
		m.JobsFinished,
		m.ActiveDrives,
		m.RequeuedTotal,
		m.ResumedJobsTotal,
		m.DatabaseOperations,
		m.TriggersConsumed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
