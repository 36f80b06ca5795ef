package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inventory"

type Metrics struct {
	ReservationsCreated    prometheus.Counter
	ReservationsRejected   *prometheus.CounterVec
	ReservationTransitions *prometheus.CounterVec
	ConflictRetries        prometheus.Counter
	Adjustments            *prometheus.CounterVec
	SweepRuns              prometheus.Counter
	SweepExpired           prometheus.Counter
	SweepErrors            prometheus.Counter
	OutboxPublished        prometheus.Counter
	OutboxFailed           prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReservationsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Pending reservations created.",
		}),
		ReservationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_rejected_total",
			Help:      "Order reservation attempts rejected, by reason.",
		}, []string{"reason"}),
		ReservationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Reservations moved out of pending, by terminal status.",
		}, []string{"status"}),
		ConflictRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflict_retries_total",
			Help:      "Units of work retried after an optimistic version conflict.",
		}),
		Adjustments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Stock adjustments, by outcome.",
		}, []string{"outcome"}),
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Expiry sweep cycles run.",
		}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_expired_total",
			Help:      "Reservations expired by the sweeper.",
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_errors_total",
			Help:      "Reservations the sweeper failed to expire.",
		}),
		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events delivered to the event sink.",
		}),
		OutboxFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Outbox delivery attempts that failed.",
		}),
	}
}
