package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal     prometheus.Counter
	IdentitiesCreated prometheus.Counter
	CreditsGranted    prometheus.Counter
	CreditsDebited    prometheus.Counter
	PaymentRequired   prometheus.Counter
	StreamsCompleted  prometheus.Counter
	StreamsAborted    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "http_requests_total",
				Help:      "Total API requests received",
			}),
			IdentitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "identities_created_total",
				Help:      "Total anonymous identities created from new fingerprints",
			}),
			CreditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "credits_granted_total",
				Help:      "Total credits granted to accounts",
			}),
			CreditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "credits_debited_total",
				Help:      "Total credits debited for user messages",
			}),
			PaymentRequired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "payment_required_total",
				Help:      "Total requests rejected for insufficient credits",
			}),
			StreamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "streams_completed_total",
				Help:      "Total completion streams that finished and were persisted",
			}),
			StreamsAborted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmeter",
				Name:      "streams_aborted_total",
				Help:      "Total completion streams dropped before completion",
			}),
		}
		prometheus.MustRegister(
			global.RequestsTotal,
			global.IdentitiesCreated,
			global.CreditsGranted,
			global.CreditsDebited,
			global.PaymentRequired,
			global.StreamsCompleted,
			global.StreamsAborted,
		)
	})
	return global
}
