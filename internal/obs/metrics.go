package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenCouloirs        = promauto.NewGauge(prometheus.GaugeOpts{Name: "couloir_open_couloirs", Help: "Currently registered couloirs"})
	IdleExposers        = promauto.NewGauge(prometheus.GaugeOpts{Name: "couloir_idle_exposers", Help: "Exposer sockets joined and awaiting a client"})
	PendingClients      = promauto.NewGauge(prometheus.GaugeOpts{Name: "couloir_pending_clients", Help: "Client sockets waiting for an exposer"})
	ActivePairs         = promauto.NewGauge(prometheus.GaugeOpts{Name: "couloir_active_pairs", Help: "Currently spliced client/exposer pairs"})
	PairedTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "couloir_paired_total", Help: "Pairs established"})
	ClientTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "couloir_client_timeout_total", Help: "Clients timed out waiting for an exposer"})
	CertOrdersTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "couloir_cert_orders_total", Help: "Certificate orders started"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "couloir_errors_total", Help: "Errors by type"}, []string{"type"})
	PairDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "couloir_pair_duration_seconds", Help: "Pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
