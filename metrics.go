package taskpay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var settlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskpay",
	Subsystem: "settlement",
	Name:      "attempts_total",
	Help:      "Settlement attempts by terminal outcome (settled or failure kind).",
}, []string{"outcome"})

var verifyPolls = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "taskpay",
	Subsystem: "settlement",
	Name:      "verify_polls",
	Help:      "Polls needed for the authorized amount to become visible.",
	Buckets:   prometheus.LinearBuckets(1, 1, 5),
})

var tokensDistributed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskpay",
	Subsystem: "settlement",
	Name:      "tokens_distributed_total",
	Help:      "Total tokens distributed through confirmed settlements.",
})
