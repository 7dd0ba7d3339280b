package protocol

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_verify_total",
		Help: "Verify calls, labeled by outcome code",
	}, []string{"result"})

	settleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_settle_total",
		Help: "Settle calls, labeled by outcome code",
	}, []string{"result"})

	settleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facilitator_settle_duration_seconds",
		Help:    "Latency of settle calls including ledger confirmation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}
