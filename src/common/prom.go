package common

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "settlements_total",
	Help:      "predictions and prize pools settled, by resulting status",
}, []string{"status"})

var payoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "payouts_total",
	Help:      "claims paid by an accepted broadcast",
}, []string{"kind"})

var payoutSompiCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "payout_sompi_total",
	Help:      "sompi paid out by accepted broadcasts",
})

var broadcastCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "broadcasts_total",
	Help:      "broadcast attempts by outcome",
}, []string{"outcome"})

var broadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "settler",
	Name:      "broadcast_seconds",
	Help:      "time spent submitting a transaction",
	Buckets:   prometheus.DefBuckets,
})

var forfeitCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "forfeits_total",
	Help:      "claims forfeited below the dust floor",
})

var alertCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "payout_alerts_total",
	Help:      "claims that hit the consecutive broadcast failure limit",
})

var violationCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "consistency_violations_total",
	Help:      "groups halted for a ledger consistency violation",
})

var reconcileCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settler",
	Name:      "reconciled_batches_total",
	Help:      "stale batches resolved at job start, by action",
}, []string{"action"})

var owedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "settler",
	Name:      "owed_sompi",
	Help:      "sompi owed at the start of the last disbursement, and the part that could not be funded",
}, []string{"state"})

func init() {
	prometheus.MustRegister(settlementCounter, payoutCounter, payoutSompiCounter, broadcastCounter,
		broadcastDuration, forfeitCounter, alertCounter, violationCounter, reconcileCounter, owedGauge)
}

func StartPromServer(logger *zap.Logger, port string) {
	logger.Info("hosting prom stats on " + port + "/metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("prom server exited", zap.Error(err))
		}
	}()
}

func RecordSettlement(status string) {
	settlementCounter.WithLabelValues(status).Inc()
}

func RecordPayout(kind string, amount uint64) {
	payoutCounter.WithLabelValues(kind).Inc()
	payoutSompiCounter.Add(float64(amount))
}

func RecordBroadcast(outcome string, took time.Duration) {
	broadcastCounter.WithLabelValues(outcome).Inc()
	broadcastDuration.Observe(took.Seconds())
}

func RecordForfeits(n int) {
	forfeitCounter.Add(float64(n))
}

func RecordAlert() {
	alertCounter.Inc()
}

func RecordConsistencyViolation() {
	violationCounter.Inc()
}

func RecordReconcile(action string) {
	reconcileCounter.WithLabelValues(action).Inc()
}

func RecordOwed(owed, unfunded uint64) {
	owedGauge.WithLabelValues("owed").Set(float64(owed))
	owedGauge.WithLabelValues("unfunded").Set(float64(unfunded))
}
