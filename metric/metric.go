package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceSequencer = "sequencer"
	namespaceForest    = "forest"
	namespaceAPI       = "api"
)

var (
	// CurrentTick tick the sequencer applies operations at
	CurrentTick = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSequencer,
			Name:      "current_tick",
			Help:      "",
		})

	// Operations applied operations count
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSequencer,
			Name:      "operations_total",
			Help:      "",
		}, []string{"op"})

	// RejectedOperations rejected operations count by error class
	RejectedOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSequencer,
			Name:      "rejected_operations_total",
			Help:      "",
		}, []string{"op", "class"})

	// OperationDuration duration of applying an operation in ms
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceSequencer,
			Name:      "operation_duration",
			Help:      "",
		}, []string{"op"})

	// LeavesInserted leaves added per tree
	LeavesInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceForest,
			Name:      "leaves_inserted_total",
			Help:      "",
		}, []string{"tree"})

	// QueuesOnboarded onboarded bus queue count
	QueuesOnboarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceForest,
			Name:      "queues_onboarded_total",
			Help:      "",
		})

	// RewardPaid total reward paid to onboarders, as a float of the
	// smallest unit
	RewardPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceForest,
			Name:      "reward_paid_total",
			Help:      "",
		})

	// BlacklistToggles blacklist flag changes by action
	BlacklistToggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceForest,
			Name:      "blacklist_toggles_total",
			Help:      "",
		}, []string{"action"})

	// ForestCacheIndex cache index of the current forest root
	ForestCacheIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceForest,
			Name:      "cache_index",
			Help:      "",
		})

	// APIRequests http requests count by route and status
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceAPI,
			Name:      "requests_total",
			Help:      "",
		}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(CurrentTick)
	prometheus.MustRegister(Operations)
	prometheus.MustRegister(RejectedOperations)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(LeavesInserted)
	prometheus.MustRegister(QueuesOnboarded)
	prometheus.MustRegister(RewardPaid)
	prometheus.MustRegister(BlacklistToggles)
	prometheus.MustRegister(ForestCacheIndex)
	prometheus.MustRegister(APIRequests)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
