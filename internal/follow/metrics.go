package follow

import (
	"github.com/drpcorg/chainhead/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

var pinnedBlocksMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "pinned_blocks",
	Help:      "The current number of blocks pinned on the node",
})

var subscribersMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "subscribers",
	Help:      "The current number of block event subscribers",
})

var trackedOperationsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "tracked_operations",
	Help:      "The current number of node operations waiting for their events",
})

var evictionsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "evictions",
	Help:      "The number of unpinned blocks",
}, []string{"reason"})

var resubscribesMetric = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "resubscribes",
	Help:      "The number of follow subscriptions restarted after a stop",
})

var laggedSubscribersMetric = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: config.AppName,
	Subsystem: "follow",
	Name:      "lagged_subscribers",
	Help:      "The number of subscribers and operations dropped for being too slow",
})

func init() {
	prometheus.MustRegister(
		pinnedBlocksMetric,
		subscribersMetric,
		trackedOperationsMetric,
		evictionsMetric,
		resubscribesMetric,
		laggedSubscribersMetric,
	)
}

const (
	evictionAge        = "age"
	evictionSuperseded = "superseded"
)
