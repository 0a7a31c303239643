package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_claimed_total",
		Help: "Work items claimed for processing.",
	})
	metricSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_succeeded_total",
		Help: "Work items accepted by the giving API.",
	})
	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_failed_total",
		Help: "Attempts that failed and will be retried.",
	})
	metricSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_suppressed_total",
		Help: "Work items suppressed pending operator review.",
	})
	metricExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_items_exhausted_total",
		Help: "Work items that spent their final attempt.",
	})
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_items",
		Help: "Current work items by status.",
	}, []string{"status"})
)
