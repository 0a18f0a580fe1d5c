package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_messages_total",
	Help: "Messages by channel type and outcome",
}, []string{"type", "outcome"})

var tierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "relay_tier_duration_seconds",
	Help:    "Time spent processing one channel type",
	Buckets: prometheus.ExponentialBuckets(1, 2, 12),
}, []string{"type"})

var trackedChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "relay_tracked_channels",
	Help: "Tracked channels by type",
}, []string{"type"})

var pendingForwards = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "relay_pending_forwards",
	Help: "Rate limited forwards waiting for the next run",
}, []string{"type"})

var cycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_cycle_errors_total",
	Help: "Aborted control loop cycles",
}, []string{"kind"})
