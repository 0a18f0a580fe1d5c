package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_classifier_requests_total",
	Help: "Classifier requests by outcome",
}, []string{"result"})

var latency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "relay_classifier_latency_seconds",
	Help:    "Latency of chat completion calls",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
})
