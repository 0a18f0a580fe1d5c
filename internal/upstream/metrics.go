package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var calls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_upstream_calls_total",
	Help: "Guarded upstream calls by operation and outcome",
}, []string{"op", "result"})

var reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_upstream_reconnects_total",
	Help: "Reconnect attempts by outcome",
}, []string{"result"})

var floodWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_upstream_flood_wait_seconds_total",
	Help: "Total seconds slept because of upstream rate limits",
})
