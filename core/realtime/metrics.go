package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unihub",
		Subsystem: "realtime",
		Name:      "active_subscriptions",
		Help:      "Number of open realtime subscriptions.",
	})

	mergedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unihub",
		Subsystem: "realtime",
		Name:      "merged_deltas_total",
		Help:      "Deltas folded into live lists.",
	}, []string{"list", "op"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unihub",
		Subsystem: "realtime",
		Name:      "decode_errors_total",
		Help:      "Events dropped because they could not be decoded.",
	}, []string{"list"})

	resubscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unihub",
		Subsystem: "realtime",
		Name:      "resubscribe_attempts_total",
		Help:      "Attempts to re-establish a dropped subscription.",
	}, []string{"list"})

	typingExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unihub",
		Subsystem: "realtime",
		Name:      "typing_expired_total",
		Help:      "Typing indicators removed because the peer went silent.",
	})
)
