package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_sessions",
		Help: "Current registered device sessions.",
	})
	SessionEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_session_evicted_total",
		Help: "Total sessions evicted by a newer connection from the same device.",
	})

	MsgAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_msg_appended_total",
		Help: "Total messages durably appended.",
	})

	DeliverPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliver_pushed_total",
		Help: "Total deliver frames queued onto a live session.",
	})
	DeliverOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliver_offline_total",
		Help: "Total dispatch attempts with no live recipient session.",
	})
	DeliverFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliver_failed_total",
		Help: "Total pushes that failed on a live session (backpressure or dying connection).",
	})
	DeliverRetry = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliver_retry_total",
		Help: "Total ack-timeout redelivery passes.",
	})
	DeliverExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliver_exhausted_total",
		Help: "Total messages whose retry budget ran out for the current connection.",
	})

	AckTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ack_total",
		Help: "Total acknowledgments recorded.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineSessions, SessionEvicted,
		MsgAppended,
		DeliverPushed, DeliverOffline, DeliverFailed, DeliverRetry, DeliverExhausted,
		AckTotal,
	)
}
