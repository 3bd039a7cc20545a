// Package metrics exposes Prometheus instrumentation for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesPublished counts appended messages by channel kind.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherhall_chat_messages_published_total",
		Help: "Messages appended to channel logs.",
	}, []string{"kind"})

	// JoinsDenied counts join attempts rejected by policy, by reason.
	JoinsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherhall_chat_joins_denied_total",
		Help: "Channel joins rejected by access policy.",
	}, []string{"reason"})

	// PublishesDenied counts publish attempts rejected by policy, by reason.
	PublishesDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherhall_chat_publishes_denied_total",
		Help: "Publishes rejected by access policy.",
	}, []string{"reason"})

	// FanoutDropped counts subscribers evicted for not keeping up with
	// live delivery.
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatherhall_chat_fanout_dropped_total",
		Help: "Subscribers dropped during fan-out for slow consumption.",
	})

	// IntegrityFaults counts sequence gaps or duplicates observed in the
	// message log.
	IntegrityFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatherhall_chat_log_integrity_faults_total",
		Help: "Sequence anomalies detected in channel logs.",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
