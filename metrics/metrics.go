// The metrics package defines prometheus metric types and provides
// convenience methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or out of the system: messages, rows, streams, queries.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register the metrics defined with Prometheus's default registry.
	prometheus.MustRegister(MessageCount)
	prometheus.MustRegister(MessageAckCount)
	prometheus.MustRegister(MessageRequeueCount)
	prometheus.MustRegister(RowCount)
	prometheus.MustRegister(RowsBuffered)
	prometheus.MustRegister(StreamCount)
	prometheus.MustRegister(CommitCount)
	prometheus.MustRegister(StoreErrorCount)
	prometheus.MustRegister(StoreReconnectCount)
	prometheus.MustRegister(ExportEventCount)
	prometheus.MustRegister(ExportDroppedCount)
	prometheus.MustRegister(ClientCount)
	prometheus.MustRegister(QueryCount)
	prometheus.MustRegister(QueryCancelledCount)
	prometheus.MustRegister(QueryDurationHistogram)
	prometheus.MustRegister(LiveDeliveredCount)
	prometheus.MustRegister(RRDPollCount)
	prometheus.MustRegister(CacheRequestCount)
}

var (
	// Counts the messages pulled from the broker queue, by test type
	// and outcome (processed, skipped, bad).
	// Provides metrics:
	//   nntsc_broker_messages_total
	// Example usage:
	//   metrics.MessageCount.WithLabelValues("icmp", "processed").Inc()
	MessageCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_broker_messages_total",
			Help: "Number of broker messages consumed.",
		}, []string{"test", "status"})

	// Counts acknowledgements sent to the broker. Each ack covers a whole
	// batch of messages.
	// Provides metrics:
	//   nntsc_broker_acks_total
	// Example usage:
	//   metrics.MessageAckCount.Inc()
	MessageAckCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntsc_broker_acks_total",
			Help: "Number of batch acknowledgements sent to the broker.",
		})

	// Counts batches returned to the broker unacked after an operational
	// failure.
	// Provides metrics:
	//   nntsc_broker_requeues_total
	// Example usage:
	//   metrics.MessageRequeueCount.Inc()
	MessageRequeueCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntsc_broker_requeues_total",
			Help: "Number of message batches left for redelivery.",
		})

	// Counts data rows handled by the insert path, by collection and
	// outcome (committed, failed).
	// Provides metrics:
	//   nntsc_store_rows_total
	// Example usage:
	//   metrics.RowCount.WithLabelValues("amp_icmp", "committed").Add(50)
	RowCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_store_rows_total",
			Help: "Number of data rows inserted into the store.",
		}, []string{"collection", "status"})

	// Tracks rows buffered in open transactions, waiting for commit.
	// Provides metrics:
	//   nntsc_store_rows_buffered
	// Example usage:
	//   metrics.RowsBuffered.WithLabelValues("amp_icmp").Set(42)
	RowsBuffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nntsc_store_rows_buffered",
			Help: "Data rows buffered but not yet committed.",
		}, []string{"collection"})

	// Counts new streams registered, by collection.
	// Provides metrics:
	//   nntsc_streams_created_total
	// Example usage:
	//   metrics.StreamCount.WithLabelValues("amp_icmp").Inc()
	StreamCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_streams_created_total",
			Help: "Number of new streams registered.",
		}, []string{"collection"})

	// Counts transaction commits by outcome.
	// Provides metrics:
	//   nntsc_store_commits_total
	// Example usage:
	//   metrics.CommitCount.WithLabelValues("ok").Inc()
	CommitCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_store_commits_total",
			Help: "Number of store transaction commits.",
		}, []string{"status"})

	// Counts store errors by taxonomy kind.
	// Provides metrics:
	//   nntsc_store_errors_total
	// Example usage:
	//   metrics.StoreErrorCount.WithLabelValues("operational").Inc()
	StoreErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_store_errors_total",
			Help: "Number of store errors by kind.",
		}, []string{"kind"})

	// Counts reconnections to the store after operational errors.
	// Provides metrics:
	//   nntsc_store_reconnects_total
	// Example usage:
	//   metrics.StoreReconnectCount.Inc()
	StoreReconnectCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntsc_store_reconnects_total",
			Help: "Number of store reconnect attempts.",
		})

	// Counts events placed on the export bus, by event type.
	// Provides metrics:
	//   nntsc_export_events_total
	// Example usage:
	//   metrics.ExportEventCount.WithLabelValues("live").Inc()
	ExportEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_export_events_total",
			Help: "Number of events published on the export bus.",
		}, []string{"type"})

	// Counts live events dropped because the export queue was full.
	// Provides metrics:
	//   nntsc_export_dropped_total
	// Example usage:
	//   metrics.ExportDroppedCount.Inc()
	ExportDroppedCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntsc_export_dropped_total",
			Help: "Number of live events dropped on export queue overflow.",
		})

	// Tracks currently connected query clients.
	// Provides metrics:
	//   nntsc_server_clients
	// Example usage:
	//   metrics.ClientCount.Inc() / .Dec()
	ClientCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntsc_server_clients",
			Help: "Number of connected query clients.",
		})

	// Counts requests handled by the query server, by request type.
	// Provides metrics:
	//   nntsc_server_requests_total
	// Example usage:
	//   metrics.QueryCount.WithLabelValues("subscribe").Inc()
	QueryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_server_requests_total",
			Help: "Number of client requests handled.",
		}, []string{"request"})

	// Counts queries that ended with a QUERY_CANCELLED response.
	// Provides metrics:
	//   nntsc_server_cancelled_total
	// Example usage:
	//   metrics.QueryCancelledCount.WithLabelValues("history").Inc()
	QueryCancelledCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_server_cancelled_total",
			Help: "Number of cancelled client queries.",
		}, []string{"request"})

	// Measures the time spent serving historical queries.
	// Provides metrics:
	//   nntsc_server_query_duration_seconds
	// Example usage:
	//   metrics.QueryDurationHistogram.WithLabelValues("aggregate").Observe(elapsed.Seconds())
	QueryDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nntsc_server_query_duration_seconds",
			Help:    "Time to stream a historical query to a client.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"request"})

	// Counts live records forwarded to subscribed clients.
	// Provides metrics:
	//   nntsc_server_live_delivered_total
	// Example usage:
	//   metrics.LiveDeliveredCount.Inc()
	LiveDeliveredCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntsc_server_live_delivered_total",
			Help: "Number of live records delivered to clients.",
		})

	// Counts RRD poll passes by outcome (ok, retry, halt).
	// Provides metrics:
	//   nntsc_rrd_polls_total
	// Example usage:
	//   metrics.RRDPollCount.WithLabelValues("ok").Inc()
	RRDPollCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_rrd_polls_total",
			Help: "Number of RRD poll passes.",
		}, []string{"status"})

	// Counts stream cache lookups by outcome (hit, miss).
	// Provides metrics:
	//   nntsc_streamcache_requests_total
	// Example usage:
	//   metrics.CacheRequestCount.WithLabelValues("hit").Inc()
	CacheRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntsc_streamcache_requests_total",
			Help: "Number of stream cache timestamp lookups.",
		}, []string{"result"})
)
