package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every recorder is then a
// no-op. Tests rely on that.
type Metrics struct {
	ConnectionsTotal  prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      prometheus.Counter
	MessageLatency    prometheus.Histogram
	TimeUps           prometheus.Counter
	SaveRetries       prometheus.Counter
	SaveFailures      prometheus.Counter
	DuplicateSessions prometheus.Counter
	Jobs              *prometheus.CounterVec
	LeaderboardRuns   *prometheus.CounterVec
	GradingResults    *prometheus.CounterVec
	KafkaMessages     *prometheus.CounterVec
	RedisOperations   *prometheus.CounterVec
	AuthFailures      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_total",
			Help: "Total number of active WebSocket connections",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "marathon_active_sessions",
			Help: "Number of marathon sessions with a running timer",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_received_total",
			Help: "Total number of messages received from clients",
		}, []string{"type"}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total number of messages sent to clients",
		}),
		MessageLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_message_latency_seconds",
			Help:    "Message processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		TimeUps: f.NewCounter(prometheus.CounterOpts{
			Name: "marathon_time_up_total",
			Help: "Total number of sessions closed by the timer",
		}),
		SaveRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "marathon_save_retries_total",
			Help: "Total number of retried answer saves",
		}),
		SaveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "marathon_save_failures_total",
			Help: "Total number of answer saves that exhausted their attempts",
		}),
		DuplicateSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "marathon_duplicate_sessions_total",
			Help: "Total number of sessions opened while another connection held the lease",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_total",
			Help: "Total number of scheduler job transitions",
		}, []string{"queue", "status"}),
		LeaderboardRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leaderboard_generations_total",
			Help: "Total number of leaderboard generation runs",
		}, []string{"status"}),
		GradingResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_results_total",
			Help: "Total number of graded submissions",
		}, []string{"status"}),
		KafkaMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_processed_total",
			Help: "Total number of Kafka messages processed",
		}, []string{"topic", "status"}),
		RedisOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		}, []string{"operation", "status"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_auth_failures_total",
			Help: "Total number of authentication failures",
		}),
	}
}

func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Dec()
}

func (m *Metrics) IncSessions() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) DecSessions() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) IncMessagesReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncMessagesSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.MessageLatency.Observe(seconds)
}

func (m *Metrics) IncTimeUp() {
	if m == nil {
		return
	}
	m.TimeUps.Inc()
}

func (m *Metrics) IncSaveRetry() {
	if m == nil {
		return
	}
	m.SaveRetries.Inc()
}

func (m *Metrics) IncSaveFailure() {
	if m == nil {
		return
	}
	m.SaveFailures.Inc()
}

func (m *Metrics) IncDuplicateSession() {
	if m == nil {
		return
	}
	m.DuplicateSessions.Inc()
}

func (m *Metrics) IncJob(queue, status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(queue, status).Inc()
}

func (m *Metrics) IncLeaderboardRun(status string) {
	if m == nil {
		return
	}
	m.LeaderboardRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) IncGradingResult(status string) {
	if m == nil {
		return
	}
	m.GradingResults.WithLabelValues(status).Inc()
}

func (m *Metrics) IncKafkaMessage(topic, status string) {
	if m == nil {
		return
	}
	m.KafkaMessages.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) IncRedisOperation(operation, status string) {
	if m == nil {
		return
	}
	m.RedisOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncAuthFailures() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
