package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var sizeBuckets = []float64{1024, 10240, 102400, 1048576, 10485760, 26214400}

// PrometheusCollector implements Collector with Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec

	// Command metrics
	commandsTotal    *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec

	// Submission metrics
	messagesAcceptedTotal prometheus.Counter
	deliveriesTotal       prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	acceptedSizeBytes     prometheus.Histogram
	signingTotal          *prometheus.CounterVec
	relayTotal            *prometheus.CounterVec

	// Retrieval metrics
	authAttemptsTotal *prometheus.CounterVec
	messagesFetched   prometheus.Counter
	fetchedSizeBytes  prometheus.Histogram
}

// NewPrometheusCollector creates a PrometheusCollector and registers its metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"proto"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tempmail_connections_active",
			Help: "Number of currently open connections.",
		}, []string{"proto"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"proto", "command"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_rate_limited_total",
			Help: "Total number of requests denied by the rate limiter.",
		}, []string{"proto"}),

		messagesAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_accepted_total",
			Help: "Total number of messages accepted for storage.",
		}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailbox_deliveries_total",
			Help: "Total number of mailbox appends, one per recipient.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"reason"}),
		acceptedSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_accepted_message_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: sizeBuckets,
		}),
		signingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_dkim_signing_total",
			Help: "DKIM signing attempts by result.",
		}, []string{"result"}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_relay_total",
			Help: "Outbound relay attempts by provider and result.",
		}, []string{"provider", "result"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_auth_attempts_total",
			Help: "Total number of retrieval login attempts.",
		}, []string{"result"}),
		messagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_fetched_total",
			Help: "Total number of messages fetched.",
		}),
		fetchedSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_fetched_message_size_bytes",
			Help:    "Size of fetched messages in bytes.",
			Buckets: sizeBuckets,
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.rateLimitedTotal,
		c.messagesAcceptedTotal,
		c.deliveriesTotal,
		c.messagesRejectedTotal,
		c.acceptedSizeBytes,
		c.signingTotal,
		c.relayTotal,
		c.authAttemptsTotal,
		c.messagesFetched,
		c.fetchedSizeBytes,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(proto string) {
	c.connectionsTotal.WithLabelValues(proto).Inc()
	c.connectionsActive.WithLabelValues(proto).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(proto string) {
	c.connectionsActive.WithLabelValues(proto).Dec()
}

func (c *PrometheusCollector) CommandProcessed(proto, command string) {
	c.commandsTotal.WithLabelValues(proto, command).Inc()
}

func (c *PrometheusCollector) RateLimited(proto string) {
	c.rateLimitedTotal.WithLabelValues(proto).Inc()
}

// MessageAccepted counts one accepted message and one delivery per recipient.
func (c *PrometheusCollector) MessageAccepted(recipients, sizeBytes int) {
	c.messagesAcceptedTotal.Inc()
	c.deliveriesTotal.Add(float64(recipients))
	c.acceptedSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) SigningResult(result string) {
	c.signingTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) RelayResult(provider string, success bool) {
	c.relayTotal.WithLabelValues(provider, resultLabel(success)).Inc()
}

func (c *PrometheusCollector) AuthAttempt(success bool) {
	c.authAttemptsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// MessageFetched increments the fetch counter and observes message size.
func (c *PrometheusCollector) MessageFetched(sizeBytes int) {
	c.messagesFetched.Inc()
	c.fetchedSizeBytes.Observe(float64(sizeBytes))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
