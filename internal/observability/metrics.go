package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	SettlementRounds     prometheus.Counter
	SettlementNoops      prometheus.Counter
	SettlementSpendFails prometheus.Counter
	LedgerEntries        *prometheus.CounterVec
	WalletResets         prometheus.Counter
	WSMessages           *prometheus.CounterVec
	NotificationsDropped prometheus.Counter

	// Latency keeps a rolling window of per-operation handler latencies for
	// the perf endpoint.
	Latency *OpLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of scheduled or live sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SettlementRounds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_rounds_total",
			Help:      "Completed settlement rounds (terminal transition plus postings).",
		}),
		SettlementNoops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_noops_total",
			Help:      "Terminate calls that found the session already terminal.",
		}),
		SettlementSpendFails: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_spend_failures_total",
			Help:      "Participant charges skipped during settlement.",
		}),
		LedgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by kind.",
		}, []string{"kind"}),
		WalletResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_resets_total",
			Help:      "Weekly wallet replenishments applied.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber queue was full.",
		}),
		Latency: NewOpLatencyWindow(256),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
