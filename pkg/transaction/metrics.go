package transaction

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует Prometheus метрики транзакционного слоя.
// Регистрация выполняется один раз в default registry; все методы
// безопасны на nil получателе, поэтому компоненты могут не проверять
// включены ли метрики.
type Metrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	authRetriesTotal    prometheus.Counter
	sessionsActive      prometheus.Gauge
	presenceFetchTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics возвращает общий экземпляр метрик стека.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			transactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ims",
				Subsystem: "sip",
				Name:      "transactions_total",
				Help:      "Total number of client transactions by method and outcome",
			}, []string{"method", "outcome"}),

			transactionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ims",
				Subsystem: "sip",
				Name:      "transaction_duration_seconds",
				Help:      "Time from request send to final response",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),

			authRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "ims",
				Subsystem: "sip",
				Name:      "auth_retries_total",
				Help:      "Total number of requests re-sent after a digest challenge",
			}),

			sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "ims",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of sessions not yet terminated",
			}),

			presenceFetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ims",
				Subsystem: "presence",
				Name:      "anonymous_fetch_total",
				Help:      "Anonymous capability fetches by result",
			}, []string{"result"}),
		}
	})
	return metrics
}

// ObserveTransaction учитывает завершенную транзакцию.
func (m *Metrics) ObserveTransaction(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(method, outcome).Inc()
	m.transactionDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// IncAuthRetry учитывает повтор запроса после challenge.
func (m *Metrics) IncAuthRetry() {
	if m == nil {
		return
	}
	m.authRetriesTotal.Inc()
}

// SessionStarted учитывает новую сессию.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionEnded учитывает завершение сессии.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveFetch учитывает anonymous fetch с результатом result
// (cached, fetched, not_found, error).
func (m *Metrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.presenceFetchTotal.WithLabelValues(result).Inc()
}
