package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — метрики планировщика.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без метрик
// (например, в тестах), просто ничего не считают.
type Metrics struct {
	jobsFired            prometheus.Counter
	claimsLost           prometheus.Counter
	publications         prometheus.Counter
	failures             *prometheus.CounterVec
	terminalFailures     prometheus.Counter
	misfires             prometheus.Counter
	orphansReset         prometheus.Counter
	notificationFailures prometheus.Counter
	queueDepth           prometheus.Gauge
	publishLatency       prometheus.Histogram
}

// NewMetrics регистрирует метрики в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_jobs_fired_total",
			Help: "Jobs popped from the due-queue and dispatched to the worker pool.",
		}),
		claimsLost: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_claims_lost_total",
			Help: "Dispatched jobs whose conditional claim was won by someone else.",
		}),
		publications: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_publications_total",
			Help: "Episodes transitioned to PUBLISHED.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_publication_failures_total",
			Help: "Failed publication attempts by kind.",
		}, []string{"kind"}),
		terminalFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_publications_failed_terminal_total",
			Help: "Jobs that exhausted their attempts and need operator intervention.",
		}),
		misfires: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_misfires_total",
			Help: "Recovered jobs overdue beyond the misfire grace window.",
		}),
		orphansReset: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_orphans_reset_total",
			Help: "RUNNING jobs reset to PENDING during recovery.",
		}),
		notificationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "serial_notification_failures_total",
			Help: "Best-effort notifications that failed after publication.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "serial_queue_depth",
			Help: "Jobs waiting in the in-memory due-queue.",
		}),
		publishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "serial_publish_delay_seconds",
			Help:    "Delay between scheduled_for and actual publication.",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
		}),
	}
}

// JobFired учитывает запуск задания.
func (m *Metrics) JobFired() {
	if m != nil {
		m.jobsFired.Inc()
	}
}

// ClaimLost учитывает проигранный захват.
func (m *Metrics) ClaimLost() {
	if m != nil {
		m.claimsLost.Inc()
	}
}

// Published учитывает публикацию и её задержку относительно расписания.
func (m *Metrics) Published(delaySeconds float64) {
	if m != nil {
		m.publications.Inc()
		m.publishLatency.Observe(max(delaySeconds, 0))
	}
}

// Failed учитывает неудачную попытку. kind: content_not_ready, content_error, store_error.
func (m *Metrics) Failed(kind string) {
	if m != nil {
		m.failures.WithLabelValues(kind).Inc()
	}
}

// FailedTerminal учитывает исчерпание попыток.
func (m *Metrics) FailedTerminal() {
	if m != nil {
		m.terminalFailures.Inc()
	}
}

// Misfire учитывает просроченное задание при восстановлении.
func (m *Metrics) Misfire() {
	if m != nil {
		m.misfires.Inc()
	}
}

// OrphanReset учитывает сброс зависшего задания.
func (m *Metrics) OrphanReset() {
	if m != nil {
		m.orphansReset.Inc()
	}
}

// NotificationFailed учитывает неудачное уведомление.
func (m *Metrics) NotificationFailed() {
	if m != nil {
		m.notificationFailures.Inc()
	}
}

// QueueDepth выставляет текущую длину очереди.
func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
