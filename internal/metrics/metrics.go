package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgbot_provision_outcomes_total",
			Help: "Orchestrator outcomes by entry point and result.",
		},
		[]string{"operation", "result"},
	)

	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgbot_gateway_calls_total",
			Help: "WGDashboard API calls by method and result.",
		},
		[]string{"method", "result"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wgbot_gateway_call_duration_seconds",
			Help:    "WGDashboard API call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgbot_notifications_total",
			Help: "Telegram notifications by kind and result.",
		},
		[]string{"kind", "result"},
	)

	webhookTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wgbot_webhook_events_total",
			Help: "Payment webhook deliveries by event and HTTP status.",
		},
		[]string{"event", "status"},
	)

	registerOnce sync.Once
)

// Init регистрирует метрики в default-регистре. Повторный вызов безопасен.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(outcomesTotal, gatewayCallsTotal, gatewayCallDuration, notificationsTotal, webhookTotal)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func ObserveOutcome(operation string, ok bool) {
	outcomesTotal.WithLabelValues(operation, result(ok)).Inc()
}

// ObserveGatewayCall пишет счётчик и длительность вызова API шлюза
func ObserveGatewayCall(method string, started time.Time, err error) {
	gatewayCallsTotal.WithLabelValues(method, result(err == nil)).Inc()
	gatewayCallDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func ObserveNotification(kind string, ok bool) {
	notificationsTotal.WithLabelValues(kind, result(ok)).Inc()
}

func ObserveWebhook(event string, status int) {
	webhookTotal.WithLabelValues(event, strconv.Itoa(status)).Inc()
}
