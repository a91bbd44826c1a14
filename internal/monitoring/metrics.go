package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 接收与判定指标
	MessagesReceived prometheus.Counter
	DecisionsTotal   *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	AttachmentSize   *prometheus.HistogramVec

	// SMTP 边界指标
	SMTPConnections   prometheus.Gauge
	SMTPRejectedTotal *prometheus.CounterVec

	// 清扫指标
	SweeperDeletedTotal  *prometheus.CounterVec
	SweeperFailuresTotal prometheus.Counter
	SweepDuration        prometheus.Histogram

	// 分发中心指标
	HubSubscribers      prometheus.Gauge
	HubDeliveriesTotal  *prometheus.CounterVec
	HubForceClosesTotal prometheus.Counter
	EventsDroppedTotal  prometheus.Counter

	// 管理会话指标
	UnlockAttemptsTotal *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
//
// promauto 会把指标注册进默认注册表，因此进程内只应调用一次
// （测试中的组件一律传 nil 指标）。
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 接收与判定指标
		MessagesReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quail_messages_received_total",
				Help: "Total number of messages accepted by the SMTP boundary",
			},
		),

		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_decisions_total",
				Help: "Total number of classification decisions by resulting status",
			},
			[]string{"status"},
		),

		IngestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quail_ingest_duration_seconds",
				Help:    "Time spent from envelope acceptance to stored decision",
				Buckets: prometheus.DefBuckets,
			},
		),

		AttachmentSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quail_attachment_size_bytes",
				Help:    "Attachment size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 20),
			},
			[]string{"type"},
		),

		// SMTP 边界指标
		SMTPConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quail_smtp_connections",
				Help: "Number of currently open SMTP connections",
			},
		),

		SMTPRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_smtp_rejected_total",
				Help: "Total number of SMTP rejections by reason",
			},
			[]string{"reason"},
		),

		// 清扫指标
		SweeperDeletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_sweeper_deleted_total",
				Help: "Total number of rows removed by the retention sweeper",
			},
			[]string{"kind"},
		),

		SweeperFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quail_sweeper_failures_total",
				Help: "Total number of per-item sweeper failures",
			},
		),

		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quail_sweep_duration_seconds",
				Help:    "Duration of a full retention sweep cycle",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),

		// 分发中心指标
		HubSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "quail_hub_subscribers",
				Help: "Number of connected hub subscribers",
			},
		),

		HubDeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_hub_deliveries_total",
				Help: "Total number of frames delivered to subscribers by type",
			},
			[]string{"type"},
		),

		HubForceClosesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quail_hub_force_closes_total",
				Help: "Total number of subscribers force-closed by the hub",
			},
		),

		EventsDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quail_events_dropped_total",
				Help: "Total number of events dropped on full subscriber channels",
			},
		),

		// 管理会话指标
		UnlockAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_unlock_attempts_total",
				Help: "Total number of admin unlock attempts by result",
			},
			[]string{"result"},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quail_errors_total",
				Help: "Total number of errors by component",
			},
			[]string{"component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quail_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordMessageReceived 记录一次邮件接收
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordDecision 记录一次分类决策
func (m *Metrics) RecordDecision(status string, duration time.Duration) {
	m.DecisionsTotal.WithLabelValues(status).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

// RecordAttachmentSize 记录附件大小
func (m *Metrics) RecordAttachmentSize(attachmentType string, size int64) {
	m.AttachmentSize.WithLabelValues(attachmentType).Observe(float64(size))
}

// RecordSMTPRejected 记录一次 SMTP 拒绝
func (m *Metrics) RecordSMTPRejected(reason string) {
	m.SMTPRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordSweeperDeleted 记录清扫删除量
func (m *Metrics) RecordSweeperDeleted(kind string, deleted int) {
	if deleted > 0 {
		m.SweeperDeletedTotal.WithLabelValues(kind).Add(float64(deleted))
	}
}

// ObserveSweepDuration 记录一轮清扫的耗时
func (m *Metrics) ObserveSweepDuration(duration time.Duration) {
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordSweeperFailure 记录一次清扫单项失败
func (m *Metrics) RecordSweeperFailure() {
	m.SweeperFailuresTotal.Inc()
}

// RecordHubDelivery 记录一次分发帧投递
func (m *Metrics) RecordHubDelivery(frameType string) {
	m.HubDeliveriesTotal.WithLabelValues(frameType).Inc()
}

// RecordHubForceClose 记录一次订阅者被强制断开
func (m *Metrics) RecordHubForceClose() {
	m.HubForceClosesTotal.Inc()
}

// RecordEventDropped 记录一次事件在满通道上被丢弃
func (m *Metrics) RecordEventDropped() {
	m.EventsDroppedTotal.Inc()
}

// RecordUnlockAttempt 记录一次管理解锁尝试
func (m *Metrics) RecordUnlockAttempt(result string) {
	m.UnlockAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordError 记录组件错误
func (m *Metrics) RecordError(component string) {
	m.ErrorsTotal.WithLabelValues(component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
