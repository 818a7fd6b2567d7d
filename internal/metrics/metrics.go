// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、Webhookワーカー、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordCheckoutProvisioning(outcome string, duration time.Duration)
	RecordWebhookReceived(result string)
	RecordWebhookProcessed(status string)
	RecordTokenRefresh(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkoutProvisioning *prometheus.CounterVec
	checkoutLatency      prometheus.Histogram
	webhookReceived      *prometheus.CounterVec
	webhookProcessed     *prometheus.CounterVec
	tokenRefresh         *prometheus.CounterVec
	httpStatus           *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkoutProvisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkvault_checkout_provisioning_total",
			Help: "購入URL取得の結果別の合計数（cached, created, failed, contended）",
		}, []string{"outcome"}),
		checkoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkvault_checkout_provisioning_latency_seconds",
			Help:    "購入URL取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		webhookReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkvault_webhook_received_total",
			Help: "受信したWebhookの結果別の合計数（accepted, duplicate, rejected）",
		}, []string{"result"}),
		webhookProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkvault_webhook_processed_total",
			Help: "処理したWebhookイベントの終端ステータス別の合計数",
		}, []string{"status"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkvault_token_refresh_total",
			Help: "OAuthトークンリフレッシュの結果別の合計数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkvault_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.checkoutProvisioning,
		c.checkoutLatency,
		c.webhookReceived,
		c.webhookProcessed,
		c.tokenRefresh,
		c.httpStatus,
	)

	return c
}

// RecordCheckoutProvisioning は購入URL取得の結果とレイテンシを記録する。
func (c *Collector) RecordCheckoutProvisioning(outcome string, duration time.Duration) {
	c.checkoutProvisioning.WithLabelValues(outcome).Inc()
	c.checkoutLatency.Observe(duration.Seconds())
}

// RecordWebhookReceived はWebhook受信結果を記録する。
func (c *Collector) RecordWebhookReceived(result string) {
	c.webhookReceived.WithLabelValues(result).Inc()
}

// RecordWebhookProcessed はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookProcessed(status string) {
	c.webhookProcessed.WithLabelValues(status).Inc()
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefresh.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
