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
// サービス層とミドルウェアから利用する。
type MetricsCollector interface {
	RecordTransition(to string)
	RecordVerification(result string)
	RecordNotification(kind string, ok bool)
	RecordCertification(outcome string, duration time.Duration)
	RecordFallbackRender()
	RecordHTTPStatus(statusCode int)
}

// 検証結果のラベル値
const (
	VerificationIssued   = "issued"
	VerificationSuccess  = "success"
	VerificationMismatch = "mismatch"
	VerificationExpired  = "expired"
	VerificationLimited  = "rate_limited"
	VerificationNotSent  = "not_sent"
)

// 証明処理の結果のラベル値
const (
	CertificationSuccess  = "success"
	CertificationFallback = "fallback"
	CertificationFailed   = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions   *prometheus.CounterVec
	verifications *prometheus.CounterVec
	notifications *prometheus.CounterVec
	certRuns      *prometheus.CounterVec
	certDuration  prometheus.Histogram
	fallbacks     prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_envelope_transitions_total",
			Help: "遷移先ステータス別のエンベロープ状態遷移数",
		}, []string{"to"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_verification_attempts_total",
			Help: "結果別の本人確認処理数",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_notifications_total",
			Help: "種別・結果別の通知送信数",
		}, []string{"kind", "result"}),
		certRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_certification_runs_total",
			Help: "結果別の証明処理実行数",
		}, []string{"outcome"}),
		certDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signflow_certification_duration_seconds",
			Help:    "証明処理の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_render_fallback_total",
			Help: "原本を解析できず代替文書を生成した回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.transitions,
		c.verifications,
		c.notifications,
		c.certRuns,
		c.certDuration,
		c.fallbacks,
		c.httpStatus,
	)

	return c
}

// RecordTransition はエンベロープの状態遷移を記録する。
func (c *Collector) RecordTransition(to string) {
	c.transitions.WithLabelValues(to).Inc()
}

// RecordVerification は本人確認処理の結果を記録する。
func (c *Collector) RecordVerification(result string) {
	c.verifications.WithLabelValues(result).Inc()
}

// RecordNotification は通知送信の結果を記録する。
func (c *Collector) RecordNotification(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.notifications.WithLabelValues(kind, result).Inc()
}

// RecordCertification は証明処理の結果と所要時間を記録する。
func (c *Collector) RecordCertification(outcome string, duration time.Duration) {
	c.certRuns.WithLabelValues(outcome).Inc()
	c.certDuration.Observe(duration.Seconds())
}

// RecordFallbackRender は代替文書の生成を記録する。
func (c *Collector) RecordFallbackRender() {
	c.fallbacks.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordTransition(string)                   {}
func (Nop) RecordVerification(string)                 {}
func (Nop) RecordNotification(string, bool)           {}
func (Nop) RecordCertification(string, time.Duration) {}
func (Nop) RecordFallbackRender()                     {}
func (Nop) RecordHTTPStatus(int)                      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
