package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// 予約の総数（status: success, conflict, lock_failed, invalid, error）
	BookingsTotal *prometheus.CounterVec

	// 仮押さえ操作の総数（operation: acquire/release/expire/disconnect/booked, result: granted/conflict/noop/released）
	SeatLockOperations *prometheus.CounterVec

	// 現在有効な仮押さえ数
	SoftLocksActive prometheus.Gauge

	// 接続中のリアルタイムチャネル数
	RealtimeConnections prometheus.Gauge

	// 分散ロックの操作時間（operation: acquire/release, status: success/failed）
	DistributedLockDuration *prometheus.HistogramVec
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		BookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookings_total",
				Help: "Total number of booking attempts",
			},
			[]string{"status"},
		),
		SeatLockOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seat_lock_operations_total",
				Help: "Total number of soft seat lock operations",
			},
			[]string{"operation", "result"},
		),
		SoftLocksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "soft_locks_active",
				Help: "Current number of soft seat locks",
			},
		),
		RealtimeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_connections",
				Help: "Current number of realtime channel connections",
			},
		),
		DistributedLockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distributed_lock_duration_seconds",
				Help:    "Time spent on distributed lock operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "status"},
		),
	}

	// レジストリに登録
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BookingsTotal,
		m.SeatLockOperations,
		m.SoftLocksActive,
		m.RealtimeConnections,
		m.DistributedLockDuration,
	)

	return m
}

// NewNop はどこにも登録しないメトリクスを返す（テストやメトリクス無効時用）
func NewNop() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
