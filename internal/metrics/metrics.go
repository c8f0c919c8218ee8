package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ---- gateway ----

	// GatewayQueueDepth — число запросов, ожидающих диспетчеризации.
	GatewayQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collector", Subsystem: "gateway", Name: "queue_depth",
		Help: "Requests waiting in the paced dispatch queue",
	})

	// GatewayDispatches — завершённые HTTP-обмены по исходу.
	GatewayDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "gateway", Name: "dispatches_total",
		Help: "Dispatched upstream requests by outcome",
	}, []string{"outcome"})

	// GatewayLatency — время HTTP-обмена после старта диспетчеризации.
	GatewayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collector", Subsystem: "gateway", Name: "exchange_seconds",
		Help:    "Upstream HTTP exchange latency (seconds)",
		Buckets: prometheus.DefBuckets,
	})

	// GatewayRejected — запросы, отклонённые до постановки в очередь.
	GatewayRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "gateway", Name: "rejected_total",
		Help: "Requests rejected at enqueue time",
	}, []string{"reason"})

	// TokenRefreshes — попытки обновления bearer-токена.
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "gateway", Name: "token_refreshes_total",
		Help: "Bearer token refreshes by result",
	}, []string{"result"})

	// ---- stream ----

	// StreamState — текущее состояние WebSocket-сессии (0..3).
	StreamState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collector", Subsystem: "ws", Name: "state",
		Help: "Stream supervisor state: 0=disconnected 1=connecting 2=connected 3=stopped",
	})

	// StreamReconnects — запланированные переподключения.
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "ws", Name: "reconnects_total",
		Help: "Scheduled WebSocket reconnects",
	})

	// StreamFrames — принятые кадры по типу.
	StreamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "ws", Name: "frames_total",
		Help: "Inbound WebSocket frames by type",
	}, []string{"type"})

	// ---- decoder ----

	// DecodeDropped — кадры, не давшие записи, по причине.
	DecodeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "decoder", Name: "dropped_total",
		Help: "Frames that produced no record, by reason",
	}, []string{"reason"})

	// ---- sink ----

	// SinkAccepted — записи, принятые в буфер.
	SinkAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "sink", Name: "accepted_total",
		Help: "Records appended to the write buffer",
	}, []string{"kind"})

	// SinkFlushed — записи, успешно переданные в хранилище.
	SinkFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "sink", Name: "flushed_total",
		Help: "Records written to storage",
	}, []string{"kind"})

	// SinkFlushErrors — неудачные пакетные записи.
	SinkFlushErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "sink", Name: "flush_errors_total",
		Help: "Failed batch writes",
	}, []string{"kind"})

	// SinkFlushLatency — длительность пакетной записи.
	SinkFlushLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collector", Subsystem: "sink", Name: "flush_seconds",
		Help:    "Batch write latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SinkSwept — строки, удалённые ретеншеном.
	SinkSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "sink", Name: "swept_total",
		Help: "Rows deleted by the retention sweep",
	}, []string{"kind"})
)

// Register регистрирует метрики; без аргументов — в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		reg := prometheus.DefaultRegisterer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		}
		reg.MustRegister(
			GatewayQueueDepth,
			GatewayDispatches,
			GatewayLatency,
			GatewayRejected,
			TokenRefreshes,
			StreamState,
			StreamReconnects,
			StreamFrames,
			DecodeDropped,
			SinkAccepted,
			SinkFlushed,
			SinkFlushErrors,
			SinkFlushLatency,
			SinkSwept,
		)
	})
}
