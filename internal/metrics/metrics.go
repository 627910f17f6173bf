// Package metrics экспортирует Prometheus-метрики сетевого ядра.
//
// Метрики:
// * voxelmesh_chunks_loaded_total — counter
// * voxelmesh_chunk_load_failures_total — counter
// * voxelmesh_chunks_evicted_total — counter
// * voxelmesh_reconnects_total — counter
// * voxelmesh_broadcasts_total — counter
// * voxelmesh_datagrams_total{direction} — counter
// * voxelmesh_predictions_pending — gauge
// * voxelmesh_pending_queue_length — gauge
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NetMetrics набор метрик сетевого ядра
type NetMetrics struct {
	ChunksLoaded      prometheus.Counter
	ChunkLoadFailures prometheus.Counter
	ChunksEvicted     prometheus.Counter
	Reconnects        prometheus.Counter
	Broadcasts        prometheus.Counter
	Datagrams         *prometheus.CounterVec
	PredictionsQueue  prometheus.Gauge
	PendingQueue      prometheus.Gauge
}

var (
	global     *NetMetrics
	globalOnce sync.Once
)

// Get возвращает глобальный набор метрик, регистрируя его при первом вызове
func Get() *NetMetrics {
	globalOnce.Do(func() {
		global = &NetMetrics{
			ChunksLoaded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "chunks_loaded_total",
				Help:      "Число успешно загруженных чанков.",
			}),
			ChunkLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "chunk_load_failures_total",
				Help:      "Число неудачных загрузок чанков (после всех повторов).",
			}),
			ChunksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "chunks_evicted_total",
				Help:      "Число выгруженных по дистанции чанков.",
			}),
			Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "reconnects_total",
				Help:      "Число переподключений транспорта.",
			}),
			Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "broadcasts_total",
				Help:      "Число принятых broadcast-сообщений.",
			}),
			Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voxelmesh",
				Name:      "datagrams_total",
				Help:      "Число датаграмм по направлению.",
			}, []string{"direction"}),
			PredictionsQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "voxelmesh",
				Name:      "predictions_pending",
				Help:      "Текущая длина очереди неподтверждённых предсказаний.",
			}),
			PendingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "voxelmesh",
				Name:      "pending_queue_length",
				Help:      "Текущая длина очереди запросов чанков.",
			}),
		}

		prometheus.MustRegister(
			global.ChunksLoaded,
			global.ChunkLoadFailures,
			global.ChunksEvicted,
			global.Reconnects,
			global.Broadcasts,
			global.Datagrams,
			global.PredictionsQueue,
			global.PendingQueue,
		)
	})
	return global
}

// Serve запускает HTTP endpoint /metrics на указанном порту
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
