package replication

import (
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics - Prometheus-метрики сессии. Нулевой указатель допустим и ничего не считает.
type Metrics struct {
	frames      *prometheus.CounterVec
	malformed   prometheus.Counter
	requests    *prometheus.CounterVec
	resyncs     prometheus.Counter
	resyncMoves prometheus.Counter
	orphaned    prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg. Без регистра метрики не собираются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "frames_received_total",
			Help:      "Принятые кадры репликации по типам.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "frames_malformed_total",
			Help:      "Кадры, которые не удалось декодировать.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "requests_total",
			Help:      "Обработанные сервером запросы по типам и результатам.",
		}, []string{"type", "result"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "anchor_resyncs_total",
			Help:      "Полные ресинки порядка якорей на реплике.",
		}),
		resyncMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "anchor_resync_moves_total",
			Help:      "Уведомления о сдвигах, отправленные ресинками.",
		}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync",
			Name:      "anchor_orphans_total",
			Help:      "Якоря, выпавшие из зоны при ресинке.",
		}),
	}
	reg.MustRegister(m.frames, m.malformed, m.requests, m.resyncs, m.resyncMoves, m.orphaned)
	return m
}

func (m *Metrics) frame(t protocol.MsgType) {
	if m != nil {
		m.frames.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) malformedFrame() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) request(t protocol.MsgType, r protocol.Result) {
	if m != nil {
		m.requests.WithLabelValues(t.String(), r.String()).Inc()
	}
}

func (m *Metrics) resync(moved, orphaned int) {
	if m != nil {
		m.resyncs.Inc()
		m.resyncMoves.Add(float64(moved))
		m.orphaned.Add(float64(orphaned))
	}
}
