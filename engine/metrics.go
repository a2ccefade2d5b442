package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ebus-go/ebusgo/ebuserr"
	"github.com/ebus-go/ebusgo/telegram"
)

// Metrics is a prometheus.Collector tracking what the Fsm observes and
// emits: telegrams published by type, and bus events by kind/severity.
// Grounded on runZeroInc-sockstats/pkg/exporter's TCPInfoCollector —
// counters guarded by a mutex rather than exported as raw prometheus
// Counter vecs, so Engine can hand a *Metrics straight to fsm.OnEvent and
// the publish wrapper without exposing prometheus types there.
type Metrics struct {
	mu sync.Mutex

	telegramsByType map[string]uint64
	eventsByKind    map[string]uint64

	telegramDesc *prometheus.Desc
	eventDesc    *prometheus.Desc
}

// NewMetrics builds a Metrics collector. constLabels are attached to every
// series it exports (e.g. a bus/device identifier when running several
// Engines in one process).
func NewMetrics(constLabels prometheus.Labels) *Metrics {
	return &Metrics{
		telegramsByType: make(map[string]uint64),
		eventsByKind:    make(map[string]uint64),
		telegramDesc: prometheus.NewDesc(
			"ebus_telegrams_total",
			"Telegrams observed on the bus, by type.",
			[]string{"type"}, constLabels,
		),
		eventDesc: prometheus.NewDesc(
			"ebus_events_total",
			"Fsm events emitted, by kind and severity.",
			[]string{"kind", "severity"}, constLabels,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	descs <- m.telegramDesc
	descs <- m.eventDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for typ, count := range m.telegramsByType {
		metrics <- prometheus.MustNewConstMetric(m.telegramDesc, prometheus.CounterValue, float64(count), typ)
	}
	for kind, count := range m.eventsByKind {
		sev := severityLabel(eventKindOf(kind))
		metrics <- prometheus.MustNewConstMetric(m.eventDesc, prometheus.CounterValue, float64(count), kind, sev)
	}
}

func (m *Metrics) observeTelegram(t *telegram.Telegram) {
	if t == nil {
		return
	}
	m.mu.Lock()
	m.telegramsByType[t.Type().String()]++
	m.mu.Unlock()
}

func (m *Metrics) observeEvent(kind ebuserr.Kind) {
	m.mu.Lock()
	m.eventsByKind[kind.String()]++
	m.mu.Unlock()
}

// eventKindOf/severityLabel round-trip a Kind's name back to its Severity
// for the Collect-time label, since the counter map is keyed by string to
// avoid importing ebuserr.Kind as a prometheus label type directly.
func eventKindOf(name string) ebuserr.Kind {
	for k := ebuserr.Kind(0); k < 64; k++ {
		if k.String() == name {
			return k
		}
	}
	return ebuserr.KindUnknown
}

func severityLabel(k ebuserr.Kind) string {
	switch k.Severity() {
	case ebuserr.SeverityInfo:
		return "info"
	case ebuserr.SeverityWarning:
		return "warning"
	case ebuserr.SeverityExchangeFatal:
		return "exchange_fatal"
	case ebuserr.SeveritySessionFatal:
		return "session_fatal"
	default:
		return "unknown"
	}
}
