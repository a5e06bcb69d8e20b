package chatcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of the sync core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CacheLookups   *prometheus.CounterVec
	CacheErrors    *prometheus.CounterVec
	EventsReceived *prometheus.CounterVec
	FeedState      *prometheus.GaugeVec
	Reconnects     prometheus.Counter
	PollDuration   prometheus.Histogram
	SendsTotal     *prometheus.CounterVec
	ReadReceipts   *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
}

// NewMetrics registers the core's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_cache_lookups_total",
				Help: "Local cache reads by record kind and result",
			},
			[]string{"kind", "result"},
		),
		CacheErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_cache_errors_total",
				Help: "Storage errors swallowed by the cache",
			},
			[]string{"op"},
		),
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_events_total",
				Help: "Feed events dispatched by type and transport",
			},
			[]string{"type", "transport"},
		),
		FeedState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatcore_feed_state",
				Help: "1 for the current push connection state",
			},
			[]string{"state"},
		),
		Reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_feed_reconnects_total",
				Help: "Push stream reconnect attempts",
			},
		),
		PollDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatcore_poll_duration_seconds",
				Help:    "Duration of one polling pass",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_sends_total",
				Help: "Optimistic sends by outcome",
			},
			[]string{"result"},
		),
		ReadReceipts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_read_receipts_total",
				Help: "Mark-read calls by outcome",
			},
			[]string{"result"},
		),
		RequestSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatcore_gateway_request_duration_seconds",
				Help:    "Gateway request duration",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"endpoint", "status"},
		),
	}
}

func (m *Metrics) cacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) cacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) event(eventType, transport string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType, transport).Inc()
}

func (m *Metrics) feedState(s FeedState) {
	if m == nil {
		return
	}
	for _, st := range []FeedState{StateDisconnected, StateConnecting, StateConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.FeedState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) pollObserve(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}

func (m *Metrics) send(result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) readReceipt(result string) {
	if m == nil {
		return
	}
	m.ReadReceipts.WithLabelValues(result).Inc()
}

func (m *Metrics) request(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestSeconds.WithLabelValues(endpoint, status).Observe(seconds)
}
