package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sideSink   = "sink"
	sideSource = "source"
)

var (
	descHandlers = prometheus.NewDesc(
		"exchange_handlers",
		"Number of registered exchange handlers.",
		[]string{"side"}, nil,
	)
	descBufferedPages = prometheus.NewDesc(
		"exchange_buffered_pages",
		"Number of pages queued in exchange buffers.",
		[]string{"side"}, nil,
	)
	descBufferedBytes = prometheus.NewDesc(
		"exchange_buffered_bytes",
		"Estimated size of the pages queued in exchange buffers.",
		[]string{"side"}, nil,
	)
	descBreakerUsedBytes = prometheus.NewDesc(
		"exchange_breaker_used_bytes",
		"Bytes reserved in the exchange memory breaker.",
		nil, nil,
	)
	descDecodedBytes = prometheus.NewDesc(
		"exchange_decoded_bytes",
		"Bytes held by pages decoded from fetch responses and not yet released.",
		nil, nil,
	)
)

// collector is a custom prometheus collector that exports metrics from live
// exchange handlers.
type collector struct {
	s *Service
}

var _ prometheus.Collector = (*collector)(nil)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHandlers
	ch <- descBufferedPages
	ch <- descBufferedBytes
	ch <- descBreakerUsedBytes
	ch <- descDecodedBytes
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.s.mtx.Lock()
	sinks := make([]*SinkHandler, 0, len(c.s.sinks))
	for _, e := range c.s.sinks {
		sinks = append(sinks, e.handler)
	}
	sources := make([]*SourceHandler, 0, len(c.s.sources))
	for _, e := range c.s.sources {
		sources = append(sources, e.handler)
	}
	c.s.mtx.Unlock()

	var pages, bytes int64
	for _, h := range sinks {
		pages += int64(h.BufferSize())
		bytes += h.bufferBytes()
	}
	ch <- prometheus.MustNewConstMetric(descHandlers, prometheus.GaugeValue, float64(len(sinks)), sideSink)
	ch <- prometheus.MustNewConstMetric(descBufferedPages, prometheus.GaugeValue, float64(pages), sideSink)
	ch <- prometheus.MustNewConstMetric(descBufferedBytes, prometheus.GaugeValue, float64(bytes), sideSink)

	pages, bytes = 0, 0
	for _, h := range sources {
		pages += int64(h.BufferSize())
		bytes += h.bufferBytes()
	}
	ch <- prometheus.MustNewConstMetric(descHandlers, prometheus.GaugeValue, float64(len(sources)), sideSource)
	ch <- prometheus.MustNewConstMetric(descBufferedPages, prometheus.GaugeValue, float64(pages), sideSource)
	ch <- prometheus.MustNewConstMetric(descBufferedBytes, prometheus.GaugeValue, float64(bytes), sideSource)

	if b := c.s.breaker; b != nil {
		ch <- prometheus.MustNewConstMetric(descBreakerUsedBytes, prometheus.GaugeValue, float64(b.Used()))
	}
	if a := c.s.decoded; a != nil {
		ch <- prometheus.MustNewConstMetric(descDecodedBytes, prometheus.GaugeValue, float64(a.Allocated()))
	}
}

type serviceMetrics struct {
	pagesServed       prometheus.Counter
	bytesServed       prometheus.Counter
	pagesFetched      prometheus.Counter
	bytesFetched      prometheus.Counter
	handlersCompleted *prometheus.CounterVec
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	return &serviceMetrics{
		pagesServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exchange_pages_served_total",
			Help: "Pages sent to other nodes in fetch responses.",
		}),
		bytesServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exchange_served_bytes_total",
			Help: "Encoded size of the fetch responses carrying a page.",
		}),
		pagesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exchange_pages_fetched_total",
			Help: "Pages received from other nodes.",
		}),
		bytesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "exchange_fetched_bytes_total",
			Help: "Encoded size of the received fetch responses carrying a page.",
		}),
		handlersCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_handlers_completed_total",
			Help: "Exchange handlers that completed, by side and result.",
		}, []string{"side", "result"}),
	}
}

func (m *serviceMetrics) completed(side string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.handlersCompleted.WithLabelValues(side, result).Inc()
}
