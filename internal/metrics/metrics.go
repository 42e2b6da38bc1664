package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics agrupa os coletores do serviço num registry próprio
type Metrics struct {
	registry *prometheus.Registry

	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	emissionsTotal   *prometheus.CounterVec
	emissionDuration prometheus.Histogram
	signaturesTotal  *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
}

// New cria e registra os coletores
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfse",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nfse",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfse",
				Subsystem: "upstream",
				Name:      "requests_total",
				Help:      "Calls to the national NFS-e API by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nfse",
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "National NFS-e API call duration in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		emissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfse",
				Subsystem: "emission",
				Name:      "total",
				Help:      "Emissions by final outcome.",
			},
			[]string{"outcome"},
		),
		emissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nfse",
				Subsystem: "emission",
				Name:      "duration_seconds",
				Help:      "End-to-end emission duration in seconds.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		signaturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfse",
				Subsystem: "signer",
				Name:      "signatures_total",
				Help:      "XMLDSig signatures by result.",
			},
			[]string{"result"},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfse",
				Subsystem: "taxcode",
				Name:      "resolutions_total",
				Help:      "Tax code resolutions by tier.",
			},
			[]string{"tier"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestDuration,
		m.upstreamTotal,
		m.upstreamDuration,
		m.emissionsTotal,
		m.emissionDuration,
		m.signaturesTotal,
		m.resolutionsTotal,
	)
	return m
}

// Registry expõe o registry para testes
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serve o formato de exposição do Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware mede as requisições HTTP do gin pela rota registrada
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveUpstream registra uma chamada à API nacional
func (m *Metrics) ObserveUpstream(operation, outcome string, duration time.Duration) {
	m.upstreamTotal.WithLabelValues(operation, outcome).Inc()
	m.upstreamDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveEmission registra o desfecho de uma emissão
func (m *Metrics) ObserveEmission(outcome string, duration time.Duration) {
	m.emissionsTotal.WithLabelValues(outcome).Inc()
	m.emissionDuration.Observe(duration.Seconds())
}

// ObserveSignature registra o resultado de uma assinatura
func (m *Metrics) ObserveSignature(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.signaturesTotal.WithLabelValues(result).Inc()
}

// ObserveResolution registra a camada que produziu os candidatos
func (m *Metrics) ObserveResolution(tier string) {
	m.resolutionsTotal.WithLabelValues(tier).Inc()
}
