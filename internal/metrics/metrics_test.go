package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveUpstreamCountsByOutcome(t *testing.T) {
	m := New()
	m.ObserveUpstream("submit", "5xx", 200*time.Millisecond)
	m.ObserveUpstream("submit", "5xx", 100*time.Millisecond)
	m.ObserveUpstream("submit", "2xx", 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.upstreamTotal.WithLabelValues("submit", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamTotal.WithLabelValues("submit", "2xx")))
}

func TestObserveEmissionAndSignature(t *testing.T) {
	m := New()
	m.ObserveEmission("AUTORIZADA", time.Second)
	m.ObserveSignature(true)
	m.ObserveSignature(false)
	m.ObserveResolution("SeedMatch")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.emissionsTotal.WithLabelValues("AUTORIZADA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signaturesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("SeedMatch")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/v1/nfse/:protocolo", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/nfse/PROT-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, `nfse_http_requests_total{method="GET",path="/v1/nfse/:protocolo",status="200"} 1`))
}
