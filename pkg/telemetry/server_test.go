package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

func TestMetricsHandler_Readyz(t *testing.T) {
	ready := telemetry.NewMetricsHandler(nil)
	w := httptest.NewRecorder()
	ready.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	notReady := telemetry.NewMetricsHandler(func(context.Context) error { return errors.New("postgres down") })
	w = httptest.NewRecorder()
	notReady.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "postgres down")
}

func TestMetricsHandler_ExposesBuildInfo(t *testing.T) {
	telemetry.RecordBuildInfo("v1.2.3", "abc123")

	w := httptest.NewRecorder()
	telemetry.NewMetricsHandler(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `bgrunner_build_info{commit="abc123",version="v1.2.3"} 1`), body)
}
