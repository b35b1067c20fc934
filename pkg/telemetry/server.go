package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "bgrunner",
	Name:      "build_info",
	Help:      "Always 1, labelled by version and commit.",
}, []string{"version", "commit"})

// RecordBuildInfo publishes the running build on the build_info gauge.
func RecordBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// NewMetricsHandler serves /metrics, /healthz and /readyz. ready may be nil.
func NewMetricsHandler(ready func(ctx context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// StartMetricsServer serves NewMetricsHandler(ready) on addr in a background
// goroutine and shuts it down when ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, ready func(ctx context.Context) error, logger *slog.Logger) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMetricsHandler(ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}
