//go:build monitoring
// +build monitoring

package monitoring

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/colorhub/hubd/hubcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics registers the collectors and launches the
// Prometheus exporter on the configured address.
func ExportPrometheusMetrics(cfg hubcfg.Prometheus,
	collectors ...prometheus.Collector) error {

	var err error
	started.Do(func() {
		for _, c := range collectors {
			err = prometheus.Register(c)

			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				err = nil
			}
			if err != nil {
				return
			}
		}

		log.Infof("Prometheus exporter started on %v/metrics", cfg.Listen)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v", err)
			}
		}()
	})

	return err
}
