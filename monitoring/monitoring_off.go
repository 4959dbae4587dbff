//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/colorhub/hubd/hubcfg"
	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is required for hubd to compile so that Prometheus
// metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ hubcfg.Prometheus,
	_ ...prometheus.Collector) error {

	return fmt.Errorf("hubd must be built with the monitoring tag to " +
		"enable exporting Prometheus metrics")
}
