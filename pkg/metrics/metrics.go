// Package metrics exposes the process's Prometheus collectors,
// registered once at init time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_services_total",
			Help: "Total number of declared services in the active generation",
		},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_poll_cycles_total",
			Help: "Total number of per-service poll ticks",
		},
		[]string{"service"},
	)

	RecreationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_recreations_total",
			Help: "Total number of container recreations by trigger",
		},
		[]string{"service", "trigger"},
	)

	ImageUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_image_updates_total",
			Help: "Total number of image watcher update() outcomes",
		},
		[]string{"service", "result"},
	)

	IPAllocationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_ip_allocations_total",
			Help: "Number of IPv4 addresses currently reserved on the dispenser network",
		},
	)

	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_reloads_total",
			Help: "Total number of reload attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertificatesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_certificates_issued_total",
			Help: "Total number of certificates issued or renewed by mode",
		},
		[]string{"mode", "outcome"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_proxy_requests_total",
			Help: "Total number of proxied requests by status class",
		},
		[]string{"status"},
	)

	ProxyRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispenser_proxy_request_duration_seconds",
			Help:    "Upstream round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(RecreationsTotal)
	prometheus.MustRegister(ImageUpdatesTotal)
	prometheus.MustRegister(IPAllocationsTotal)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(CertificatesIssuedTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
}

// Handler returns the HTTP handler that serves the Prometheus exposition
// format for all registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
