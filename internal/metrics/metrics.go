// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebsocketsActive tracks live relay connections across all IPs.
	WebsocketsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "halyard_websockets_active",
		Help: "Number of live WebSocket relay connections.",
	})

	// GuardRejections counts host-guard refusals by reason.
	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "halyard_guard_rejections_total",
		Help: "SSRF guard rejections by reason.",
	}, []string{"reason"})

	// SSHFailures counts SSH dial/auth failures (the ones that advance the
	// per-user throttle).
	SSHFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halyard_ssh_failures_total",
		Help: "SSH connection and authentication failures.",
	})

	// TokensIssued counts challenge tokens minted by the verify endpoint.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halyard_tokens_issued_total",
		Help: "Challenge tokens issued after provider verification.",
	})

	// UpgradesRejected counts WebSocket upgrades refused at the gate.
	UpgradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "halyard_upgrades_rejected_total",
		Help: "WebSocket upgrades refused before reaching the relay.",
	}, []string{"cause"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
