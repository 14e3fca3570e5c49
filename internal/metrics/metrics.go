package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerospice_active_sessions",
		Help: "Number of live forwarding sessions.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerospice_active_connections",
		Help: "Number of in-flight relayed TCP connections across all sessions.",
	})
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_sessions_total",
		Help: "Total number of forwarding sessions by outcome.",
	}, []string{"outcome"})
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_relay_bytes_total",
		Help: "Bytes relayed through forwarders by direction.",
	}, []string{"direction"})
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_logins_total",
		Help: "Total number of login attempts by result.",
	}, []string{"result"})
	EnrollmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerospice_enrollments_total",
		Help: "Total number of completed self-enrollments.",
	})
	PortExhaustion = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerospice_port_exhaustion_total",
		Help: "Total number of session requests refused for lack of a free ephemeral port.",
	})
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerospice_upstream_errors_total",
		Help: "Total number of hypervisor API failures by operation.",
	}, []string{"op"})
)
