package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EngineStartsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "psibot_engine_starts_total", Help: "Engine start requests that succeeded"})
	EngineStartFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "psibot_engine_start_failures_total", Help: "Engine start requests that failed"})
	EngineStopsTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "psibot_engine_stops_total", Help: "Engine stop requests"})
	NoticesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "psibot_notices_total", Help: "Notices handled by type"}, []string{"type"})
	NoticeParseErrorsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "psibot_notice_parse_errors_total", Help: "Malformed notices ignored"})
	TunnelReady              = promauto.NewGauge(prometheus.GaugeOpts{Name: "psibot_tunnel_ready", Help: "1 once the current session reached its first tunnel"})
	ActiveTunnels            = promauto.NewGauge(prometheus.GaugeOpts{Name: "psibot_active_tunnels", Help: "Tunnel count last reported by the engine"})
	TunnelReadySeconds       = promauto.NewHistogram(prometheus.HistogramOpts{Name: "psibot_tunnel_ready_seconds", Help: "Time from engine start to first tunnel", Buckets: prometheus.ExponentialBuckets(0.25, 2, 12)})
	ProtectFailuresTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "psibot_protect_failures_total", Help: "Socket protect calls that failed"})
	ErrorsTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "psibot_errors_total", Help: "Errors by type"}, []string{"type"})
)
