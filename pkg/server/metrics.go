package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 显示服务的 Prometheus 指标，每个服务实例使用独立的注册表
type Metrics struct {
	Registry *prometheus.Registry

	FramesPublished *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	WSConnections   prometheus.Gauge
	WSMessages      prometheus.Counter
	SampRate        prometheus.Gauge
}

// NewMetrics 创建指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FramesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osmoscope_frames_published_total",
				Help: "Total number of spectrum frames published",
			},
			[]string{"widget"},
		),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "osmoscope_frames_dropped_total",
			Help: "Spectrum frames dropped because the broadcast queue was full",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osmoscope_websocket_connections",
			Help: "Number of connected websocket clients",
		}),
		WSMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "osmoscope_websocket_messages_total",
			Help: "Total number of websocket messages written",
		}),
		SampRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osmoscope_samp_rate_hz",
			Help: "Current flow graph sample rate",
		}),
	}
}
