package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	sessions    prometheus.Counter
	packetsSent prometheus.Counter
	bytesSent   prometheus.Counter
	framesSent  prometheus.Counter
	paritySent  prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_sessions_total",
			Help: "Total number of streaming sessions started",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_packets_sent_total",
			Help: "Total number of packets sent",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_bytes_sent_total",
			Help: "Total number of payload bytes sent",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_frames_sent_total",
			Help: "Total number of frames sent",
		}),
		paritySent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_parity_sent_total",
			Help: "Total number of parity packets sent",
		}),
	}
}

type clientMetrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	framesReceived  prometheus.Counter
	framesDropped   prometheus.Counter
	framesRecovered prometheus.Counter
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	factory := promauto.With(reg)
	return &clientMetrics{
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_packets_received_total",
			Help: "Total number of packets received",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_bytes_received_total",
			Help: "Total number of payload bytes received",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_frames_received_total",
			Help: "Total number of frames received intact",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_frames_dropped_total",
			Help: "Total number of frames dropped as incomplete or corrupt",
		}),
		framesRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanchez_stream_frames_recovered_total",
			Help: "Total number of frames repaired with parity data",
		}),
	}
}
