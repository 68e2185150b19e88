package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sxmgw_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sxmgw_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	manifestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sxmgw_manifest_requests_total",
		Help: "Playlist requests by outcome.",
	}, []string{"result"})

	segmentBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sxmgw_segment_bytes_total",
		Help: "Bytes of segment data relayed to clients.",
	})

	activeSegmentStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sxmgw_active_segment_streams",
		Help: "Segment relays currently in progress.",
	})

	nowPlayingPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sxmgw_nowplaying_publish_total",
		Help: "Now-playing feed publishes by outcome.",
	}, []string{"result"})
)
