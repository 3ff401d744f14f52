package service

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes.
const (
	outcomeUploaded  = "uploaded"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeOK        = "ok"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televault_uploads_total",
		Help: "Upload pipeline runs by outcome.",
	}, []string{"outcome"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_upload_bytes_total",
		Help: "Bytes sent to the channel.",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "televault_rate_limit_wait_seconds",
		Help:    "Time spent waiting for an upload token.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 3, 10, 30, 60, 180, 300},
	})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "televault_downloads_total",
		Help: "Download requests by serving profile and outcome.",
	}, []string{"profile", "outcome"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_download_bytes_total",
		Help: "Bytes streamed out of the channel.",
	})

	transportFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_transport_fallbacks_total",
		Help: "Downloads served by a profile other than the recorded one.",
	})

	rebuildRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "televault_rebuild_recovered_total",
		Help: "Asset rows restored from channel history.",
	})
)

// countingReader feeds the download byte counter as the stream is consumed.
type countingReader struct {
	io.ReadCloser
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
	return n, err
}
