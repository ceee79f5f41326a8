package blob

import "github.com/prometheus/client_golang/prometheus"

// Download result label values.
const (
	resultOK      = "ok"
	resultRetry   = "retry"
	resultFailed  = "failed"
	resultInvalid = "invalid"
)

var (
	cacheUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_blob_cache_used_bytes",
			Help: "Bytes of blobs held in local storage.",
		},
	)

	cachePinnedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_blob_cache_pinned_bytes",
			Help: "Bytes of blobs with a non-zero refcount.",
		},
	)

	downloadQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_blob_download_queue_length",
			Help: "Blobs waiting for a download slot.",
		},
	)

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_blob_downloads_total",
			Help: "Blob download attempts by result.",
		},
		[]string{"result"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_blob_evictions_total",
			Help: "Blobs evicted from local storage.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheUsedBytes)
	prometheus.MustRegister(cachePinnedBytes)
	prometheus.MustRegister(downloadQueueLength)
	prometheus.MustRegister(downloadsTotal)
	prometheus.MustRegister(evictionsTotal)

	for _, r := range []string{resultOK, resultRetry, resultFailed, resultInvalid} {
		downloadsTotal.WithLabelValues(r)
	}
}
