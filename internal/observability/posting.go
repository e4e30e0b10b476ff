package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PostingMetrics exposes Prometheus collectors for the outbound posting
// queue. All methods are safe on a nil receiver so callers can run without
// metrics wired.
type PostingMetrics struct {
	enqueued      *prometheus.CounterVec
	posted        *prometheus.CounterVec
	failed        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
}

// NewPostingMetrics registers the posting collectors against the provided
// registerer. When the registerer is nil the default one is used.
func NewPostingMetrics(registerer prometheus.Registerer) *PostingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_postings_enqueued_total",
		Help: "Documents enqueued for outbound posting, by document type.",
	}, []string{"doc_type"})
	posted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_postings_posted_total",
		Help: "Documents accepted by the external system, by document type.",
	}, []string{"doc_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_postings_failed_total",
		Help: "Delivery failures, partitioned by resulting item status.",
	}, []string{"status"})
	sweepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_posting_sweep_duration_seconds",
		Help:    "Duration of posting sweep runs per integration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"integration_type"})
	registerer.MustRegister(enqueued, posted, failed, sweepDuration)
	return &PostingMetrics{
		enqueued:      enqueued,
		posted:        posted,
		failed:        failed,
		sweepDuration: sweepDuration,
	}
}

// AddEnqueued counts a newly enqueued (or deduplicated) document.
func (m *PostingMetrics) AddEnqueued(docType string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(docType).Inc()
}

// AddPosted counts a successful delivery.
func (m *PostingMetrics) AddPosted(docType string) {
	if m == nil {
		return
	}
	m.posted.WithLabelValues(docType).Inc()
}

// AddFailed counts a delivery failure with the item's resulting status.
func (m *PostingMetrics) AddFailed(status string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(status).Inc()
}

// ObserveSweep records the duration of a sweep over one integration.
func (m *PostingMetrics) ObserveSweep(integrationType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(integrationType).Observe(elapsed.Seconds())
}
