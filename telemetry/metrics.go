// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived     *prometheus.CounterVec // by kind: receive|other|malformed
	LinksDetected      *prometheus.CounterVec // by platform
	AnalysesStarted    prometheus.Counter
	AnalysesFinished   *prometheus.CounterVec // by status: succeeded|failed|timeout|cancelled|rejected
	DownloadRetries    prometheus.Counter
	RepliesWritten     prometheus.Counter
	ReplyWriteFailures prometheus.Counter

	// Histograms (seconds)
	AnalysisDuration prometheus.Observer
	StageDuration    *prometheus.HistogramVec // by stage

	// Gauges
	InflightGauge   prometheus.Gauge
	ReplyQueueGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_events_total", Help: "Transport lines read, by decoded kind"}, []string{"kind"})
		LinksDetected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_links_detected_total", Help: "Video links detected in messages"}, []string{"platform"})
		AnalysesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_analyses_started_total", Help: "Analysis tasks that acquired a slot"})
		AnalysesFinished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_analyses_finished_total", Help: "Analysis tasks by final status"}, []string{"status"})
		DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_download_retries_total", Help: "Download attempts retried after a transient error"})
		RepliesWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_replies_written_total", Help: "Send requests written to the transport"})
		ReplyWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_reply_write_failures_total", Help: "Send requests that failed to write"})
		AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_analysis_duration_seconds", Help: "End-to-end analysis duration seconds", Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600}})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_stage_duration_seconds", Help: "Pipeline stage duration seconds", Buckets: prometheus.DefBuckets}, []string{"stage"})
		InflightGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_analyses_inflight", Help: "Analysis tasks currently holding a slot"})
		ReplyQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_reply_queue_depth", Help: "Replies waiting to be written"})
	})
}

// CountEvent records one transport line by kind.
func CountEvent(kind string) { if EventsReceived != nil { EventsReceived.WithLabelValues(kind).Inc() } }

// CountLink records a detected link.
func CountLink(platform string) { if LinksDetected != nil { LinksDetected.WithLabelValues(platform).Inc() } }

// AnalysisStarted marks a task as running.
func AnalysisStarted() {
	if AnalysesStarted != nil { AnalysesStarted.Inc() }
	if InflightGauge != nil { InflightGauge.Inc() }
}

// AnalysisDone records the end of a running task.
func AnalysisDone(status string, d time.Duration) {
	if InflightGauge != nil { InflightGauge.Dec() }
	if AnalysisDuration != nil { AnalysisDuration.Observe(d.Seconds()) }
	CountFinished(status)
}

// CountFinished records a final task status without touching the inflight gauge.
func CountFinished(status string) { if AnalysesFinished != nil { AnalysesFinished.WithLabelValues(status).Inc() } }

// ObserveStage records a pipeline stage duration.
func ObserveStage(stage string, d time.Duration) { if StageDuration != nil { StageDuration.WithLabelValues(stage).Observe(d.Seconds()) } }

// CountRetry records a retried download.
func CountRetry() { if DownloadRetries != nil { DownloadRetries.Inc() } }

// CountReply records the outcome of one transport write.
func CountReply(err error) {
	if err != nil {
		if ReplyWriteFailures != nil { ReplyWriteFailures.Inc() }
		return
	}
	if RepliesWritten != nil { RepliesWritten.Inc() }
}

// SetReplyQueueDepth records the number of queued replies.
func SetReplyQueueDepth(n int) { if ReplyQueueGauge != nil { ReplyQueueGauge.Set(float64(n)) } }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil { obs.Observe(d.Seconds()) }
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}
var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context { return context.WithValue(ctx, corrKey, id) }

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok { return s }
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil { base = slog.Default() }
	if id := GetCorrelation(ctx); id != "" { return base.With(slog.String("corr", id)) }
	return base
}
