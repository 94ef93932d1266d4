package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	runStartedTotal   atomic.Uint64
	runCompletedTotal atomic.Uint64
	runFailedTotal    atomic.Uint64
	runCancelledTotal atomic.Uint64
	runResumedTotal   atomic.Uint64
	stepExecutedTotal atomic.Uint64
	stepFailedTotal   atomic.Uint64

	jobReceivedTotal      atomic.Uint64
	jobCompletedTotal     atomic.Uint64
	jobFailedTotal        atomic.Uint64
	jobUnrecoverableTotal atomic.Uint64

	runDuration  = newHistogram([]float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 120000, 300000})
	stepDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// IncRunStarted increments the started counter.
func IncRunStarted() {
	runStartedTotal.Add(1)
}

// IncRunCompleted increments the completed counter.
func IncRunCompleted() {
	runCompletedTotal.Add(1)
}

// IncRunFailed increments the failed counter.
func IncRunFailed() {
	runFailedTotal.Add(1)
}

// IncRunCancelled increments the cancelled counter.
func IncRunCancelled() {
	runCancelledTotal.Add(1)
}

// IncRunResumed increments the resumed counter.
func IncRunResumed() {
	runResumedTotal.Add(1)
}

// IncStepExecuted increments the per-step execution counter.
func IncStepExecuted() {
	stepExecutedTotal.Add(1)
}

// IncStepFailed increments the per-step failure counter.
func IncStepFailed() {
	stepFailedTotal.Add(1)
}

// IncJobReceived increments the queue jobs received counter.
func IncJobReceived() {
	jobReceivedTotal.Add(1)
}

// IncJobCompleted increments the queue jobs completed counter.
func IncJobCompleted() {
	jobCompletedTotal.Add(1)
}

// IncJobFailed increments the queue jobs failed counter.
func IncJobFailed() {
	jobFailedTotal.Add(1)
}

// IncJobDeletedUnrecoverable counts malformed payloads dropped without
// processing.
func IncJobDeletedUnrecoverable() {
	jobUnrecoverableTotal.Add(1)
}

// ObserveRunDurationMs records a whole-run duration in milliseconds.
func ObserveRunDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	runDuration.Observe(value)
}

// ObserveStepDurationMs records a single step duration in milliseconds.
func ObserveStepDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	stepDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "run_started_total", "Total analysis runs started", runStartedTotal.Load())
	writeCounter(&buf, "run_completed_total", "Total analysis runs completed", runCompletedTotal.Load())
	writeCounter(&buf, "run_failed_total", "Total analysis runs with a failed step", runFailedTotal.Load())
	writeCounter(&buf, "run_cancelled_total", "Total analysis runs cancelled", runCancelledTotal.Load())
	writeCounter(&buf, "run_resumed_total", "Total analysis run resumes", runResumedTotal.Load())
	writeCounter(&buf, "step_executed_total", "Total pipeline steps executed", stepExecutedTotal.Load())
	writeCounter(&buf, "step_failed_total", "Total pipeline steps failed", stepFailedTotal.Load())
	writeCounter(&buf, "worker_jobs_received_total", "Total queue jobs received", jobReceivedTotal.Load())
	writeCounter(&buf, "worker_jobs_completed_total", "Total queue jobs completed", jobCompletedTotal.Load())
	writeCounter(&buf, "worker_jobs_failed_total", "Total queue jobs failed", jobFailedTotal.Load())
	writeCounter(&buf, "worker_jobs_unrecoverable_total", "Total malformed queue jobs dropped", jobUnrecoverableTotal.Load())
	writeHistogram(&buf, "run_duration_ms", "Run duration in milliseconds", runDuration.Snapshot())
	writeHistogram(&buf, "step_duration_ms", "Step duration in milliseconds", stepDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := len(h.buckets)
	for i, bound := range h.buckets {
		if value <= bound {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += value
	h.count++
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make([]uint64, len(h.counts))
	copy(counts, h.counts)
	return histogramSnapshot{
		buckets: h.buckets,
		counts:  counts,
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	cumulative := uint64(0)
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=%q} %d\n", name, strconv.FormatFloat(bound, 'f', -1, 64), cumulative)
	}
	cumulative += snap.counts[len(snap.buckets)]
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
	fmt.Fprintf(buf, "%s_sum %g\n", name, snap.sum)
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}
