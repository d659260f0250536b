package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-lane-runner/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const unknownLabel = "unknown"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64 // defaults to prom.DefBuckets
	WaitBuckets     []float64 // defaults to prom.DefBuckets
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
// The "source" label is a lane, a scheduler, a pool or a looper name.
//
// It is also a core.ExecutionObserver: terminal records are counted per lane
// and state, and the time a task spent between submission and start is
// observed per lane.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskWaitSeconds     *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	taskCancelledTotal  *prom.CounterVec
	executionsTotal     *prom.CounterVec
	queueDepth          *prom.GaugeVec
}

var (
	_ core.Metrics           = (*MetricsExporter)(nil)
	_ core.ExecutionObserver = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers the collectors. Registering twice
// against the same registry reuses the collectors already there.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "lanerunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	m := &MetricsExporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   bucketsOrDefault(opts.DurationBuckets),
		}, []string{"source"}),
		taskWaitSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time from submission to start, per lane.",
			Buckets:   bucketsOrDefault(opts.WaitBuckets),
		}, []string{"lane"}),
		taskPanicTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_panic_total",
			Help:      "Total number of task panics.",
		}, []string{"source"}),
		taskRejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejected_total",
			Help:      "Total number of rejected tasks.",
		}, []string{"source", "reason"}),
		taskCancelledTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_cancelled_total",
			Help:      "Total number of tasks matched by a cancellation, by outcome.",
		}, []string{"source", "outcome"}),
		executionsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Terminal task executions by lane and final state.",
		}, []string{"lane", "state"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth.",
		}, []string{"source"}),
	}

	var err error
	if m.taskDurationSeconds, err = registerCollector(reg, m.taskDurationSeconds); err != nil {
		return nil, err
	}
	if m.taskWaitSeconds, err = registerCollector(reg, m.taskWaitSeconds); err != nil {
		return nil, err
	}
	if m.taskPanicTotal, err = registerCollector(reg, m.taskPanicTotal); err != nil {
		return nil, err
	}
	if m.taskRejectedTotal, err = registerCollector(reg, m.taskRejectedTotal); err != nil {
		return nil, err
	}
	if m.taskCancelledTotal, err = registerCollector(reg, m.taskCancelledTotal); err != nil {
		return nil, err
	}
	if m.executionsTotal, err = registerCollector(reg, m.executionsTotal); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsExporter) RecordTaskDuration(name string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(labelOr(name, unknownLabel)).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordTaskPanic(name string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(labelOr(name, unknownLabel)).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(name string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(labelOr(name, unknownLabel)).Set(float64(depth))
}

func (m *MetricsExporter) RecordTaskRejected(name string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(labelOr(name, unknownLabel), labelOr(reason, unknownLabel)).Inc()
}

// RecordTaskCancelled records one task matched by CancelAll.
func (m *MetricsExporter) RecordTaskCancelled(name string, outcome string) {
	if m == nil {
		return
	}
	m.taskCancelledTotal.WithLabelValues(labelOr(name, unknownLabel), labelOr(outcome, unknownLabel)).Inc()
}

// ObserveExecution counts a terminal record. Tasks without a lane are
// reported under lane "none".
func (m *MetricsExporter) ObserveExecution(rec core.TaskExecutionRecord) {
	if m == nil {
		return
	}
	lane := labelOr(rec.Lane, "none")
	m.executionsTotal.WithLabelValues(lane, rec.State.String()).Inc()
	if !rec.StartedAt.IsZero() && !rec.SubmittedAt.IsZero() {
		m.taskWaitSeconds.WithLabelValues(lane).Observe(max(rec.StartedAt.Sub(rec.SubmittedAt), 0).Seconds())
	}
}

// labelOr returns v, or fallback when v is empty.
func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func bucketsOrDefault(b []float64) []float64 {
	if len(b) == 0 {
		return prom.DefBuckets
	}
	return b
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return collector, err
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return collector, fmt.Errorf("collector type mismatch for %T", collector)
	}
	return existing, nil
}
