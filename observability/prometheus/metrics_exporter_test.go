package prometheus

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-lane-runner/core"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("lanerunner", reg, ExporterOptions{})
	require.NoError(t, err)

	exporter.RecordTaskDuration("decoder", 250*time.Millisecond)
	exporter.RecordTaskPanic("decoder", "panic")
	exporter.RecordQueueDepth("scheduler", 7)
	exporter.RecordTaskRejected("decoder", "closed")
	exporter.RecordTaskCancelled("decoder", "removed")
	exporter.RecordTaskCancelled("decoder", "removed")
	exporter.RecordTaskCancelled("decoder", "non_cancellable")

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.taskPanicTotal.WithLabelValues("decoder")))
	assert.Equal(t, 7.0, testutil.ToFloat64(exporter.queueDepth.WithLabelValues("scheduler")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("decoder", "closed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.taskCancelledTotal.WithLabelValues("decoder", "removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.taskCancelledTotal.WithLabelValues("decoder", "non_cancellable")))

	histCount, err := histogramSampleCount(exporter.taskDurationSeconds.WithLabelValues("decoder"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)
}

func TestMetricsExporter_EmptyLabels(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	require.NoError(t, err)

	exporter.RecordTaskRejected("", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("unknown", "unknown")))
	exporter.RecordQueueDepth("", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(exporter.queueDepth.WithLabelValues("unknown")))

	var nilExporter *MetricsExporter
	assert.NotPanics(t, func() { nilExporter.RecordTaskCancelled("x", "removed") })
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("lanerunner", reg, ExporterOptions{})
	require.NoError(t, err)
	second, err := NewMetricsExporter("lanerunner", reg, ExporterOptions{})
	require.NoError(t, err)

	first.RecordTaskPanic("decoder", nil)
	second.RecordTaskPanic("decoder", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.taskPanicTotal.WithLabelValues("decoder")))
}

// TestMetricsExporter_ObserveExecution verifies terminal records are counted
// Given: An exporter used as an execution observer
// When: Two completed records and one never-started cancelled record arrive
// Then: Counts are split by lane and state, and only started tasks add a wait sample
func TestMetricsExporter_ObserveExecution(t *testing.T) {
	// Arrange
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("lanerunner", reg, ExporterOptions{})
	require.NoError(t, err)
	submitted := time.Now()
	started := submitted.Add(40 * time.Millisecond)

	// Act
	exporter.ObserveExecution(core.TaskExecutionRecord{Lane: "db", State: core.TaskStateCompleted, SubmittedAt: submitted, StartedAt: started})
	exporter.ObserveExecution(core.TaskExecutionRecord{Lane: "db", State: core.TaskStateCompleted, SubmittedAt: submitted, StartedAt: started})
	exporter.ObserveExecution(core.TaskExecutionRecord{State: core.TaskStateCancelled, SubmittedAt: submitted})

	// Assert
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.executionsTotal.WithLabelValues("db", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.executionsTotal.WithLabelValues("none", "cancelled")))

	dbWaits, err := histogramSampleCount(exporter.taskWaitSeconds.WithLabelValues("db"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dbWaits)
	noneWaits, err := histogramSampleCount(exporter.taskWaitSeconds.WithLabelValues("none"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), noneWaits)
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
