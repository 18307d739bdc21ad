package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: NewMetrics registers globally, so tests that use it need unique
// namespaces. Most tests use a private registry instead.

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWith(prometheus.NewRegistry(), "test_bridge")
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_bridge_new")

	assert.NotNil(t, m.CommandsReceived)
	assert.NotNil(t, m.CommandsFailed)
	assert.NotNil(t, m.CommandDuration)
	assert.NotNil(t, m.DeliveryResults)
	assert.NotNil(t, m.ReportsPublished)
	assert.NotNil(t, m.ReportsFailed)
	assert.NotNil(t, m.PublishAttempts)
	assert.NotNil(t, m.PublishDuration)
	assert.NotNil(t, m.KeysAllocated)
	assert.NotNil(t, m.WorkerRestarts)
	assert.NotNil(t, m.ConfigurationDrift)
	assert.NotNil(t, m.WorkersUp)
}

func TestNewMetricsWith_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsWith(prometheus.NewRegistry(), "same")
		NewMetricsWith(prometheus.NewRegistry(), "same")
	})

	reg := prometheus.NewRegistry()
	NewMetricsWith(reg, "dup")
	assert.Panics(t, func() {
		NewMetricsWith(reg, "dup")
	})
}

func TestRecordCommands(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCommandReceived("create")
	m.RecordCommandReceived("create")
	m.RecordCommandReceived("delete")
	m.RecordCommandFailed("create", "processing")
	m.RecordCommandApplied("create", 150*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CommandsReceived.WithLabelValues("create")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsReceived.WithLabelValues("delete")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsFailed.WithLabelValues("create", "processing")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CommandDuration))
}

func TestRecordDeliveryResult(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDeliveryResult("accepted")
	m.RecordDeliveryResult("rejected")
	m.RecordDeliveryResult("accepted")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DeliveryResults.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryResults.WithLabelValues("rejected")))
}

func TestRecordPublishAttempt(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPublishAttempt(false, 0)
	m.RecordPublishAttempt(false, 0)
	m.RecordPublishAttempt(true, 200*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PublishAttempts.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PublishAttempts.WithLabelValues("success")))

	count, err := getHistogramSampleCount(m.PublishDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRecordReportOutcomes(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordReportPublished()
	m.RecordReportPublished()
	m.RecordReportFailed()
	m.RecordPublishCycle(7)
	m.RecordPublishCycle(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReportsPublished))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReportsFailed))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PublishCycles))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ReportsPending))
}

func TestRecordSupervisor(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordWorkerRestart()
	m.RecordConfigurationDrift()
	m.SetWorkerUp("publisher", true)
	m.SetWorkerUp("inbound", true)
	m.SetWorkerUp("inbound", false)
	m.RecordKeyAllocated("lab_operations")
	m.RecordEventLogWrite("ERROR")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerRestarts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfigurationDrift))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkersUp.WithLabelValues("publisher")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.WorkersUp.WithLabelValues("inbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeysAllocated.WithLabelValues("lab_operations")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventLogWrites.WithLabelValues("ERROR")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommandReceived("create")
		m.RecordCommandApplied("create", time.Second)
		m.RecordCommandFailed("create", "malformed")
		m.RecordDeliveryResult("accepted")
		m.RecordPublishAttempt(true, time.Second)
		m.RecordReportPublished()
		m.RecordReportFailed()
		m.RecordPublishCycle(1)
		m.RecordKeyAllocated("event_log")
		m.RecordEventLogWrite("INFO")
		m.RecordWorkerRestart()
		m.RecordConfigurationDrift()
		m.SetWorkerUp("delivery", true)
	})
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var dto = &dto.Metric{}
	if err := m.Write(dto); err != nil {
		return 0, err
	}

	return dto.Histogram.GetSampleCount(), nil
}
