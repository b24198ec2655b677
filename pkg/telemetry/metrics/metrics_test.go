package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObservePipelineLatency_RecordsIntoHistogram(t *testing.T) {
	var before, after dto.Metric
	require.NoError(t, pipelineLatencyMS.Write(&before))
	ObservePipelineLatency(120 * time.Millisecond)
	require.NoError(t, pipelineLatencyMS.Write(&after))
	require.Equal(t, before.GetHistogram().GetSampleCount()+1, after.GetHistogram().GetSampleCount())
}

func TestIncCardsDegrade_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(cardsDegradeCount)
	IncCardsDegrade()
	require.Equal(t, before+1, testutil.ToFloat64(cardsDegradeCount))
}

func TestObserveTelegramSend_LabelsByStatusAndCode(t *testing.T) {
	before := testutil.ToFloat64(telegramSendTotal.WithLabelValues("ok", "200"))
	ObserveTelegramSend("ok", "200", 30*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(telegramSendTotal.WithLabelValues("ok", "200")))
}

func TestSetConfigVersion_IsOneHot(t *testing.T) {
	SetConfigVersion("sha-aaa")
	require.Equal(t, float64(1), testutil.ToFloat64(configVersion.WithLabelValues("sha-aaa")))

	SetConfigVersion("sha-bbb")
	require.Equal(t, float64(0), testutil.ToFloat64(configVersion.WithLabelValues("sha-aaa")))
	require.Equal(t, float64(1), testutil.ToFloat64(configVersion.WithLabelValues("sha-bbb")))
}

func TestSetQueueBacklog_PerQueueLabel(t *testing.T) {
	SetQueueBacklog("ingest", 42)
	require.Equal(t, float64(42), testutil.ToFloat64(celeryQueueBacklog.WithLabelValues("ingest")))
}

func TestIncOnchainLockAcquire_LabelsByStatus(t *testing.T) {
	before := testutil.ToFloat64(onchainLockAcquireTotal.WithLabelValues("acquired"))
	IncOnchainLockAcquire("acquired")
	require.Equal(t, before+1, testutil.ToFloat64(onchainLockAcquireTotal.WithLabelValues("acquired")))
}

func TestHandler_ServesRegisteredSeries(t *testing.T) {
	require.NotNil(t, Handler())
}
