package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg, "overledger")
	require.NoError(t, err)

	r.ObserveStage(context.Background(), ledger.StageTiming{
		Operation: "drain", Stage: "total", Duration: 20 * time.Millisecond, Count: 3,
	})
	r.ObserveStage(context.Background(), ledger.StageTiming{
		Operation: "drain", Stage: "total", Duration: time.Millisecond, Count: 2, Error: true,
	})
	require.InDelta(t, 5, testutil.ToFloat64(r.stageItems.WithLabelValues("drain", "total")), 0.001)
	require.Equal(t, 2, testutil.CollectAndCount(r.stageDuration))

	r.SetQueueCounts(ledger.QueueCounts{Pending: 4, Failed: 1})
	require.InDelta(t, 4, testutil.ToFloat64(r.queueDepth.WithLabelValues(string(ledger.StatusPending))), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(r.queueDepth.WithLabelValues(string(ledger.StatusFailed))), 0.001)

	// Registering twice on the same registry is an error
	_, err = NewPrometheusRecorder(reg, "overledger")
	require.Error(t, err)
}
