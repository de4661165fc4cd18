package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := jobsTotal
	Init()
	require.Same(t, first, jobsTotal)
}

func TestObserveCounters(t *testing.T) {
	ObserveJob("completed")
	ObserveJob("completed")
	require.InDelta(t, 2, testutil.ToFloat64(jobsTotal.WithLabelValues("completed")), 0)

	ObserveWebhook("page", "ok")
	require.InDelta(t, 1, testutil.ToFloat64(webhookEventsTotal.WithLabelValues("page", "ok")), 0)

	ObserveProviderRequest("start", errors.New("boom"))
	require.InDelta(t, 1, testutil.ToFloat64(providerRequestsTotal.WithLabelValues("start", "error")), 0)

	ObservePageArchived("https://Photobooth.net/locations/1", 512)
	require.InDelta(t, 512, testutil.ToFloat64(bytesArchivedTotal.WithLabelValues("photobooth.net")), 0)

	before := testutil.ToFloat64(dedupMergedTotal)
	ObserveMerge(2)
	require.InDelta(t, before+2, testutil.ToFloat64(dedupMergedTotal), 0)

	ObserveDedupPass(1500*time.Millisecond, 2)
	require.Positive(t, testutil.CollectAndCount(dedupPassDurationSeconds))

	SetStaleJobs(3)
	require.InDelta(t, 3, testutil.ToFloat64(staleJobs), 0)

	ObserveReconcile("requeued")
	require.InDelta(t, 1, testutil.ToFloat64(reconcileActionsTotal.WithLabelValues("requeued")), 0)
}
