package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	retry := 30
	batch := []progress.Event{
		submittedEvent("job-1"),
		statusEvent("job-1", time.Second, scrape.Status{Phase: scrape.PhaseInProgress, Progress: 0.1}),
		statusEvent("job-1", 2*time.Second, scrape.Status{Phase: scrape.PhaseDelayed, RetryAfterSeconds: &retry}),
		{TS: testStart.Add(3 * time.Second), Stage: progress.StageDropped, Job: testJob("job-1"),
			Status: scrape.Status{Phase: scrape.PhaseDelayed}},
		statusEvent("job-1", 60*time.Second, scrape.Status{Phase: scrape.PhaseCompleted, Progress: 1}),
		submittedEvent("job-2"),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsSubmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.delays))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.droppedEvents))
	require.Equal(t, 1, testutil.CollectAndCount(sink.retryAfter, "scrapewatch_retry_after_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "scrapewatch_job_runtime_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		canceledEvent("job-2", 5*time.Second, scrape.ResultCounts{Followers: 3}),
		{TS: testStart.Add(6 * time.Second), Stage: progress.StageStalled, Job: testJob("job-3"),
			Status: scrape.Status{Phase: scrape.PhaseInProgress}},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("canceled")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cancellations.WithLabelValues("discard")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.streamStalls))
}

func TestPrometheusSinkCountsFinishOnce(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		submittedEvent("job-1"),
		statusEvent("job-1", time.Second, scrape.Status{Phase: scrape.PhaseCompleted}),
		canceledEvent("job-1", 2*time.Second, scrape.ResultCounts{}),
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("canceled")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))
}

func TestPrometheusSinkDetachReleasesGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	detached := submittedEvent("job-1")
	detached.Stage = progress.StageDetached
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{submittedEvent("job-1"), detached}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
