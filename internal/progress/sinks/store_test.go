package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/storage/memory"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

func TestStoreSinkSavesLatestSnapshot(t *testing.T) {
	t.Parallel()

	repo := &countingRepo{RunRepository: memory.NewRunStore()}
	sink := NewStoreSink(repo, nil)

	batch := []progress.Event{
		submittedEvent("job-1"),
		statusEvent("job-1", time.Second, scrape.Status{Phase: scrape.PhaseInProgress, Progress: 0.4, RecordID: "7"}),
		submittedEvent("job-2"),
		statusEvent("job-1", 2*time.Second, scrape.Status{
			Phase:    scrape.PhaseCompleted,
			Progress: 1,
			RecordID: "7",
			Counts:   &scrape.ResultCounts{Followers: 500, Following: 300},
		}),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2, repo.saves)

	run, err := repo.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.PhaseCompleted, run.Phase)
	require.Equal(t, int64(500), run.Followers)
	require.NotNil(t, run.FinishedAt)
	require.True(t, run.FinishedAt.Equal(testStart.Add(2*time.Second)))

	run, err = repo.GetRun(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, scrape.PhaseInitializing, run.Phase)
	require.Nil(t, run.FinishedAt)
}

func TestStoreSinkCancellationKeepsFrozenCounts(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	evt := canceledEvent("job-1", time.Second, scrape.ResultCounts{Followers: 120, Following: 40})
	evt.Status.Counts = &scrape.ResultCounts{Followers: 130, Following: 41}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))

	run, err := repo.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.DispositionDiscard, run.Disposition)
	require.Equal(t, int64(120), run.Followers)
	require.Equal(t, int64(40), run.Following)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{submittedEvent("job-1")})
	require.ErrorContains(t, err, "save run job-1")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type countingRepo struct {
	store.RunRepository
	saves int
}

func (r *countingRepo) SaveRun(ctx context.Context, run store.Run) error {
	r.saves++
	return r.RunRepository.SaveRun(ctx, run)
}

type failingRepo struct{}

func (failingRepo) SaveRun(context.Context, store.Run) error { return errors.New("disk full") }

func (failingRepo) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (failingRepo) ListRuns(context.Context, *scrape.Phase, int, int) ([]store.Run, error) {
	return nil, nil
}
