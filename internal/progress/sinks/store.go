package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

// StoreSink persists run history through a store.RunRepository. Events carry
// full snapshots, so only the last event per job in a batch is written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume saves the latest snapshot of every job in the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range latestPerJob(batch) {
		if err := s.repo.SaveRun(ctx, store.RunFromView(evt.View())); err != nil {
			return fmt.Errorf("save run %s: %w", evt.Handle(), err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// latestPerJob keeps the final event for each handle, in first-seen order.
func latestPerJob(batch []progress.Event) []progress.Event {
	index := make(map[string]int, len(batch))
	out := make([]progress.Event, 0, len(batch))
	for _, evt := range batch {
		if i, ok := index[evt.Handle()]; ok {
			out[i] = evt
			continue
		}
		index[evt.Handle()] = len(out)
		out = append(out, evt)
	}
	return out
}
