package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// StatusWriter stores wire-shaped status records keyed by job handle.
type StatusWriter interface {
	PutMany(ctx context.Context, recs map[string]scrape.Record) error
}

// CacheSink mirrors each job's latest status into a shared cache.
type CacheSink struct {
	cache StatusWriter
}

// NewCacheSink returns a sink writing to cache.
func NewCacheSink(cache StatusWriter) *CacheSink {
	return &CacheSink{cache: cache}
}

// Consume writes one record per job in the batch.
func (s *CacheSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.cache == nil {
		return nil
	}
	latest := latestPerJob(batch)
	recs := make(map[string]scrape.Record, len(latest))
	for _, evt := range latest {
		recs[evt.Handle()] = scrape.RecordFromStatus(evt.Status)
	}
	if err := s.cache.PutMany(ctx, recs); err != nil {
		return fmt.Errorf("mirror statuses: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *CacheSink) Close(context.Context) error {
	return nil
}
