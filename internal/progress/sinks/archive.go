package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/progress"
)

// BlobWriter stores an object and returns its URI.
type BlobWriter interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ArchiveSink writes the final view of each terminal job as JSON.
type ArchiveSink struct {
	blobs  BlobWriter
	logger *zap.Logger
}

// NewArchiveSink returns a sink writing to blobs.
func NewArchiveSink(blobs BlobWriter, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{blobs: blobs, logger: logger}
}

// ArchivePath names the archive object for a job.
func ArchivePath(handle string) string {
	return handle + ".json"
}

// Consume archives terminal jobs; a later terminal event for the same job
// overwrites the earlier object.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, evt := range latestPerJob(batch) {
		if !evt.Terminal() {
			continue
		}
		body, err := json.Marshal(evt.View())
		if err != nil {
			return fmt.Errorf("marshal archive for %s: %w", evt.Handle(), err)
		}
		uri, err := s.blobs.PutObject(ctx, ArchivePath(evt.Handle()), "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("archive %s: %w", evt.Handle(), err)
		}
		s.logger.Debug("archived job", zap.String("job_handle", evt.Handle()), zap.String("uri", uri))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
