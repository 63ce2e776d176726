package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("scrape run not found")

// Run is the persisted history of one tracked job.
type Run struct {
	Handle                string
	TargetID              int64
	Mode                  scrape.Mode
	UsePrivateCredentials bool
	RecordID              string
	Phase                 scrape.Phase
	Message               string
	Progress              float64
	Followers             int64
	Following             int64
	HasCounts             bool
	RetryAfterSeconds     int
	Disposition           scrape.Disposition
	Stream                scrape.StreamState
	SubmittedAt           time.Time
	UpdatedAt             time.Time
	// FinishedAt is nil until a terminal phase is recorded.
	FinishedAt *time.Time
}

// RunFromView flattens a tracked job view into a Run.
func RunFromView(v scrape.View) Run {
	run := Run{
		Handle:                v.Job.Handle,
		TargetID:              v.Job.TargetID,
		Mode:                  v.Job.Mode,
		UsePrivateCredentials: v.Job.UsePrivateCredentials,
		RecordID:              v.Status.RecordID,
		Phase:                 v.Status.Phase,
		Message:               v.Status.Message,
		Progress:              v.Status.Progress,
		Stream:                v.Stream,
		SubmittedAt:           v.Job.SubmittedAt,
		UpdatedAt:             v.UpdatedAt,
	}
	if v.Status.Counts != nil {
		run.Followers = v.Status.Counts.Followers
		run.Following = v.Status.Counts.Following
		run.HasCounts = true
	}
	if v.Status.RetryAfterSeconds != nil {
		run.RetryAfterSeconds = *v.Status.RetryAfterSeconds
	}
	if v.Cancellation != nil {
		run.Disposition = v.Cancellation.Disposition
		// Canceled runs keep the counts the operator saw when confirming.
		run.Followers = v.Cancellation.Counts.Followers
		run.Following = v.Cancellation.Counts.Following
		run.HasCounts = true
	}
	if v.Status.Phase.Terminal() {
		at := v.UpdatedAt
		run.FinishedAt = &at
	}
	return run
}

// RunRepository persists run history.
type RunRepository interface {
	// SaveRun inserts the run or replaces the stored row for its handle.
	SaveRun(ctx context.Context, run Run) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, handle string) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by phase.
	ListRuns(ctx context.Context, phase *scrape.Phase, limit, offset int) ([]Run, error)
}
