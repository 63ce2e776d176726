package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// Stage denotes what happened to a tracked job.
type Stage string

// Supported stages.
const (
	StageSubmitted Stage = "SUBMITTED"
	StageStatus    Stage = "STATUS"
	StageCanceled  Stage = "CANCELED"
	StageStalled   Stage = "STALLED"
	StageDetached  Stage = "DETACHED"
	StageDropped   Stage = "DROPPED"
)

// Event carries a full snapshot of one job at the moment something changed,
// so sinks never have to merge deltas.
type Event struct {
	TS           time.Time
	Stage        Stage
	Job          scrape.Job
	Status       scrape.Status
	Cancellation *scrape.Cancellation
	Stream       scrape.StreamState
	// Note holds low-volume context such as a decode or transport error.
	Note string
}

// Handle is shorthand for the job handle.
func (e Event) Handle() string {
	return e.Job.Handle
}

// Terminal reports whether the event reflects a terminal phase.
func (e Event) Terminal() bool {
	return e.Status.Phase.Terminal()
}

// View renders the event as a job view stamped with the event time.
func (e Event) View() scrape.View {
	return scrape.View{
		Job:          e.Job,
		Status:       e.Status,
		Cancellation: e.Cancellation,
		Stream:       e.Stream,
		UpdatedAt:    e.TS,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Job.Handle == "" {
		return errors.New("job handle is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSubmitted, StageStatus, StageStalled, StageDetached, StageDropped:
	case StageCanceled:
		if e.Cancellation == nil {
			return errors.New("canceled event requires a cancellation")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if !e.Status.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", e.Status.Phase)
	}
	return nil
}
