package sinks

import (
	"time"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(handle string) scrape.Job {
	return scrape.Job{
		Handle:      handle,
		TargetID:    42,
		Mode:        scrape.ModeBoth,
		SubmittedAt: testStart,
	}
}

func statusEvent(handle string, offset time.Duration, st scrape.Status) progress.Event {
	return progress.Event{
		TS:     testStart.Add(offset),
		Stage:  progress.StageStatus,
		Job:    testJob(handle),
		Status: st,
		Stream: scrape.StreamLive,
	}
}

func submittedEvent(handle string) progress.Event {
	return progress.Event{
		TS:     testStart,
		Stage:  progress.StageSubmitted,
		Job:    testJob(handle),
		Status: scrape.Status{Phase: scrape.PhaseInitializing},
		Stream: scrape.StreamConnecting,
	}
}

func canceledEvent(handle string, offset time.Duration, counts scrape.ResultCounts) progress.Event {
	at := testStart.Add(offset)
	return progress.Event{
		TS:    at,
		Stage: progress.StageCanceled,
		Job:   testJob(handle),
		Status: scrape.Status{
			Phase:    scrape.PhaseCanceled,
			RecordID: "99",
		},
		Cancellation: &scrape.Cancellation{
			Disposition:    scrape.DispositionDiscard,
			Counts:         counts,
			RequestedAt:    at,
			AcknowledgedAt: at,
		},
		Stream: scrape.StreamClosed,
	}
}
