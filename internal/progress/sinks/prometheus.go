package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// PrometheusSink exports job lifecycle metrics.
type PrometheusSink struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	delays        prometheus.Counter
	retryAfter    prometheus.Histogram
	streamStalls  prometheus.Counter
	droppedEvents prometheus.Counter
	cancellations *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapewatch_jobs_submitted_total",
			Help: "Total jobs accepted by the collaborator.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapewatch_jobs_finished_total",
			Help: "Jobs that reached a terminal phase, partitioned by phase.",
		}, []string{"phase"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapewatch_jobs_active",
			Help: "Jobs submitted but not yet terminal.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapewatch_job_runtime_seconds",
			Help:    "Wall time from submission to terminal phase.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"phase"}),
		delays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapewatch_job_delays_total",
			Help: "Transitions into the delayed phase.",
		}),
		retryAfter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapewatch_retry_after_seconds",
			Help:    "Retry hints reported with delayed statuses.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		streamStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapewatch_stream_stalls_total",
			Help: "Progress streams that gave up reconnecting.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapewatch_stream_messages_dropped_total",
			Help: "Malformed progress messages discarded.",
		}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapewatch_cancellations_total",
			Help: "Acknowledged cancellations, partitioned by disposition.",
		}, []string{"disposition"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsFinished,
		s.jobsActive,
		s.jobRuntime,
		s.delays,
		s.retryAfter,
		s.streamStalls,
		s.droppedEvents,
		s.cancellations,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSubmitted:
		s.jobsSubmitted.Inc()
		if s.tracker.start(evt.Handle()) {
			s.jobsActive.Inc()
		}
	case progress.StageStatus:
		if evt.Status.Phase == scrape.PhaseDelayed {
			s.delays.Inc()
			if evt.Status.RetryAfterSeconds != nil {
				s.retryAfter.Observe(float64(*evt.Status.RetryAfterSeconds))
			}
		}
		if evt.Terminal() {
			s.finish(evt)
		}
	case progress.StageCanceled:
		s.cancellations.WithLabelValues(string(evt.Cancellation.Disposition)).Inc()
		s.finish(evt)
	case progress.StageStalled:
		s.streamStalls.Inc()
	case progress.StageDropped:
		s.droppedEvents.Inc()
	case progress.StageDetached:
		if s.tracker.complete(evt.Handle()) {
			s.jobsActive.Dec()
		}
	}
}

// finish counts a job once even when a cancellation acknowledgement lands
// after a completed or failed status.
func (s *PrometheusSink) finish(evt progress.Event) {
	phase := string(evt.Status.Phase)
	if !s.tracker.complete(evt.Handle()) {
		return
	}
	s.jobsActive.Dec()
	s.jobsFinished.WithLabelValues(phase).Inc()
	if !evt.Job.SubmittedAt.IsZero() && evt.TS.After(evt.Job.SubmittedAt) {
		s.jobRuntime.WithLabelValues(phase).Observe(evt.TS.Sub(evt.Job.SubmittedAt).Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{active: make(map[string]struct{})}
}

func (t *jobTracker) start(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[handle]; ok {
		return false
	}
	t.active[handle] = struct{}{}
	return true
}

func (t *jobTracker) complete(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[handle]; !ok {
		return false
	}
	delete(t.active, handle)
	return true
}
