package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// Publisher sends a JSON payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Notification is the payload published when a job finishes.
type Notification struct {
	JobHandle   string               `json:"job_handle"`
	TargetID    int64                `json:"target_id"`
	Mode        scrape.Mode          `json:"mode"`
	Phase       scrape.Phase         `json:"phase"`
	Message     string               `json:"message,omitempty"`
	RecordID    string               `json:"scrape_id,omitempty"`
	Counts      *scrape.ResultCounts `json:"results,omitempty"`
	Disposition scrape.Disposition   `json:"disposition,omitempty"`
	FinishedAt  time.Time            `json:"finished_at"`
}

// NotificationFromEvent builds the published payload for a terminal event.
func NotificationFromEvent(evt progress.Event) Notification {
	n := Notification{
		JobHandle:  evt.Handle(),
		TargetID:   evt.Job.TargetID,
		Mode:       evt.Job.Mode,
		Phase:      evt.Status.Phase,
		Message:    evt.Status.Message,
		RecordID:   evt.Status.RecordID,
		Counts:     evt.Status.Counts,
		FinishedAt: evt.TS,
	}
	if evt.Cancellation != nil {
		counts := evt.Cancellation.Counts
		n.Counts = &counts
		n.Disposition = evt.Cancellation.Disposition
	}
	return n
}

// PublishSink announces terminal jobs on a topic, once per job and phase.
// It forgets a job once the job is detached.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger

	mu   sync.Mutex
	sent map[string]scrape.Phase
}

// NewPublishSink returns a sink publishing to topic.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		sent:      make(map[string]scrape.Phase),
	}
}

// Consume publishes every newly terminal job in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage == progress.StageDetached {
			// No further events arrive for a detached job.
			s.release(evt.Handle())
			continue
		}
		if !evt.Terminal() || !s.claim(evt.Handle(), evt.Status.Phase) {
			continue
		}
		attrs := map[string]string{
			"job_handle": evt.Handle(),
			"phase":      string(evt.Status.Phase),
		}
		id, err := s.publisher.Publish(ctx, s.topic, NotificationFromEvent(evt), attrs)
		if err != nil {
			s.release(evt.Handle())
			return fmt.Errorf("publish %s: %w", evt.Handle(), err)
		}
		s.logger.Debug("published job notification",
			zap.String("job_handle", evt.Handle()),
			zap.String("message_id", id))
	}
	return nil
}

func (s *PublishSink) claim(handle string, phase scrape.Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sent[handle]; ok && prev == phase {
		return false
	}
	s.sent[handle] = phase
	return true
}

func (s *PublishSink) release(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, handle)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
