package controller

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// Tracker owns the sessions of every job this process is watching. Jobs never
// share state; the tracker only indexes them.
type Tracker struct {
	client    scrape.Client
	transport scrape.Transport
	emitter   progress.Emitter
	clock     Clock
	cfg       Config
	logger    *zap.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	closed   bool
}

// NewTracker wires the collaborator ports into a Tracker. A nil emitter
// discards events; a nil logger is replaced with a no-op logger.
func NewTracker(
	client scrape.Client,
	transport scrape.Transport,
	emitter progress.Emitter,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Tracker {
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Tracker{
		client:    client,
		transport: transport,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("controller"),
		base:      base,
		stop:      stop,
		sessions:  make(map[string]*Session),
	}
}

// Submit starts a job, attaches to its progress stream and waits up to the
// attach timeout for the first event. The session is returned whenever the
// collaborator accepted the job; attached reports whether an event arrived.
// Submission failures are *scrape.SubmissionError and are never retried.
func (t *Tracker) Submit(ctx context.Context, req scrape.SubmitRequest) (*Session, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, &scrape.SubmissionError{
			Kind:   scrape.SubmitInvalid,
			Target: req.TargetID,
			Reason: err.Error(),
		}
	}
	if t.isClosed() {
		return nil, false, fmt.Errorf("tracker closed: %w", scrape.ErrStreamClosed)
	}

	handle, err := t.client.Submit(ctx, req)
	if err != nil {
		return nil, false, err
	}

	job := scrape.Job{
		Handle:                handle,
		TargetID:              req.TargetID,
		Mode:                  req.Mode,
		UsePrivateCredentials: req.UsePrivateCredentials,
		SubmittedAt:           t.clock.Now(),
	}
	sess := newSession(t.base, job, t.client, t.transport, t.emitter, t.clock, t.cfg, t.logger)
	if prev := t.register(sess); prev != nil {
		t.logger.Warn("collaborator reused a job handle; replacing session", zap.String("job_handle", handle))
		prev.Detach()
	}
	sess.emit(progress.StageSubmitted, "")
	go sess.run()

	actx, cancel := context.WithTimeout(ctx, t.cfg.AttachTimeout)
	defer cancel()
	if err := sess.WaitAttached(actx); err != nil {
		sess.logger.Warn("progress stream not attached yet", zap.Error(err))
		return sess, false, nil
	}
	return sess, true, nil
}

func (t *Tracker) register(sess *Session) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.sessions[sess.Handle()]
	t.sessions[sess.Handle()] = sess
	if prev == nil {
		t.order = append(t.order, sess.Handle())
	}
	return prev
}

func (t *Tracker) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Get returns the session for handle or scrape.ErrUnknownJob.
func (t *Tracker) Get(handle string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scrape.ErrUnknownJob, handle)
	}
	return sess, nil
}

// List returns the tracked sessions in submission order.
func (t *Tracker) List() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.order))
	for _, h := range t.order {
		out = append(out, t.sessions[h])
	}
	return out
}

// Detach stops watching handle and forgets its session. The job itself keeps
// running on the collaborator.
func (t *Tracker) Detach(handle string) error {
	t.mu.Lock()
	sess, ok := t.sessions[handle]
	if ok {
		delete(t.sessions, handle)
		for i, h := range t.order {
			if h == handle {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", scrape.ErrUnknownJob, handle)
	}
	sess.Detach()
	return nil
}

// Close detaches every session. Submit fails afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for _, h := range t.order {
		sessions = append(sessions, t.sessions[h])
	}
	t.sessions = make(map[string]*Session)
	t.order = nil
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.Detach()
	}
	t.stop()
}
