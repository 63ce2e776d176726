package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapewatch/internal/lifecycle"
	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

const maxLoggedPayload = 256

// Clock supplies time to sessions.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Config tunes sessions.
type Config struct {
	// AttachTimeout bounds how long Submit waits for the first event.
	AttachTimeout time.Duration
	// CancelTimeout bounds each cancellation round trip.
	CancelTimeout time.Duration
	Reconnect     ReconnectPolicy
	// DropLogInterval spaces malformed-message warnings for one job.
	DropLogInterval time.Duration
	Decoder         scrape.Decoder
	// TransportName labels reconnect metrics.
	TransportName string
}

func (c Config) withDefaults() Config {
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = 10 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.DropLogInterval <= 0 {
		c.DropLogInterval = 30 * time.Second
	}
	if c.TransportName == "" {
		c.TransportName = "sse"
	}
	return c
}

// Session tracks one submitted job until it is detached.
type Session struct {
	job       scrape.Job
	machine   *lifecycle.Machine
	client    scrape.Client
	transport scrape.Transport
	emitter   progress.Emitter
	clock     Clock
	cfg       Config
	logger    *zap.Logger
	dropLog   *rate.Limiter

	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
	readyO sync.Once
	// attachErr is written before ready is closed.
	attachErr error

	dropped  atomic.Int64
	detached atomic.Bool
	detachO  sync.Once

	// cancelMu serializes cancellation round trips.
	cancelMu sync.Mutex

	mu       sync.Mutex
	stream   scrape.StreamState
	prompt   *scrape.CancelPrompt
	watchers map[int]chan struct{}
	nextW    int
}

func newSession(
	parent context.Context,
	job scrape.Job,
	client scrape.Client,
	transport scrape.Transport,
	emitter progress.Emitter,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Session {
	ctx, stop := context.WithCancel(parent)
	log := logger.With(zap.String("job_handle", job.Handle), zap.Int64("target_id", job.TargetID))
	return &Session{
		job:       job,
		machine:   lifecycle.New(job.SubmittedAt),
		client:    client,
		transport: transport,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    log,
		dropLog:   rate.NewLimiter(rate.Every(cfg.DropLogInterval), 1),
		ctx:       ctx,
		stop:      stop,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		stream:    scrape.StreamConnecting,
		watchers:  make(map[int]chan struct{}),
	}
}

// Job returns the immutable submission details.
func (s *Session) Job() scrape.Job {
	return s.job
}

// Handle returns the job handle.
func (s *Session) Handle() string {
	return s.job.Handle
}

// View returns a consistent snapshot for display.
func (s *Session) View() scrape.View {
	snap := s.machine.Snapshot()
	return scrape.View{
		Job:          s.job,
		Status:       snap.Status,
		Cancellation: snap.Cancellation,
		Stream:       s.Stream(),
		Cancelable:   snap.Cancelable(),
		Dropped:      s.dropped.Load(),
		UpdatedAt:    snap.UpdatedAt,
	}
}

// Stream reports the health of the progress subscription.
func (s *Session) Stream() scrape.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Done is closed once the consumer goroutine has exited and released its
// subscription.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WaitAttached blocks until the first event is applied or the first
// connection attempt fails, returning that failure.
func (s *Session) WaitAttached(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.attachErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markAttached(err error) {
	s.readyO.Do(func() {
		s.attachErr = err
		close(s.ready)
	})
}

// Watch returns a channel that receives a signal after every change to the
// session's view, and a function that stops the notifications.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) setStream(state scrape.StreamState) bool {
	s.mu.Lock()
	changed := s.stream != state
	s.stream = state
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

func (s *Session) emit(stage progress.Stage, note string) {
	snap := s.machine.Snapshot()
	s.emitter.Emit(progress.Event{
		TS:           s.clock.Now(),
		Stage:        stage,
		Job:          s.job,
		Status:       snap.Status,
		Cancellation: snap.Cancellation,
		Stream:       s.Stream(),
		Note:         note,
	})
}

// run is the job's single consumer. It is the only goroutine that applies
// statuses to the machine.
func (s *Session) run() {
	defer func() {
		switch {
		case s.machine.Terminal():
			s.setStream(scrape.StreamClosed)
		case s.detached.Load():
			s.setStream(scrape.StreamDetached)
		}
		s.markAttached(scrape.ErrStreamClosed)
		close(s.done)
		s.notify()
	}()

	attempt := 0
	for {
		err := s.follow(&attempt)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		s.markAttached(err)
		if !s.cfg.Reconnect.ShouldReconnect(err, attempt) {
			s.stall(err)
			return
		}
		delay := s.cfg.Reconnect.Backoff(attempt)
		attempt++
		s.setStream(scrape.StreamReconnecting)
		metrics.ObserveStreamReconnect(s.cfg.TransportName)
		s.logger.Info("progress stream lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-s.clock.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// follow opens one subscription and applies its events until the job is
// terminal (nil) or the subscription ends (the cause, io.EOF for a clean
// close). The subscription is closed exactly once on every path.
func (s *Session) follow(attempt *int) error {
	sub, err := s.transport.Open(s.ctx, s.job.Handle)
	if err != nil {
		return fmt.Errorf("open progress stream: %w", err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			s.logger.Debug("close progress stream", zap.Error(cerr))
		}
	}()

	for {
		raw, err := sub.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("receive progress: %w", err)
		}
		st, err := s.cfg.Decoder.Decode(raw)
		if err != nil {
			s.drop(raw, err)
			continue
		}
		if !s.machine.Apply(st, s.clock.Now()) {
			// A cancellation acknowledgement made the job terminal.
			return nil
		}
		*attempt = 0
		s.setStream(scrape.StreamLive)
		s.markAttached(nil)
		s.emit(progress.StageStatus, "")
		s.notify()
		if st.Phase.Terminal() {
			s.logger.Info("job finished", zap.String("phase", string(st.Phase)))
			return nil
		}
	}
}

func (s *Session) drop(raw []byte, err error) {
	n := s.dropped.Add(1)
	if s.dropLog.Allow() {
		payload := raw
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		s.logger.Warn("dropping malformed progress message",
			zap.Error(err),
			zap.ByteString("payload", payload),
			zap.Int64("dropped_total", n))
	}
	s.emit(progress.StageDropped, err.Error())
	s.notify()
}

func (s *Session) stall(err error) {
	s.setStream(scrape.StreamStalled)
	s.logger.Warn("progress stream stalled; keeping last known phase",
		zap.String("phase", string(s.machine.Snapshot().Status.Phase)),
		zap.Error(err))
	s.emit(progress.StageStalled, err.Error())
}

// PrepareCancellation freezes the counts shown while the operator chooses a
// disposition. Calling it again before confirming or dismissing returns the
// same frozen prompt.
func (s *Session) PrepareCancellation() (scrape.CancelPrompt, error) {
	snap := s.machine.Snapshot()
	if snap.Cancellation != nil {
		return scrape.CancelPrompt{
			Handle:     s.job.Handle,
			RecordID:   snap.Status.RecordID,
			Counts:     snap.Cancellation.Counts,
			PreparedAt: snap.Cancellation.RequestedAt,
		}, nil
	}
	if err := s.machine.CheckCancelable(); err != nil {
		s.releasePromptOnRejection(err)
		return scrape.CancelPrompt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompt == nil {
		s.prompt = &scrape.CancelPrompt{
			Handle:     s.job.Handle,
			RecordID:   snap.Status.RecordID,
			Counts:     snap.Counts(),
			PreparedAt: s.clock.Now(),
		}
	}
	return *s.prompt, nil
}

// DismissCancellation discards a prepared prompt; the job keeps running.
func (s *Session) DismissCancellation() {
	s.mu.Lock()
	s.prompt = nil
	s.mu.Unlock()
}

// releasePromptOnRejection drops the frozen prompt once the job can no
// longer be canceled. Timeouts and transport failures keep it for a retry.
func (s *Session) releasePromptOnRejection(err error) {
	if errors.Is(err, scrape.ErrCancelRejected) {
		s.DismissCancellation()
	}
}

func (s *Session) pendingPrompt() *scrape.CancelPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompt == nil {
		return nil
	}
	p := *s.prompt
	return &p
}

// RequestCancellation asks the service to stop the job and, once it
// acknowledges, moves the job to the canceled phase. The recorded counts are
// those of the prepared prompt, or the current counts when none was prepared.
// Cancelling an already canceled job returns the original cancellation.
// On any error the job's state is left exactly as the stream delivered it.
func (s *Session) RequestCancellation(ctx context.Context, d scrape.Disposition) (scrape.Cancellation, error) {
	if _, err := scrape.ParseDisposition(string(d)); err != nil {
		return scrape.Cancellation{}, fmt.Errorf("%w: %w", scrape.ErrInvalidRequest, err)
	}

	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	snap := s.machine.Snapshot()
	if snap.Cancellation != nil {
		return *snap.Cancellation, nil
	}
	if err := s.machine.CheckCancelable(); err != nil {
		s.releasePromptOnRejection(err)
		return scrape.Cancellation{}, err
	}

	prompt := s.pendingPrompt()
	if prompt == nil {
		prompt = &scrape.CancelPrompt{
			Handle:     s.job.Handle,
			RecordID:   snap.Status.RecordID,
			Counts:     snap.Counts(),
			PreparedAt: s.clock.Now(),
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CancelTimeout)
	defer cancel()
	req := scrape.CancelRequest{RecordID: prompt.RecordID, Disposition: d}
	if err := s.client.Cancel(cctx, req); err != nil {
		err = cancellationFailure(cctx, req.RecordID, err)
		s.releasePromptOnRejection(err)
		s.logger.Warn("cancellation failed", zap.String("record_id", req.RecordID), zap.Error(err))
		return scrape.Cancellation{}, err
	}

	c := scrape.Cancellation{
		Disposition:    d,
		Counts:         prompt.Counts,
		RequestedAt:    prompt.PreparedAt,
		AcknowledgedAt: s.clock.Now(),
	}
	s.machine.Cancel(c)
	s.DismissCancellation()
	s.logger.Info("job canceled",
		zap.String("record_id", req.RecordID),
		zap.String("disposition", string(d)))
	s.emit(progress.StageCanceled, "")
	s.stop()
	s.notify()
	return c, nil
}

func cancellationFailure(ctx context.Context, recordID string, err error) error {
	var ce *scrape.CancellationError
	if errors.As(err, &ce) {
		return err
	}
	kind := scrape.CancelTransport
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = scrape.CancelTimeout
	}
	return &scrape.CancellationError{Kind: kind, RecordID: recordID, Err: err}
}

// Detach releases the progress subscription and waits for the consumer to
// exit. The job keeps running server-side. Detach is idempotent.
func (s *Session) Detach() {
	s.detachO.Do(func() {
		s.detached.Store(true)
		s.stop()
		<-s.done
		s.logger.Info("detached from job")
		s.emit(progress.StageDetached, "")
	})
}
