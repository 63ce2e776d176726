// Package scrapetest provides a scripted collaborator for tests: a Client that
// records submissions and cancellations, and a Transport whose streams are fed
// by the test.
package scrapetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// Client is a scrape.Client whose behavior is set by function fields.
type Client struct {
	// SubmitFunc overrides the default, which returns job-1, job-2, ...
	SubmitFunc func(ctx context.Context, req scrape.SubmitRequest) (string, error)
	// CancelFunc overrides the default, which acknowledges immediately.
	CancelFunc func(ctx context.Context, req scrape.CancelRequest) error

	mu      sync.Mutex
	submits []scrape.SubmitRequest
	cancels []scrape.CancelRequest
}

var _ scrape.Client = (*Client)(nil)

// Submit records req and returns the next handle.
func (c *Client) Submit(ctx context.Context, req scrape.SubmitRequest) (string, error) {
	c.mu.Lock()
	c.submits = append(c.submits, req)
	n := len(c.submits)
	fn := c.SubmitFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return fmt.Sprintf("job-%d", n), nil
}

// Cancel records req and acknowledges it.
func (c *Client) Cancel(ctx context.Context, req scrape.CancelRequest) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, req)
	fn := c.CancelFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return nil
}

// Submits returns the recorded submissions.
func (c *Client) Submits() []scrape.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scrape.SubmitRequest(nil), c.submits...)
}

// Cancels returns the recorded cancellation requests.
func (c *Client) Cancels() []scrape.CancelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scrape.CancelRequest(nil), c.cancels...)
}

// Transport hands out scripted streams. Streams queued with Next are returned
// by successive Open calls for the handle; when the queue is empty Open
// creates a fresh stream that stays silent until the test feeds it.
type Transport struct {
	mu      sync.Mutex
	queued  map[string][]opening
	opened  map[string][]*Stream
	openErr map[string]int
}

type opening struct {
	stream *Stream
	err    error
}

var _ scrape.Transport = (*Transport)(nil)

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{
		queued:  make(map[string][]opening),
		opened:  make(map[string][]*Stream),
		openErr: make(map[string]int),
	}
}

// Next queues a stream for the next Open of handle and returns it.
func (t *Transport) Next(handle string) *Stream {
	s := NewStream()
	t.mu.Lock()
	t.queued[handle] = append(t.queued[handle], opening{stream: s})
	t.mu.Unlock()
	return s
}

// FailNext makes the next Open of handle return err.
func (t *Transport) FailNext(handle string, err error) {
	t.mu.Lock()
	t.queued[handle] = append(t.queued[handle], opening{err: err})
	t.mu.Unlock()
}

// Open implements scrape.Transport.
func (t *Transport) Open(ctx context.Context, handle string) (scrape.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var next opening
	if q := t.queued[handle]; len(q) > 0 {
		next, t.queued[handle] = q[0], q[1:]
	} else {
		next.stream = NewStream()
	}
	if next.err != nil {
		t.openErr[handle]++
		return nil, next.err
	}
	t.opened[handle] = append(t.opened[handle], next.stream)
	return next.stream, nil
}

// Opened returns the streams handed out for handle, oldest first.
func (t *Transport) Opened(handle string) []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Stream(nil), t.opened[handle]...)
}

// Opens counts Open calls for handle, failed ones included.
func (t *Transport) Opens(handle string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened[handle]) + t.openErr[handle]
}

// Stream is a scripted scrape.Subscription.
type Stream struct {
	items chan item

	mu     sync.Mutex
	closes int
	closed chan struct{}
}

type item struct {
	data []byte
	err  error
}

// NewStream returns a stream with room for 64 pending messages.
func NewStream() *Stream {
	return &Stream{items: make(chan item, 64), closed: make(chan struct{})}
}

// Send queues a raw message.
func (s *Stream) Send(raw string) *Stream {
	s.items <- item{data: []byte(raw)}
	return s
}

// SendJSON queues v encoded as JSON.
func (s *Stream) SendJSON(v any) *Stream {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("scrapetest: marshal: %v", err))
	}
	s.items <- item{data: raw}
	return s
}

// Fail makes the next Recv return err after queued messages.
func (s *Stream) Fail(err error) *Stream {
	s.items <- item{err: err}
	return s
}

// End makes the next Recv report a clean close after queued messages.
func (s *Stream) End() *Stream {
	return s.Fail(io.EOF)
}

// Recv implements scrape.Subscription.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.ErrClosedPipe
	default:
	}
	select {
	case it := <-s.items:
		return it.data, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

// Close implements scrape.Subscription and counts calls.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.closed)
	}
	return nil
}

// Closes reports how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Closed is closed on the first Close.
func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}
