package collaborator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

const maxFrameSize = 1 << 20

// SSETransport opens progress subscriptions as server-sent event streams.
type SSETransport struct {
	base   string
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

var _ scrape.Transport = (*SSETransport)(nil)

// NewSSETransport builds an SSE transport. The HTTP client must not set a
// Timeout, since streams stay open for the lifetime of a job.
func NewSSETransport(cfg Config) (*SSETransport, error) {
	base, err := cfg.base()
	if err != nil {
		return nil, err
	}
	return &SSETransport{
		base:   base,
		apiKey: cfg.APIKey,
		http:   cfg.httpClient(),
		logger: cfg.logger().Named("sse"),
	}, nil
}

// Open subscribes to the job's progress feed. The stream lives until ctx is
// done or the subscription is closed.
func (t *SSETransport) Open(ctx context.Context, handle string) (scrape.Subscription, error) {
	endpoint := t.base + "/scrapes/progress/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream for %s: %w: %w", handle, scrape.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream for %s: %w: status %d: %s", handle, scrape.ErrTransport, resp.StatusCode, detail)
	}

	metrics.IncStreamsOpen()
	t.logger.Debug("stream opened", zap.String("job_handle", handle))
	return &sseSubscription{body: resp.Body, reader: bufio.NewReaderSize(resp.Body, 64<<10)}, nil
}

type sseSubscription struct {
	body   io.ReadCloser
	reader *bufio.Reader
	line   []byte

	closeOnce sync.Once
	closeErr  error
}

// Recv returns the data of the next progress event. Comment lines, ids,
// retry hints and events with other names are skipped. An event whose data
// exceeds maxFrameSize is discarded and reported as oversizedMessage, which
// is not a valid record, so the stream stays usable.
func (s *sseSubscription) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.body.Close() })
	defer stop()

	var (
		event     string
		data      [][]byte
		size      int
		oversized bool
	)
	for {
		line, tooLong, err := s.readLine()
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %w", scrape.ErrTransport, err)
		}
		if len(line) == 0 {
			if (len(data) > 0 || oversized) && (event == "" || event == "progress") {
				if oversized {
					return oversizedMessage, nil
				}
				return bytes.Join(data, []byte("\n")), nil
			}
			event, data, size, oversized = "", nil, 0, false
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			if !tooLong {
				event = string(value)
			}
		case "data":
			size += len(value)
			if tooLong || size > maxFrameSize {
				oversized, data = true, nil
				continue
			}
			if !oversized {
				data = append(data, append([]byte(nil), value...))
			}
		}
	}
}

// oversizedMessage stands in for an event that was too large to keep.
var oversizedMessage = []byte("oversized progress message")

// readLine returns the next line without its terminator. Lines longer than
// maxFrameSize are consumed to the end and returned truncated with tooLong
// set. The returned slice is only valid until the next call.
func (s *sseSubscription) readLine() (line []byte, tooLong bool, err error) {
	s.line = s.line[:0]
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if len(s.line)+len(chunk) > maxFrameSize {
				tooLong = true
			} else {
				s.line = append(s.line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		line = bytes.TrimSuffix(s.line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		return line, tooLong, nil
	}
}

func (s *sseSubscription) Close() error {
	s.closeOnce.Do(func() {
		metrics.DecStreamsOpen()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
