package collaborator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

// WebSocketTransport opens progress subscriptions over WebSocket.
type WebSocketTransport struct {
	base   string
	apiKey string
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ scrape.Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport derives the ws:// or wss:// root from cfg.BaseURL.
func NewWebSocketTransport(cfg Config) (*WebSocketTransport, error) {
	base, err := cfg.base()
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebSocketTransport{
		base:   base,
		apiKey: cfg.APIKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: cfg.logger().Named("websocket"),
	}, nil
}

// Open dials the job's progress socket.
func (t *WebSocketTransport) Open(ctx context.Context, handle string) (scrape.Subscription, error) {
	endpoint := t.base + "/scrapes/progress/" + url.PathEscape(handle) + "/ws"
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("X-API-Key", t.apiKey)
	}
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open socket for %s: %w: status %d: %w", handle, scrape.ErrTransport, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("open socket for %s: %w: %w", handle, scrape.ErrTransport, err)
	}
	metrics.IncStreamsOpen()
	t.logger.Debug("socket opened", zap.String("job_handle", handle))
	return &wsSubscription{conn: conn}, nil
}

type wsSubscription struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// Recv returns the next text or binary message. A normal close from the
// server is reported as io.EOF.
func (s *wsSubscription) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("%w: socket closed with code %d: %s", scrape.ErrTransport, closeErr.Code, closeErr.Text)
			}
			return nil, fmt.Errorf("%w: %w", scrape.ErrTransport, err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		metrics.DecStreamsOpen()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// NewTransport picks the stream transport by name: "sse" or "websocket".
func NewTransport(kind string, cfg Config) (scrape.Transport, error) {
	switch kind {
	case "", "sse":
		return NewSSETransport(cfg)
	case "websocket":
		return NewWebSocketTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown stream transport %q", kind)
	}
}
