package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

const maxErrorBody = 4 << 10

// Config configures the collaborator client and transports.
type Config struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api.
	BaseURL string
	APIKey  string
	// Timeout bounds each submit request. Cancel deadlines come from the caller.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c Config) base() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute http(s)", c.BaseURL)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{}
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Client implements scrape.Client over HTTP.
type Client struct {
	base    string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

var _ scrape.Client = (*Client)(nil)

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := cfg.base()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    cfg.httpClient(),
		logger:  cfg.logger().Named("collaborator"),
	}, nil
}

type submitBody struct {
	AccountID       int64  `json:"account_id"`
	ScrapeType      string `json:"scrape_type"`
	UsePrivateCreds bool   `json:"use_private_creds"`
}

type submitResponse struct {
	JobID json.RawMessage `json:"job_id"`
}

// Submit starts a job and returns the handle the service assigned.
func (c *Client) Submit(ctx context.Context, req scrape.SubmitRequest) (string, error) {
	start := time.Now()
	handle, err := c.submit(ctx, req)
	metrics.ObserveCollaboratorRequest("submit", submitOutcome(err), time.Since(start))
	if err != nil {
		c.logger.Warn("submit failed", zap.Int64("target_id", req.TargetID), zap.Error(err))
		return "", err
	}
	c.logger.Info("job submitted", zap.Int64("target_id", req.TargetID), zap.String("job_handle", handle))
	return handle, nil
}

func (c *Client) submit(ctx context.Context, req scrape.SubmitRequest) (string, error) {
	fail := func(kind scrape.SubmissionErrorKind, status int, reason string, err error) error {
		return &scrape.SubmissionError{Kind: kind, Target: req.TargetID, Status: status, Reason: reason, Err: err}
	}

	body, err := json.Marshal(submitBody{
		AccountID:       req.TargetID,
		ScrapeType:      string(req.Mode),
		UsePrivateCreds: req.UsePrivateCredentials,
	})
	if err != nil {
		return "", fail(scrape.SubmitInvalid, 0, "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/scrapes/", bytes.NewReader(body))
	if err != nil {
		return "", fail(scrape.SubmitTransport, 0, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fail(scrape.SubmitTransport, 0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fail(scrape.SubmitTargetNotFound, resp.StatusCode, readDetail(resp.Body), nil)
	case resp.StatusCode == http.StatusConflict:
		return "", fail(scrape.SubmitConflict, resp.StatusCode, readDetail(resp.Body), nil)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fail(scrape.SubmitInvalid, resp.StatusCode, readDetail(resp.Body), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fail(scrape.SubmitTransport, resp.StatusCode, readDetail(resp.Body), nil)
	}

	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fail(scrape.SubmitTransport, resp.StatusCode, "decode response", err)
	}
	handle, err := parseJobID(out.JobID)
	if err != nil {
		return "", fail(scrape.SubmitTransport, resp.StatusCode, "", err)
	}
	return handle, nil
}

// Cancel asks the service to stop the job behind req.RecordID.
func (c *Client) Cancel(ctx context.Context, req scrape.CancelRequest) error {
	start := time.Now()
	err := c.cancel(ctx, req)
	metrics.ObserveCollaboratorRequest("cancel", cancelOutcome(err), time.Since(start))
	if err != nil {
		c.logger.Warn("cancel failed", zap.String("record_id", req.RecordID), zap.Error(err))
		return err
	}
	c.logger.Info("job canceled",
		zap.String("record_id", req.RecordID),
		zap.String("disposition", string(req.Disposition)))
	return nil
}

func (c *Client) cancel(ctx context.Context, req scrape.CancelRequest) error {
	fail := func(kind scrape.CancellationErrorKind, reason string, err error) error {
		return &scrape.CancellationError{Kind: kind, RecordID: req.RecordID, Reason: reason, Err: err}
	}
	if req.RecordID == "" {
		return fail(scrape.CancelNotYetCancelable, "no server job record", nil)
	}

	endpoint := fmt.Sprintf("%s/scrapes/%s/cancel?save_partial=%s",
		c.base, url.PathEscape(req.RecordID), strconv.FormatBool(req.Disposition.SavePartial()))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fail(scrape.CancelTransport, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(scrape.CancelTimeout, "", err)
		}
		return fail(scrape.CancelTransport, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict:
		return fail(scrape.CancelRejected, readDetail(resp.Body), nil)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fail(scrape.CancelTimeout, readDetail(resp.Body), nil)
	default:
		return fail(scrape.CancelTransport, fmt.Sprintf("status %d: %s", resp.StatusCode, readDetail(resp.Body)), nil)
	}
}

func (c *Client) authorize(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("X-API-Key", c.apiKey)
	}
}

// readDetail extracts the service's error message, falling back to the raw body.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		return string(body.Detail)
	}
	return strings.TrimSpace(string(raw))
}

func parseJobID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("response is missing job_id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode job_id: %w", err)
		}
		if s = strings.TrimSpace(s); s == "" {
			return "", errors.New("response has an empty job_id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode job_id: %w", err)
	}
	return n.String(), nil
}

func submitOutcome(err error) string {
	var se *scrape.SubmissionError
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	if err != nil {
		return "error"
	}
	return "ok"
}

func cancelOutcome(err error) string {
	var ce *scrape.CancellationError
	if errors.As(err, &ce) {
		return string(ce.Kind)
	}
	if err != nil {
		return "error"
	}
	return "ok"
}
