package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// HTTPOptions configures the v2-protocol REST client.
type HTTPOptions struct {
	// BaseURL is the endpoint root, e.g. http://localhost:8000.
	BaseURL string
	// ModelVersion selects a version path segment when non-empty.
	ModelVersion string
	// Headers are added to every request.
	Headers map[string]string
	// MaxConns caps connections per host; zero means unlimited.
	MaxConns int
	// HealthTimeout bounds a single health probe.
	HealthTimeout time.Duration
	// ReadyWait bounds how long WaitReady keeps probing.
	ReadyWait time.Duration
}

// HTTPClient speaks the KServe/Triton v2 REST protocol:
// POST {base}/v2/models/{model}/infer, readiness at GET {base}/v2/health/ready.
type HTTPClient struct {
	client        *http.Client
	base          string
	version       string
	headers       map[string]string
	healthTimeout time.Duration
	readyWait     time.Duration
	logger        *zap.Logger
}

func NewHTTPClient(opts HTTPOptions, logger *zap.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint url %q", opts.BaseURL)
	}

	// Pool sizing follows the load-generation defaults: enough idle
	// connections that high concurrency never queues on dials.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 2000
	tr.MaxIdleConnsPerHost = 2000
	tr.IdleConnTimeout = 90 * time.Second
	if opts.MaxConns > 0 {
		tr.MaxConnsPerHost = opts.MaxConns
	}

	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 2 * time.Second
	}
	readyWait := opts.ReadyWait
	if readyWait <= 0 {
		readyWait = 30 * time.Second
	}

	return &HTTPClient{
		client:        &http.Client{Transport: tr},
		base:          base,
		version:       opts.ModelVersion,
		headers:       opts.Headers,
		healthTimeout: healthTimeout,
		readyWait:     readyWait,
		logger:        logger,
	}, nil
}

func (c *HTTPClient) inferURL(model string) string {
	if c.version != "" {
		return fmt.Sprintf("%s/v2/models/%s/versions/%s/infer", c.base, model, c.version)
	}
	return fmt.Sprintf("%s/v2/models/%s/infer", c.base, model)
}

// Send posts one inference request and reads the response to completion,
// splitting the round-trip into send/receive phases via httptrace.
func (c *HTTPClient) Send(ctx context.Context, req *Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferURL(req.Model), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	var wrote, firstByte time.Time
	trace := &httptrace.ClientTrace{
		WroteRequest:         func(httptrace.WroteRequestInfo) { wrote = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, trace))

	timing := Timing{Start: time.Now()}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &Error{
			Kind:       ErrKindEndpoint,
			StatusCode: resp.StatusCode,
			Message:    endpointMessage(snippet),
		}
	}

	n, readErr := io.Copy(io.Discard, resp.Body)
	timing.End = time.Now()
	if readErr != nil {
		return nil, classify(readErr)
	}
	if !wrote.IsZero() {
		timing.Send = wrote.Sub(timing.Start)
	}
	if !firstByte.IsZero() {
		timing.Recv = timing.End.Sub(firstByte)
	}
	return &Result{Timing: timing, Bytes: n, StatusCode: resp.StatusCode}, nil
}

// CheckHealth probes the readiness route once.
func (c *HTTPClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v2/health/ready", nil)
	if err != nil {
		return fmt.Errorf("building health probe: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint not ready: HTTP %d", resp.StatusCode)
	}
	return nil
}

// WaitReady keeps probing readiness under exponential backoff until the
// endpoint answers, the budget runs out, or the context is cancelled.
func (c *HTTPClient) WaitReady(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = c.readyWait

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("endpoint not ready, retrying",
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	op := func() error { return c.CheckHealth(ctx) }
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("endpoint did not become ready within %s: %w", c.readyWait, err)
	}
	return nil
}

// classify maps wire errors onto the failure taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}
	return &Error{Kind: ErrKindTransient, Err: err}
}

// endpointMessage pulls the error string out of a v2 error body, falling
// back to the raw snippet.
func endpointMessage(snippet []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(snippet, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(snippet))
}
