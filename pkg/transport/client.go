// Package transport is the HTTP adapter used by the webauthz and realm
// clients. It speaks JSON, attaches bearer credentials, enforces a request
// timeout and classifies failures into the error taxonomy in errors.go.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
)

const (
	// DefaultTimeout bounds each outbound request when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// Response is the result of a JSON round trip.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	// Payload is the body when the response declared application/json and
	// the body is valid JSON; nil otherwise.
	Payload json.RawMessage
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the payload into v. A missing payload is reported as
// ErrUnexpectedResponse.
func (r *Response) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: response has no JSON payload", ErrUnexpectedResponse)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

// Options configures a Client
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	CACertPath string
	// HTTPClient overrides the underlying client, used by tests.
	HTTPClient *http.Client
}

// Client performs JSON requests against the realm and authorization services.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// New creates a new Client
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "go-loginshield"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.CACertPath != "" {
			pem, err := os.ReadFile(opts.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA bundle: %w", err)
			}
			pool, err := x509.SystemCertPool()
			if err != nil || pool == nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", opts.CACertPath)
			}
			tr.TLSClientConfig.RootCAs = pool
		}
		httpClient = &http.Client{
			Timeout:   opts.Timeout,
			Transport: tr,
		}
	}

	return &Client{
		httpClient: httpClient,
		userAgent:  opts.UserAgent,
		logger:     logger.Named("transport"),
	}, nil
}

// Get performs a JSON GET. op is a short operation name used for metrics.
func (c *Client) Get(ctx context.Context, op, url, bearer string) (*Response, error) {
	return c.do(ctx, op, http.MethodGet, url, nil, bearer)
}

// Post performs a JSON POST of body.
func (c *Client) Post(ctx context.Context, op, url string, body interface{}, bearer string) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.do(ctx, op, http.MethodPost, url, data, bearer)
}

var errRetryableStatus = errors.New("retryable status")

// GetWithRetry performs an idempotent GET with bounded exponential backoff.
// Transport failures and 5xx responses are retried; anything else returns
// immediately. It must not be used for token exchange.
func (c *Client) GetWithRetry(ctx context.Context, op, url, bearer string, attempts int) (*Response, error) {
	if attempts <= 1 {
		return c.Get(ctx, op, url, bearer)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var last *Response
	err := backoff.RetryNotify(func() error {
		resp, err := c.Get(ctx, op, url, bearer)
		if err != nil {
			if IsTransport(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		last = resp
		if resp.StatusCode >= 500 {
			return errRetryableStatus
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Debug("Retrying request",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	if errors.Is(err, errRetryableStatus) {
		return last, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (c *Client) do(ctx context.Context, op, method, url string, body []byte, bearer string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{Op: method, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordOutbound(op, metrics.StatusError, time.Since(start))
		c.logger.Warn("Outbound request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("url", url),
			zap.Error(err))
		return nil, &Error{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordOutbound(op, metrics.StatusError, time.Since(start))
		return nil, &Error{Op: method, URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	metrics.RecordOutbound(op, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
	}
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(data) {
		out.Payload = json.RawMessage(data)
	}

	c.logger.Debug("Outbound request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))

	return out, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json"
}
