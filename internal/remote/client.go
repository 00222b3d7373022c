// Package remote is the FHIR R4 REST client for the system of record. It
// normalizes searchset Bundles into pages, classifies failures into sentinel
// errors and retries idempotent reads.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/platform/fhir"
)

const (
	baseBackoff    = 250 * time.Millisecond
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	maxBodyBytes   = 32 << 20
	userAgent      = "fhircache/1.0"
	contentType    = "application/fhir+json"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client talks to one FHIR server. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	logger     zerolog.Logger
	rec        activity.Recorder

	// sleepFunc waits between retries; tests replace it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient validates cfg and builds a Client. rec may be nil.
func NewClient(cfg Config, logger zerolog.Logger, rec activity.Recorder) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("remote: base url %q has no host", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if rec == nil {
		rec = (*activity.Log)(nil)
	}

	return &Client{
		base:       base,
		httpClient: hc,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With().Str("component", "remote").Logger(),
		rec:        rec,
		sleepFunc:  timeSleep,
	}, nil
}

// BaseURL returns the configured server base.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) resourceURL(parts ...string) string {
	u := *c.base
	segs := append([]string{fhir.ResourceTypePatient}, parts...)
	u.RawPath = ""
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segs, "/")
	return u.String()
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do executes one logical call. GETs are retried on transport errors and
// retryable statuses; other methods are attempted exactly once.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*response, error) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}

	var attempt int
	for {
		start := time.Now()
		resp, err := c.doOnce(ctx, method, rawURL, body, header)
		c.record(method, path, resp, err, time.Since(start))

		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: %s %s canceled: %w", method, path, ctx.Err())
			}
			rerr := &Error{Method: method, Path: path, Message: err.Error(), Err: ErrUnavailable, Cause: err}
			if errors.Is(err, context.DeadlineExceeded) {
				rerr.Err = ErrTimeout
			}
			if attempt < retries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn().
					Str("method", method).
					Str("path", path).
					Int("attempt", attempt+1).
					Dur("backoff", backoff).
					Err(err).
					Msg("retrying after network error")
				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: %s %s canceled: %w", method, path, sleepErr)
				}
				attempt++
				continue
			}
			return nil, rerr
		}

		if resp.status >= 200 && resp.status < 300 {
			c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.status).Msg("remote call succeeded")
			return resp, nil
		}

		if isRetryable(resp.status) && attempt < retries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn().
				Str("method", method).
				Str("path", path).
				Int("status", resp.status).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("retrying after HTTP error")
			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: %s %s canceled: %w", method, path, err)
			}
			attempt++
			continue
		}

		return nil, statusError(method, path, resp)
	}
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) record(method, path string, resp *response, err error, d time.Duration) {
	e := activity.Event{
		Kind:       activity.KindRemoteCall,
		Method:     method,
		Target:     path,
		DurationMs: d.Milliseconds(),
	}
	if resp != nil {
		e.Status = resp.status
	}
	if err != nil {
		e.Message = err.Error()
	}
	c.rec.Record(e)
}

func statusError(method, path string, resp *response) *Error {
	e := &Error{
		Method:     method,
		Path:       path,
		StatusCode: resp.status,
		Err:        classifyStatus(resp.status),
	}
	var oo fhir.OperationOutcome
	if json.Unmarshal(resp.body, &oo) == nil && oo.ResourceType == "OperationOutcome" && len(oo.Issue) > 0 {
		e.Outcome = &oo
		e.Message = oo.Diagnostics()
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(resp.body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.status)
	}
	return e
}

// retryBackoff honours Retry-After on 429 and 503.
func (c *Client) retryBackoff(resp *response, attempt int) time.Duration {
	if resp.status == http.StatusTooManyRequests || resp.status == http.StatusServiceUnavailable {
		if ra := resp.header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				d := time.Duration(seconds) * time.Second
				if d > maxBackoff {
					d = maxBackoff
				}
				return d
			}
		}
	}
	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	return time.Duration(backoff + jitter)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
