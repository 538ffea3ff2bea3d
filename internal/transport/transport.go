// Package transport implements the collector HTTP contract: authenticated
// JSON requests with per-attempt timeouts, bounded immediate retries, and a
// fire-and-forget teardown path that does not depend on custom headers.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/event"
)

var json = sonic.ConfigStd

// Collector endpoints.
const (
	PathEvents     = "/events"
	PathRecordings = "/recordings"
	PathAssign     = "/sdk/assign"
	PathTrack      = "/sdk/track"
	PathConfig     = "/sdk/config"
)

// HeaderAPIKey carries the API key on authenticated requests. Teardown
// requests pass it as the QueryAPIKey parameter instead.
const (
	HeaderAPIKey = "x-api-key"
	QueryAPIKey  = "api_key"
)

// ErrRejected is returned when the collector answers 2xx with success=false.
var ErrRejected = errors.New("collector rejected request")

var errEncode = errors.New("encode request")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.Code)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether retrying the same request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Config configures a Client.
type Config struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration // per attempt
	MaxRetries     int           // immediate retries after the first attempt
	RetryBaseDelay time.Duration // delay before retry n is n*RetryBaseDelay
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client talks to the collector.
type Client struct {
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	beacons sync.WaitGroup
}

// New returns a Client. Zero values in cfg fall back to defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc, log: cfg.Logger}
}

// EventsResponse is the body returned by POST /events.
type EventsResponse struct {
	Success   bool   `json:"success"`
	Accepted  int    `json:"accepted"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

// ChunkResponse is the body returned by POST /recordings.
type ChunkResponse struct {
	Success    bool   `json:"success"`
	ChunkIndex int    `json:"chunkIndex"`
	Error      string `json:"error,omitempty"`
}

// SendEvents delivers a batch, retrying transient failures.
func (c *Client) SendEvents(ctx context.Context, batch *event.EventBatch) error {
	return c.withRetry(ctx, PathEvents, func() error {
		var resp EventsResponse
		if err := c.PostJSON(ctx, PathEvents, batch, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return rejected(resp.Error)
		}
		c.log.Debug().Int("events", len(batch.Events)).Int("accepted", resp.Accepted).Msg("batch delivered")
		return nil
	})
}

// SendChunk uploads a recording chunk, retrying transient failures.
func (c *Client) SendChunk(ctx context.Context, chunk *event.RecordingChunk) error {
	return c.withRetry(ctx, PathRecordings, func() error {
		var resp ChunkResponse
		if err := c.PostJSON(ctx, PathRecordings, chunk, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return rejected(resp.Error)
		}
		if resp.ChunkIndex != chunk.ChunkIndex {
			c.log.Warn().Int("sent", chunk.ChunkIndex).Int("acked", resp.ChunkIndex).Msg("collector acknowledged a different chunk index")
		}
		return nil
	})
}

func rejected(msg string) error {
	if msg == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}

// PostJSON performs one authenticated POST and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}
	return c.do(ctx, http.MethodPost, path, data, out)
}

// GetJSON performs one authenticated GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, r)
	if err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderAPIKey, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

// linearBackOff waits n*base before the nth retry.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// withRetry runs op once plus up to MaxRetries immediate retries.
func (c *Client) withRetry(ctx context.Context, path string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: c.cfg.RetryBaseDelay}, uint64(c.cfg.MaxRetries)),
		ctx,
	)
	attempt := func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Str("path", path).Dur("wait", wait).Msg("retrying delivery")
	})
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// retryable reports whether an immediate retry of the same request may help.
// Client errors and explicit rejections are final.
func retryable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Retryable()
	}
	return !errors.Is(err, ErrRejected) && !errors.Is(err, errEncode)
}

// Beacon sends body to path without waiting for the result. The API key
// travels as a query parameter and failures are only logged.
func (c *Client) Beacon(path string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		c.log.Debug().Err(err).Str("path", path).Msg("beacon dropped")
		return
	}
	u := c.cfg.Endpoint + path + "?" + url.Values{QueryAPIKey: {c.cfg.APIKey}}.Encode()

	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug().Err(err).Str("path", path).Msg("beacon failed")
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// BeaconEvents is the teardown path for event batches.
func (c *Client) BeaconEvents(batch *event.EventBatch) { c.Beacon(PathEvents, batch) }

// BeaconChunk is the teardown path for recording chunks.
func (c *Client) BeaconChunk(chunk *event.RecordingChunk) { c.Beacon(PathRecordings, chunk) }

// Wait blocks until outstanding beacons finish or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
