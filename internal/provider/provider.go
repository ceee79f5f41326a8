// Package provider talks to the work provider: the remote service that hands
// out tasks, serves blob contents and accepts results.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

// Provider is the work provider. Transient failures are network-kind errors.
type Provider interface {
	GetTasks(ctx context.Context) ([]model.Task, error)
	GetBlob(ctx context.Context, id string, size int64) ([]byte, error)
	SendTasks(ctx context.Context, results []model.Result) error
}

// Routes served by a provider.
const (
	PathFetchTasks = "/v1/tasks/fetch"
	PathBlobs      = "/v1/blobs/"
	PathResults    = "/v1/tasks/results"
)

// ContentType is the media type of every request and response body.
const ContentType = "application/cbor"

// maxResponseSize bounds a response body read.
const maxResponseSize = 256 << 20

// Defaults.
const (
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultTimeout         = 60 * time.Second
)

// HTTP is a Provider speaking CBOR envelopes over HTTP.
type HTTP struct {
	base            string
	client          *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	logger          *slog.Logger
}

// Option configures an HTTP provider.
type Option func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithRetry sets how many times fetch and send are retried after a network
// error, and the first backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(h *HTTP) {
		h.maxRetries = maxRetries
		h.initialInterval = initial
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) { h.logger = l }
}

// NewHTTP creates a provider client for baseURL.
func NewHTTP(baseURL string, opts ...Option) *HTTP {
	h := &HTTP{
		base:            strings.TrimRight(baseURL, "/"),
		client:          &http.Client{Timeout: DefaultTimeout},
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "provider")
	return h
}

// GetTasks fetches a batch of tasks. An empty batch is not an error.
func (h *HTTP) GetTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := h.retry(ctx, "fetch tasks", func() error {
		body, err := h.do(ctx, http.MethodPost, PathFetchTasks, nil)
		if err != nil {
			return err
		}
		tasks, err = model.DecodeTasksResponse(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.logger.Debug("fetched tasks", "count", len(tasks))
	return tasks, nil
}

// GetBlob downloads one blob. It is not retried here; the blob repository
// requeues network failures itself.
func (h *HTTP) GetBlob(ctx context.Context, id string, size int64) ([]byte, error) {
	body, err := h.do(ctx, http.MethodGet, PathBlobs+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	data, err := model.DecodeBlobResponse(body)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, err)
	}
	return data, nil
}

// SendTasks submits finished tasks.
func (h *HTTP) SendTasks(ctx context.Context, results []model.Result) error {
	payload, err := model.EncodeResults(results)
	if err != nil {
		return xerrors.Wrap(xerrors.KindValidation, err, "encode results")
	}
	return h.retry(ctx, "send results", func() error {
		body, err := h.do(ctx, http.MethodPost, PathResults, payload)
		if err != nil {
			return err
		}
		return model.DecodeEnvelope(body, nil)
	})
}

// retry runs op with exponential backoff while it fails with a network
// error.
func (h *HTTP) retry(ctx context.Context, what string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.initialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, h.maxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !xerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		h.logger.Warn(what+" failed", "attempt", attempt, "error", err)
		return err
	}, b)
}

// do performs one request and returns the body of a 2xx response.
func (h *HTTP) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindValidation, err, "build request")
	}
	req.Header.Set("Accept", ContentType)
	if payload != nil {
		req.Header.Set("Content-Type", ContentType)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), method+" "+path)
		}
		return nil, xerrors.Wrap(xerrors.KindNetwork, err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNetwork, err, "read response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, xerrors.New(xerrors.KindNetwork, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode),
			xerrors.WithField("status", resp.StatusCode))
	}
	msg := fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
	// A 4xx body is usually an envelope explaining the refusal.
	if e, ok := xerrors.From(model.DecodeEnvelope(data, nil)); ok && e.Kind() == xerrors.KindRuntime {
		msg = e.Message()
	}
	return nil, xerrors.New(xerrors.KindRuntime, msg, xerrors.WithField("status", resp.StatusCode))
}

var _ Provider = (*HTTP)(nil)
