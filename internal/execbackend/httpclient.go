package execbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pkt.systems/pslog"
)

// ExecutePath is the backend endpoint accepting execution requests.
const ExecutePath = "/execute"

const defaultRequestTimeout = 60 * time.Second

// HTTPConfig configures the backend HTTP client.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. "http://127.0.0.1:9090".
	BaseURL string
	// Timeout bounds a single execution request end to end.
	Timeout time.Duration
	// MaxRetries limits retry attempts for transient failures. Zero means
	// no retries.
	MaxRetries uint64
}

// HTTPClient implements Runner against the backend's JSON contract.
type HTTPClient struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
}

// NewHTTPClient constructs a backend client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errors.New("backend base url is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base url: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Run posts the snapshot to the backend and decodes its output. Transient
// failures (network errors, 5xx) are retried with exponential backoff; the
// request body is a full snapshot, so replaying it is safe.
func (c *HTTPClient) Run(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := pslog.Ctx(ctx)

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode execution request: %w", err)
	}

	endpoint := c.base.JoinPath(ExecutePath).String()
	var result Result
	attempt := 0
	operation := func() error {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			log.Warn("backend request failed", "attempt", attempt, "err", err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			log.Warn("backend server error", "attempt", attempt, "status", resp.StatusCode)
			return fmt.Errorf("backend status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("backend status %d", resp.StatusCode))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode execution result: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, fmt.Errorf("execute on backend: %w", err)
	}
	log.Debug("backend execution ok", "language", req.Language, "attempts", attempt, "output_len", len(result.Output))
	return result, nil
}
