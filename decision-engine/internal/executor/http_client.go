package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient posts actions to the ads gateway with an Idempotency-Key header, so retried
// attempts of the same job collapse to one remote change.
type HTTPClient struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("executor base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/actions"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Execute(ctx context.Context, req ActionRequest) (models.ActionResult, error) {
	if req.IdempotencyKey == "" {
		return models.ActionResult{}, fmt.Errorf("%w: idempotency key required", ErrRejected)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("executor marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return models.ActionResult{}, ctx.Err()
		}
		res, err := c.post(ctx, req.IdempotencyKey, body)
		if err == nil {
			if res.Kind == "" {
				res.Kind = req.Action
			}
			return res, nil
		}
		if isRejected(err) {
			return models.ActionResult{}, err
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return models.ActionResult{}, fmt.Errorf("executor call failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, key string, body []byte) (models.ActionResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.ActionResult{}, err
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

func decodeResult(resp *http.Response) (models.ActionResult, error) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.ActionResult{}, fmt.Errorf("gateway unavailable: %s", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.ActionResult{}, fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(msg)))
	}
	var res models.ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.ActionResult{}, fmt.Errorf("gateway decode response: %w", err)
	}
	return res, nil
}

func isRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
