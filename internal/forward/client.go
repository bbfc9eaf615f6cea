package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// CSRFHeader mirrors the double-submit header the control service
	// expects alongside the bearer credential.
	CSRFHeader = "x-csrf-token"

	// Delegation headers scope a child's question traffic to one parent.
	DelegationTokenHeader = "x-runplane-delegation-token"
	DelegationRunHeader   = "x-runplane-delegation-run-id"

	defaultRetryInterval = 2 * time.Second
)

// CallError is a non-2xx response from a child control service.
type CallError struct {
	Status int
	Code   string
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("control endpoint error: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("control endpoint error: %d", e.Status)
}

// Client dials child control services discovered from manifest paths.
type Client struct {
	httpClient    *http.Client
	timeout       time.Duration
	allowedRoots  []string
	allowedHosts  map[string]struct{}
	retryInterval time.Duration
	logger        *slog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout       time.Duration
	AllowedRoots  []string
	AllowedHosts  map[string]struct{}
	RetryInterval time.Duration
	Logger        *slog.Logger
	HTTPClient    *http.Client
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient:    httpClient,
		timeout:       timeout,
		allowedRoots:  opts.AllowedRoots,
		allowedHosts:  opts.AllowedHosts,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Call resolves the child's endpoint and performs one HTTP call. A nil
// payload sends GET, anything else POSTs JSON. Deadline overruns surface
// as ErrTimeout so callers can tell a slow child from a broken one.
func (c *Client) Call(ctx context.Context, manifestPath, endpoint string, payload map[string]any, extraHeaders map[string]string) (map[string]any, error) {
	target, err := LoadEndpoint(manifestPath, c.allowedRoots, c.allowedHosts)
	if err != nil {
		return nil, err
	}

	rel, err := target.BaseURL.Parse(endpoint)
	if err != nil {
		return nil, ErrEndpointInvalid
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method := http.MethodGet
	var body io.Reader
	if payload != nil {
		method = http.MethodPost
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("forward marshal: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(callCtx, method, rel.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+target.Token)
	req.Header.Set(CSRFHeader, target.Token)
	for key, value := range extraHeaders {
		req.Header.Set(key, value)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		callErr := &CallError{Status: res.StatusCode}
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &parsed) == nil {
			callErr.Code = parsed.Error
		}
		return nil, callErr
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("forward decode: %w", err)
		}
	}
	return result, nil
}

// CallWithRetry retries Call within retryFor, but only for
// delegation_token_invalid responses: the child may still be registering
// its token. Backoff grows linearly and caps at four intervals.
func (c *Client) CallWithRetry(ctx context.Context, manifestPath, endpoint string, payload map[string]any, extraHeaders map[string]string, retryFor time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(retryFor)
	attempt := 0
	for {
		result, err := c.Call(ctx, manifestPath, endpoint, payload, extraHeaders)
		if err == nil {
			return result, nil
		}
		if !retryableCallError(err) || !time.Now().Before(deadline) {
			return nil, err
		}
		attempt++
		backoff := c.retryInterval * time.Duration(min(4, attempt))
		c.logger.Debug("retrying child control call",
			"endpoint", endpoint, "attempt", attempt, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func retryableCallError(err error) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Code == "delegation_token_invalid"
	}
	return false
}
