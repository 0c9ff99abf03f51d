package incidents

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dispatch/internal/ratelimit"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// Options configures one incidents API client.
// Params: endpoint/credentials and retry/timeout tuning (zero values take
// defaults; MaxRetries < 0 disables retries entirely).
// Returns: client construction settings.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewIncident is one incident creation request.
// Params: display fields, severity, start time, tags, and custom fields.
// Returns: create operation payload.
type NewIncident struct {
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Severity     string            `json:"severity,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	Tags         map[string]string `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// IncidentUpdate is one partial incident update.
// Params: optional replacement description and custom fields.
// Returns: PATCH payload; omitted fields stay untouched server-side.
type IncidentUpdate struct {
	Description  *string           `json:"description,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Client calls one vendor incidents API with auth, rate limiting, and retries.
// Params: endpoint settings, HTTP transport, shared limiter, and logger.
// Returns: create/update/resolve lifecycle operations.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *ratelimit.TokenBucket
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

// NewClient creates an incidents API client.
// Params: options, shared token bucket (nil disables the gate), and logger.
// Returns: initialized client or option error.
func NewClient(opts Options, limiter *ratelimit.TokenBucket, logger *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("incidents base url is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("incidents api key is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		limiter:     limiter,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		logger:      logger,
	}, nil
}

// CreateIncident opens one remote incident.
// Params: context and creation payload.
// Returns: remote incident identifier or classified API error.
func (c *Client) CreateIncident(ctx context.Context, incident NewIncident) (string, error) {
	var response struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/incidents", incident, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.ID) == "" {
		return "", errors.New("incident create response missing id")
	}
	return response.ID, nil
}

// UpdateIncident applies one partial update to an open incident.
// Params: context, remote incident id, and sparse update payload.
// Returns: classified API error; omitted fields are left untouched server-side.
func (c *Client) UpdateIncident(ctx context.Context, id string, update IncidentUpdate) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("incident id is required")
	}
	return c.do(ctx, http.MethodPatch, "/incidents/"+id, update, nil)
}

// ResolveIncident marks one incident resolved.
// Params: context, remote incident id, and optional summary text.
// Returns: nil for success and for already-resolved/absent incidents (idempotent terminal states).
func (c *Client) ResolveIncident(ctx context.Context, id string, summary string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("incident id is required")
	}
	body := struct {
		Summary string `json:"summary,omitempty"`
	}{Summary: summary}

	err := c.do(ctx, http.MethodPost, "/incidents/"+id+"/resolve", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.IsConflict() || apiErr.IsNotFound()) {
		if c.logger != nil {
			c.logger.Debug("resolve treated as terminal", "incident_id", id, "status", apiErr.StatusCode)
		}
		return nil
	}
	return err
}

// do executes one authenticated API call with rate limiting and classified retries.
// Params: context, HTTP method/path, request payload, and optional response target.
// Returns: decoded response or classified error after the retry budget.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode incidents request: %w", err)
	}

	var lastErr error
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt, lastErr)
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = c.roundTrip(ctx, method, path, body, out)
		if lastErr == nil {
			if attempt > 0 && c.logger != nil {
				c.logger.Info("incidents call recovered after retries", "method", method, "path", path, "attempt", attempt+1)
			}
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if c.logger != nil {
			c.logger.Warn("incidents call attempt failed", "method", method, "path", path, "attempt", attempt+1, "error", lastErr.Error())
		}
	}

	return fmt.Errorf("incidents call %s %s failed after %d attempt(s): %w", method, path, c.maxRetries+1, lastErr)
}

// roundTrip executes one HTTP attempt.
// Params: context, method, path, encoded body, and optional decode target.
// Returns: nil for 2xx with decoded body, APIError otherwise.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build incidents request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("incidents request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeAPIError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode incidents response: %w", err)
	}
	return nil
}

// backoffDelay computes retry delay for one attempt.
// Params: attempt number (1-based) and previous error.
// Returns: exponential delay capped at max backoff; a remote Retry-After overrides it.
func (c *Client) backoffDelay(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.IsRateLimit() && apiErr.retryAfter > 0 {
		return apiErr.retryAfter
	}

	delay := c.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	if delay > c.maxBackoff {
		return c.maxBackoff
	}
	return delay
}

// decodeAPIError converts one non-2xx response into a classified error.
// Params: HTTP response with consumable body.
// Returns: APIError built from the first vendor error entry.
func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode}
	if retryAfter := parseRetryAfter(response.Header.Get("Retry-After")); retryAfter > 0 {
		apiErr.retryAfter = retryAfter
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var parsed struct {
		Errors []struct {
			Status string `json:"status"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
			Source struct {
				Pointer string `json:"pointer"`
			} `json:"source"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Errors) == 0 {
		return apiErr
	}

	first := parsed.Errors[0]
	apiErr.Title = first.Title
	apiErr.Detail = first.Detail
	apiErr.Source = first.Source.Pointer
	return apiErr
}

// parseRetryAfter parses a Retry-After header in delay-seconds form.
// Params: raw header value.
// Returns: parsed duration or 0 for absent/unsupported values.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
