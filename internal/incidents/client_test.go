package incidents

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:     baseURL,
		APIKey:      "secret-key",
		MaxRetries:  maxRetries,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Options{APIKey: "k"}, nil, nil); err == nil {
		t.Fatalf("expected base url error")
	}
	if _, err := NewClient(Options{BaseURL: "https://incidents.example"}, nil, nil); err == nil {
		t.Fatalf("expected api key error")
	}
}

func TestCreateIncident(t *testing.T) {
	t.Parallel()

	var gotPath, gotMethod, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotPath = request.URL.Path
		gotMethod = request.Method
		gotAuth = request.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(request.Body)
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"id": "INC-1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	id, err := client.CreateIncident(context.Background(), NewIncident{
		Title:     "DiskFull on db-1",
		Severity:  "high",
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Tags:      map[string]string{"host": "db-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "INC-1" {
		t.Fatalf("id = %q", id)
	}
	if gotMethod != http.MethodPost || gotPath != "/incidents" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.Contains(string(gotBody), `"title":"DiskFull on db-1"`) {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}

func TestCreateIncidentMissingID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	if _, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"}); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestUpdateIncidentPartialBody(t *testing.T) {
	t.Parallel()

	var gotBody string
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		gotBody = string(body)
		gotMethod = request.Method
		gotPath = request.URL.Path
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	err := client.UpdateIncident(context.Background(), "INC-1", IncidentUpdate{
		CustomFields: map[string]string{"duration": "5m"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/incidents/INC-1" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if strings.Contains(gotBody, "description") {
		t.Fatalf("omitted description must not be sent: %s", gotBody)
	}
}

func TestRetryClassification(t *testing.T) {
	t.Parallel()

	const maxRetries = 2
	retryable := []int{429, 500, 502, 503, 504}
	permanent := []int{400, 401, 403, 404, 409, 422}

	for _, status := range retryable {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writer.WriteHeader(status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, maxRetries)
			_, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"})
			if err == nil {
				t.Fatalf("expected failure")
			}
			if got := calls.Load(); got != maxRetries+1 {
				t.Fatalf("status %d: %d attempts, want %d", status, got, maxRetries+1)
			}
		})
	}

	for _, status := range permanent {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writer.WriteHeader(status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, maxRetries)
			_, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"})
			if err == nil {
				t.Fatalf("expected failure")
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != status {
				t.Fatalf("expected APIError %d, got %v", status, err)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("status %d: %d attempts, want 1", status, got)
			}
		})
	}
}

func TestRetryBudgetDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		maxRetries   int
		wantAttempts int64
	}{
		{name: "zero takes default budget", maxRetries: 0, wantAttempts: 4},
		{name: "negative disables retries", maxRetries: -1, wantAttempts: 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writer.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer server.Close()

			client, err := NewClient(Options{
				BaseURL:     server.URL,
				APIKey:      "secret-key",
				MaxRetries:  tc.maxRetries,
				BaseBackoff: time.Millisecond,
				MaxBackoff:  5 * time.Millisecond,
			}, nil, nil)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}

			if _, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"}); err == nil {
				t.Fatalf("expected failure")
			}
			if got := calls.Load(); got != tc.wantAttempts {
				t.Fatalf("%d attempts, want %d", got, tc.wantAttempts)
			}
		})
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"id": "INC-9"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	id, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "INC-9" || calls.Load() != 3 {
		t.Fatalf("id=%q calls=%d", id, calls.Load())
	}
}

func TestResolveIncidentIdempotent(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusConflict, http.StatusNotFound} {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != "/incidents/INC-1/resolve" {
					t.Errorf("unexpected path %q", request.URL.Path)
				}
				writer.WriteHeader(status)
				_, _ = writer.Write([]byte(`{"errors":[{"status":"409","title":"already resolved"}]}`))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, 0)
			if err := client.ResolveIncident(context.Background(), "INC-1", "cleared"); err != nil {
				t.Fatalf("expected idempotent success, got %v", err)
			}
		})
	}
}

func TestErrorBodyClassification(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte(`{"errors":[
			{"status":"422","title":"Invalid severity","detail":"severity must be one of critical,high","source":{"pointer":"/data/severity"}},
			{"status":"422","title":"second entry ignored"}
		]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	_, err := client.CreateIncident(context.Background(), NewIncident{Title: "X"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Title != "Invalid severity" || apiErr.Source != "/data/severity" {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
	if !apiErr.IsValidation() || apiErr.IsRetryable() {
		t.Fatalf("unexpected classification: %+v", apiErr)
	}
}

func TestBackoffDelayGrowthAndRetryAfter(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Options{
		BaseURL:     "https://incidents.example",
		APIKey:      "k",
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	plain := &APIError{StatusCode: http.StatusServiceUnavailable}
	if got := client.backoffDelay(1, plain); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v", got)
	}
	if got := client.backoffDelay(2, plain); got != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v", got)
	}
	if got := client.backoffDelay(10, plain); got != 5*time.Second {
		t.Fatalf("capped delay = %v", got)
	}

	limited := &APIError{StatusCode: http.StatusTooManyRequests, retryAfter: 2 * time.Second}
	if got := client.backoffDelay(1, limited); got != 2*time.Second {
		t.Fatalf("retry-after delay = %v", got)
	}
}

func TestRetryAbortsOnCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(Options{
		BaseURL:     server.URL,
		APIKey:      "k",
		MaxRetries:  5,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Second,
	}, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err = client.CreateIncident(ctx, NewIncident{Title: "X"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 700*time.Millisecond {
		t.Fatalf("retry loop did not abort promptly: %v", elapsed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("parse 3 = %v", got)
	}
	for _, raw := range []string{"", "0", "-1", "Wed, 21 Oct 2015 07:28:00 GMT"} {
		if got := parseRetryAfter(raw); got != 0 {
			t.Fatalf("parse %q = %v", raw, got)
		}
	}
}
