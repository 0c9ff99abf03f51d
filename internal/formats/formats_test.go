package formats

import (
	"context"
	"strings"
	"testing"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/registry"
)

func sampleAlert() *domain.EnrichedAlert {
	return &domain.EnrichedAlert{
		Fingerprint: "fp-1",
		Name:        "DiskFull",
		Status:      domain.AlertStatusFiring,
		StartsAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Labels:      map[string]string{"host": "db-1", "disk": "/var"},
		Annotations: map[string]string{"runbook": "https://wiki/disk-full"},
		Classification: &domain.Classification{
			Severity:        domain.SeverityHigh,
			Confidence:      0.92,
			Reasoning:       "usage grew past 95%",
			Recommendations: []string{"rotate logs", "extend volume"},
		},
	}
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	if err := RegisterBuiltins(reg, nil); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for _, id := range []string{FormatIncidentCard, FormatJSONCompact} {
		if !reg.Supports(id) {
			t.Fatalf("format %q not registered", id)
		}
	}
	if err := RegisterBuiltins(nil, nil); err == nil {
		t.Fatalf("expected nil registry error")
	}
}

func TestIncidentCard(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC) }
	payload, err := IncidentCard(now)(context.Background(), sampleAlert())
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	expect := map[string]string{
		"title":           "DiskFull",
		"status":          "firing",
		"fingerprint":     "fp-1",
		"started_at":      "2026-03-01T10:00:00Z",
		"duration":        "5.0m",
		"severity":        "high",
		"confidence":      "0.92",
		"reasoning":       "usage grew past 95%",
		"recommendations": "rotate logs; extend volume",
		"label.disk":      "/var",
		"label.host":      "db-1",
		"annotation.runbook": "https://wiki/disk-full",
	}
	for key, want := range expect {
		got, ok := payload.Lookup(key)
		if !ok || got != want {
			t.Fatalf("field %q = %q (found=%v), want %q", key, got, ok, want)
		}
	}
	if _, ok := payload.Lookup("ended_at"); ok {
		t.Fatalf("firing alert must not carry ended_at")
	}
	if payload.SizeBytes <= 0 {
		t.Fatalf("size bytes = %d", payload.SizeBytes)
	}
}

func TestIncidentCardResolved(t *testing.T) {
	t.Parallel()

	alert := sampleAlert()
	ended := alert.StartsAt.Add(12 * time.Minute)
	alert.Status = domain.AlertStatusResolved
	alert.EndsAt = &ended

	payload, err := IncidentCard(time.Now)(context.Background(), alert)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if got, _ := payload.Lookup("ended_at"); got != "2026-03-01T10:12:00Z" {
		t.Fatalf("ended_at = %q", got)
	}
	if got, _ := payload.Lookup("duration"); got != "12.0m" {
		t.Fatalf("duration = %q", got)
	}
}

func TestIncidentCardLabelOrderDeterministic(t *testing.T) {
	t.Parallel()

	alert := sampleAlert()
	first, err := IncidentCard(time.Now)(context.Background(), alert)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	second, err := IncidentCard(time.Now)(context.Background(), alert)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if first.Render() != second.Render() {
		t.Fatalf("label order is not deterministic:\n%s\n---\n%s", first.Render(), second.Render())
	}
}

func TestJSONCompact(t *testing.T) {
	t.Parallel()

	payload, err := JSONCompact()(context.Background(), sampleAlert())
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	body, ok := payload.Lookup("body")
	if !ok {
		t.Fatalf("body field missing")
	}
	for _, fragment := range []string{`"fingerprint":"fp-1"`, `"status":"firing"`, `"severity":"high"`} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("body missing %s: %s", fragment, body)
		}
	}
}

func TestNilAlertRejected(t *testing.T) {
	t.Parallel()

	if _, err := IncidentCard(time.Now)(context.Background(), nil); err == nil {
		t.Fatalf("incident-card accepted nil alert")
	}
	if _, err := JSONCompact()(context.Background(), nil); err == nil {
		t.Fatalf("json-compact accepted nil alert")
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30.0s"},
		{90 * time.Second, "1.5m"},
		{2 * time.Hour, "2.0h"},
		{-45 * time.Second, "45.0s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
