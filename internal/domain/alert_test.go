package domain

import (
	"testing"
	"time"
)

func TestDecodeAlert(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"fingerprint": "fp-1",
		"name": "DiskFull",
		"status": "firing",
		"starts_at": "2026-03-01T10:00:00Z",
		"labels": {"host": "db-1"},
		"classification": {"severity": "high", "confidence": 0.92}
	}`)
	alert, err := DecodeAlert(raw)
	if err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.Fingerprint != "fp-1" || alert.Name != "DiskFull" {
		t.Fatalf("unexpected identity: %+v", alert)
	}
	if alert.Status != AlertStatusFiring {
		t.Fatalf("unexpected status %q", alert.Status)
	}
	if alert.Classification == nil || alert.Classification.Severity != SeverityHigh {
		t.Fatalf("unexpected classification: %+v", alert.Classification)
	}
}

func TestDecodeAlertRejectsBadJSON(t *testing.T) {
	t.Parallel()

	if _, err := DecodeAlert([]byte(`{"fingerprint":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestAlertDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	now := start.Add(10 * time.Minute)

	firing := &EnrichedAlert{StartsAt: start}
	if got := firing.Duration(now); got != 10*time.Minute {
		t.Fatalf("firing duration = %v", got)
	}

	resolved := &EnrichedAlert{StartsAt: start, EndsAt: &end}
	if got := resolved.Duration(now); got != 90*time.Second {
		t.Fatalf("resolved duration = %v", got)
	}

	var nilAlert *EnrichedAlert
	if got := nilAlert.Duration(now); got != 0 {
		t.Fatalf("nil alert duration = %v", got)
	}
}

func TestPayloadRenderAndLookup(t *testing.T) {
	t.Parallel()

	payload := NewFormattedPayload([]Field{
		{Key: "summary", Value: "DiskFull on db-1"},
		{Key: "severity", Value: "high"},
	})
	if payload.SizeBytes != len("summary")+len("DiskFull on db-1")+len("severity")+len("high") {
		t.Fatalf("unexpected size %d", payload.SizeBytes)
	}
	if value, ok := payload.Lookup("severity"); !ok || value != "high" {
		t.Fatalf("lookup severity = %q %v", value, ok)
	}
	if _, ok := payload.Lookup("missing"); ok {
		t.Fatalf("expected lookup miss")
	}
	want := "summary: DiskFull on db-1\nseverity: high"
	if got := payload.Render(); got != want {
		t.Fatalf("render = %q", got)
	}
}
