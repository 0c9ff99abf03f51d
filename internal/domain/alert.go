package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertStatus is lifecycle status of one enriched alert.
// Params: firing/resolved status constants.
// Returns: status transitions consumed by publishing lifecycle.
type AlertStatus string

const (
	// AlertStatusFiring indicates active alert condition.
	AlertStatusFiring AlertStatus = "firing"
	// AlertStatusResolved indicates alert condition has cleared.
	AlertStatusResolved AlertStatus = "resolved"
)

// Severity classifies alert impact assigned by the enrichment stage.
// Params: ordered severity constants from critical to info.
// Returns: severity value used by formatters and incident payloads.
type Severity string

const (
	// SeverityCritical marks alerts requiring immediate response.
	SeverityCritical Severity = "critical"
	// SeverityHigh marks alerts requiring prompt attention.
	SeverityHigh Severity = "high"
	// SeverityMedium marks alerts to handle during working hours.
	SeverityMedium Severity = "medium"
	// SeverityLow marks low-impact alerts.
	SeverityLow Severity = "low"
	// SeverityInfo marks informational alerts.
	SeverityInfo Severity = "info"
)

// KnownSeverities returns the supported severity set in display order.
// Params: none.
// Returns: ordered severity list.
func KnownSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// IsKnownSeverity reports whether value belongs to the supported severity set.
// Params: severity candidate.
// Returns: true for supported values.
func IsKnownSeverity(value Severity) bool {
	switch value {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Classification stores enrichment verdict attached to one alert.
// Params: severity, model confidence, reasoning text, and ordered recommendations.
// Returns: optional classification block read by formatters and validation.
type Classification struct {
	Severity        Severity `json:"severity"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// EnrichedAlert is one immutable alert entering the dispatch core.
// Params: identity, lifecycle status, timestamps, label maps, and optional classification.
// Returns: read-only input unit owned by the caller.
type EnrichedAlert struct {
	Fingerprint    string            `json:"fingerprint"`
	Name           string            `json:"name"`
	Status         AlertStatus       `json:"status"`
	StartsAt       time.Time         `json:"starts_at"`
	EndsAt         *time.Time        `json:"ends_at,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
}

// Duration returns elapsed time between StartsAt and EndsAt (or now for firing alerts).
// Params: now is evaluation time for alerts without EndsAt.
// Returns: non-negative alert duration.
func (a *EnrichedAlert) Duration(now time.Time) time.Duration {
	if a == nil || a.StartsAt.IsZero() {
		return 0
	}
	end := now
	if a.EndsAt != nil && !a.EndsAt.IsZero() {
		end = *a.EndsAt
	}
	if end.Before(a.StartsAt) {
		return 0
	}
	return end.Sub(a.StartsAt)
}

// DecodeAlert decodes one enriched alert JSON document.
// Params: raw JSON body bytes.
// Returns: decoded alert or decode error.
func DecodeAlert(raw []byte) (EnrichedAlert, error) {
	var alert EnrichedAlert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return EnrichedAlert{}, fmt.Errorf("decode alert: %w", err)
	}
	return alert, nil
}
