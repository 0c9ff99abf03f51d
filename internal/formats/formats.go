// Package formats holds the built-in vendor formatters and their shared
// rendering helpers. Each formatter is a pure function from an enriched
// alert to an ordered key/value payload and never mutates its input.
package formats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/registry"
)

// Built-in format identifiers.
const (
	FormatIncidentCard = "incident-card"
	FormatJSONCompact  = "json-compact"
)

// RegisterBuiltins registers the built-in formatters.
// Params: target registry and now function for duration rendering (defaults to time.Now).
// Returns: first registration error.
func RegisterBuiltins(reg *registry.Registry, now func() time.Time) error {
	if reg == nil {
		return errors.New("format registry is required")
	}
	if now == nil {
		now = time.Now
	}
	if err := reg.Register(FormatIncidentCard, IncidentCard(now)); err != nil {
		return err
	}
	return reg.Register(FormatJSONCompact, JSONCompact())
}

// IncidentCard builds the default human-oriented key/value formatter.
// Params: now function for live firing durations.
// Returns: formatter producing title, state, timing, label, and classification fields.
func IncidentCard(now func() time.Time) registry.FormatFunc {
	return func(_ context.Context, alert *domain.EnrichedAlert) (domain.FormattedPayload, error) {
		if alert == nil {
			return domain.FormattedPayload{}, errors.New("alert is required")
		}

		fields := []domain.Field{
			{Key: "title", Value: alert.Name},
			{Key: "status", Value: string(alert.Status)},
			{Key: "fingerprint", Value: alert.Fingerprint},
			{Key: "started_at", Value: alert.StartsAt.UTC().Format(time.RFC3339)},
			{Key: "duration", Value: FormatDuration(alert.Duration(now()))},
		}
		if alert.EndsAt != nil {
			fields = append(fields, domain.Field{Key: "ended_at", Value: alert.EndsAt.UTC().Format(time.RFC3339)})
		}
		if classification := alert.Classification; classification != nil {
			fields = append(fields,
				domain.Field{Key: "severity", Value: string(classification.Severity)},
				domain.Field{Key: "confidence", Value: fmt.Sprintf("%.2f", classification.Confidence)},
			)
			if classification.Reasoning != "" {
				fields = append(fields, domain.Field{Key: "reasoning", Value: classification.Reasoning})
			}
			if len(classification.Recommendations) > 0 {
				fields = append(fields, domain.Field{Key: "recommendations", Value: strings.Join(classification.Recommendations, "; ")})
			}
		}
		fields = append(fields, labelFields("label", alert.Labels)...)
		fields = append(fields, labelFields("annotation", alert.Annotations)...)

		return domain.NewFormattedPayload(fields), nil
	}
}

// JSONCompact builds the machine-oriented single-field formatter.
// Params: none.
// Returns: formatter emitting the whole alert as one compact JSON body field.
func JSONCompact() registry.FormatFunc {
	return func(_ context.Context, alert *domain.EnrichedAlert) (domain.FormattedPayload, error) {
		if alert == nil {
			return domain.FormattedPayload{}, errors.New("alert is required")
		}
		encoded, err := json.Marshal(alert)
		if err != nil {
			return domain.FormattedPayload{}, fmt.Errorf("encode alert: %w", err)
		}
		return domain.NewFormattedPayload([]domain.Field{{Key: "body", Value: string(encoded)}}), nil
	}
}

// labelFields renders one map as deterministic prefixed fields.
// Params: key prefix and label map.
// Returns: fields sorted by label key.
func labelFields(prefix string, labels map[string]string) []domain.Field {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]domain.Field, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, domain.Field{Key: prefix + "." + key, Value: labels[key]})
	}
	return fields
}

// FormatDuration renders one duration in compact human form with one decimal precision.
// Params: duration value (negatives are rendered as their magnitude).
// Returns: formatted duration string.
func FormatDuration(duration time.Duration) string {
	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}
