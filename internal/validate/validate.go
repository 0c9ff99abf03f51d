package validate

import (
	"fmt"
	"regexp"
	"strings"

	"dispatch/internal/domain"
)

var (
	fingerprintPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)
	namePattern        = regexp.MustCompile(`^[A-Z][A-Za-z0-9_-]*$`)
)

// Issue describes one alert validation violation.
// Params: field path, human message, offending value, and actionable suggestion.
// Returns: one reportable validation entry.
type Issue struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Value      any    `json:"value,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error aggregates all validation issues of one alert.
// Params: collected issue list.
// Returns: error value carrying every violation at once.
type Error struct {
	Issues []Issue
}

// Error renders aggregated validation failure message.
// Params: none.
// Returns: one-line summary listing violated fields.
func (e *Error) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "alert validation failed"
	}
	fields := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		fields = append(fields, issue.Field)
	}
	return fmt.Sprintf("alert validation failed: %d issue(s) in %s", len(e.Issues), strings.Join(fields, ", "))
}

// Validate checks one enriched alert against the full rule set.
// Params: alert pointer (nil allowed).
// Returns: every violation found in one pass; empty slice for a valid alert.
func Validate(alert *domain.EnrichedAlert) []Issue {
	if alert == nil {
		return []Issue{{
			Field:      "alert",
			Message:    "alert must not be nil",
			Suggestion: "pass a constructed EnrichedAlert value",
		}}
	}

	issues := make([]Issue, 0, 4)
	issues = append(issues, checkFingerprint(alert)...)
	issues = append(issues, checkName(alert)...)
	issues = append(issues, checkStatus(alert)...)
	issues = append(issues, checkTimestamps(alert)...)
	issues = append(issues, checkClassification(alert)...)
	return issues
}

// AsError converts issue list into an error value.
// Params: issues collected by Validate.
// Returns: nil for empty list, aggregated *Error otherwise.
func AsError(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &Error{Issues: issues}
}

// checkFingerprint validates fingerprint presence and format.
// Params: non-nil alert.
// Returns: fingerprint issues.
func checkFingerprint(alert *domain.EnrichedAlert) []Issue {
	fingerprint := strings.TrimSpace(alert.Fingerprint)
	if fingerprint == "" {
		return []Issue{{
			Field:      "fingerprint",
			Message:    "fingerprint is required",
			Suggestion: "set a stable identifier unique per logical incident",
		}}
	}
	if !fingerprintPattern.MatchString(fingerprint) {
		return []Issue{{
			Field:      "fingerprint",
			Message:    "fingerprint contains unsupported characters",
			Value:      alert.Fingerprint,
			Suggestion: "use alphanumeric characters with '.', '_', ':' or '-' separators",
		}}
	}
	return nil
}

// checkName validates display name presence and vendor naming convention.
// Params: non-nil alert.
// Returns: name issues.
func checkName(alert *domain.EnrichedAlert) []Issue {
	name := strings.TrimSpace(alert.Name)
	if name == "" {
		return []Issue{{
			Field:      "name",
			Message:    "name is required",
			Suggestion: "set a short CamelCase alert name, e.g. DiskFull",
		}}
	}
	if !namePattern.MatchString(name) {
		return []Issue{{
			Field:      "name",
			Message:    "name must start uppercase and contain only letters, digits, '-' or '_'",
			Value:      alert.Name,
			Suggestion: "rename to match vendor display conventions, e.g. HighErrorRate",
		}}
	}
	return nil
}

// checkStatus validates lifecycle status value.
// Params: non-nil alert.
// Returns: status issues.
func checkStatus(alert *domain.EnrichedAlert) []Issue {
	switch alert.Status {
	case domain.AlertStatusFiring, domain.AlertStatusResolved:
		return nil
	default:
		return []Issue{{
			Field:      "status",
			Message:    "status must be firing or resolved",
			Value:      string(alert.Status),
			Suggestion: "set status to \"firing\" or \"resolved\"",
		}}
	}
}

// checkTimestamps validates StartsAt/EndsAt ordering.
// Params: non-nil alert.
// Returns: timestamp issues; EndsAt check is skipped when StartsAt is already reported.
func checkTimestamps(alert *domain.EnrichedAlert) []Issue {
	if alert.StartsAt.IsZero() {
		return []Issue{{
			Field:      "starts_at",
			Message:    "starts_at is required",
			Suggestion: "set starts_at to the moment the condition began",
		}}
	}
	if alert.EndsAt != nil && !alert.EndsAt.IsZero() && !alert.EndsAt.After(alert.StartsAt) {
		return []Issue{{
			Field:      "ends_at",
			Message:    "ends_at must be strictly after starts_at",
			Value:      alert.EndsAt.Format("2006-01-02T15:04:05Z07:00"),
			Suggestion: "set ends_at later than starts_at or omit it for firing alerts",
		}}
	}
	return nil
}

// checkClassification validates optional classification ranges.
// Params: non-nil alert.
// Returns: classification issues; all checks skip when classification is absent.
func checkClassification(alert *domain.EnrichedAlert) []Issue {
	classification := alert.Classification
	if classification == nil {
		return nil
	}
	issues := make([]Issue, 0, 2)
	if !domain.IsKnownSeverity(classification.Severity) {
		issues = append(issues, Issue{
			Field:      "classification.severity",
			Message:    "severity is not in the supported set",
			Value:      string(classification.Severity),
			Suggestion: "use one of: critical, high, medium, low, info",
		})
	}
	if classification.Confidence < 0 || classification.Confidence > 1 {
		issues = append(issues, Issue{
			Field:      "classification.confidence",
			Message:    "confidence must be within [0, 1]",
			Value:      classification.Confidence,
			Suggestion: "clamp the model confidence to the [0, 1] range",
		})
	}
	return issues
}
