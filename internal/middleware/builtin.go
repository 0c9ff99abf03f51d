package middleware

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"dispatch/internal/cache"
	"dispatch/internal/domain"
	"dispatch/internal/incidents"
	"dispatch/internal/observe"
	"dispatch/internal/ratelimit"
	"dispatch/internal/validate"
)

type contextKey string

// cacheStatusKey carries cache lookup outcome to the tracing middleware,
// which runs inside the caching layer and therefore only sees misses.
const cacheStatusKey contextKey = "cache_status"

// Validation short-circuits the pipeline for malformed alerts.
// Params: none.
// Returns: middleware returning an aggregated validation error before any downstream work.
func Validation() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
			if err := validate.AsError(validate.Validate(alert)); err != nil {
				return domain.FormattedPayload{}, err
			}
			return next(ctx, alert, formatID)
		}
	}
}

// Caching serves repeated format calls from the payload cache.
// Params: payload cache (nil disables caching), entry TTL, and logger for cache faults.
// Returns: middleware that never caches downstream errors and bypasses broken cache reads.
func Caching(store *cache.Cache, ttl time.Duration, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
			if store == nil {
				return next(ctx, alert, formatID)
			}

			key := PayloadCacheKey(alert, formatID)
			if value, ok := store.Get(key); ok {
				payload, valid := value.(domain.FormattedPayload)
				if valid {
					return payload, nil
				}
				// A foreign value under our key means the shared cache is
				// misused; drop the entry and fall through to a fresh format.
				if logger != nil {
					logger.Warn("payload cache entry has unexpected type", "cache_key", key, "format_id", formatID)
				}
				store.Delete(key)
			}

			ctx = context.WithValue(ctx, cacheStatusKey, "miss")
			payload, err := next(ctx, alert, formatID)
			if err != nil {
				return domain.FormattedPayload{}, err
			}
			store.Set(key, payload, ttl)
			return payload, nil
		}
	}
}

// Tracing opens one span per format call.
// Params: tracer backend.
// Returns: middleware tagging format id, fingerprint, and cache status, and marking span error state.
func Tracing(tracer observe.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
			spanCtx, span := tracer.StartSpan(ctx, "format_alert")
			span.SetTag("format_id", formatID)
			if alert != nil {
				span.SetTag("fingerprint", alert.Fingerprint)
			}
			if status, ok := ctx.Value(cacheStatusKey).(string); ok {
				span.SetTag("cache_status", status)
			}

			span.AddEvent("format")
			payload, err := next(spanCtx, alert, formatID)
			span.End(err)
			return payload, err
		}
	}
}

// Metrics records latency, outcome counters, and payload size.
// Params: metrics recorder.
// Returns: middleware labeling series by format id and classified error type.
func Metrics(recorder observe.Recorder) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
			started := time.Now()
			payload, err := next(ctx, alert, formatID)
			elapsed := time.Since(started)

			labels := map[string]string{"format_id": formatID}
			recorder.RecordDuration("format_duration", labels, elapsed)
			if err != nil {
				recorder.RecordCounter("format_total", map[string]string{
					"format_id":  formatID,
					"result":     "error",
					"error_type": ClassifyError(err),
				}, 1)
				return domain.FormattedPayload{}, err
			}
			recorder.RecordCounter("format_total", map[string]string{
				"format_id": formatID,
				"result":    "success",
			}, 1)
			recorder.RecordValue("payload_bytes", labels, float64(payload.SizeBytes))
			return payload, nil
		}
	}
}

// RateLimit gates format calls with a non-blocking token check.
// Params: shared token bucket (nil disables the gate).
// Returns: middleware failing fast with a local rate-limit error on exhaustion.
func RateLimit(bucket *ratelimit.TokenBucket) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
			if bucket != nil && !bucket.Allow() {
				return domain.FormattedPayload{}, bucket.Reject()
			}
			return next(ctx, alert, formatID)
		}
	}
}

// PayloadCacheKey derives a deterministic cache key for one format call.
// Params: alert and format id.
// Returns: FNV-64 key over fingerprint, format id, and classification fields
// (classification affects formatted output, so it participates in the key).
func PayloadCacheKey(alert *domain.EnrichedAlert, formatID string) string {
	hasher := fnv.New64a()
	if alert != nil {
		_, _ = hasher.Write([]byte(alert.Fingerprint))
	}
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(formatID))
	_, _ = hasher.Write([]byte{0})
	if alert != nil && alert.Classification != nil {
		classification := alert.Classification
		_, _ = hasher.Write([]byte(classification.Severity))
		_, _ = hasher.Write([]byte(strconv.FormatFloat(classification.Confidence, 'f', -1, 64)))
		_, _ = hasher.Write([]byte(classification.Reasoning))
		for _, recommendation := range classification.Recommendations {
			_, _ = hasher.Write([]byte{0})
			_, _ = hasher.Write([]byte(recommendation))
		}
	}
	return "payload/" + strconv.FormatUint(hasher.Sum64(), 16)
}

// ClassifyError maps pipeline errors to a metric label value.
// Params: non-nil pipeline error.
// Returns: stable error-type label.
func ClassifyError(err error) string {
	var validationErr *validate.Error
	if errors.As(err, &validationErr) {
		return "validation"
	}
	if ratelimit.IsLimited(err) {
		return "rate_limited"
	}
	var apiErr *incidents.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimit():
			return "remote_rate_limit"
		case apiErr.IsAuth():
			return "remote_auth"
		case apiErr.IsNotFound():
			return "remote_not_found"
		case apiErr.IsConflict():
			return "remote_conflict"
		case apiErr.IsValidation():
			return "remote_validation"
		case apiErr.IsRetryable():
			return "remote_retryable"
		default:
			return fmt.Sprintf("remote_%d", apiErr.StatusCode)
		}
	}
	return "other"
}
