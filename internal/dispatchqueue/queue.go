package dispatchqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/permanent"
)

// Job is one outbound publish task in the async dispatch queue.
// Params: target route and enriched alert payload.
// Returns: queue unit consumed by publish workers.
type Job struct {
	ID        string               `json:"id"`
	Target    string               `json:"target"`
	Alert     domain.EnrichedAlert `json:"alert"`
	CreatedAt time.Time            `json:"created_at"`
}

// DLQReason identifies reason why a dispatch job was moved to dead-letter queue.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for dispatch queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one dispatch queue task.
// Params: target name and alert payload.
// Returns: stable SHA1-based id string.
func BuildJobID(target string, alert domain.EnrichedAlert) string {
	endsAt := int64(0)
	if alert.EndsAt != nil {
		endsAt = alert.EndsAt.UnixNano()
	}
	raw := fmt.Sprintf(
		"%s|%s|%s|%d|%d",
		target,
		alert.Fingerprint,
		alert.Status,
		alert.StartsAt.UnixNano(),
		endsAt,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues alert publish jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs and acknowledges delivery status.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}

// Handler processes one dequeued job.
// Params: context and decoded job.
// Returns: processing error; permanent-marked errors are not retried.
type Handler func(ctx context.Context, job Job) error

// MarkPermanent wraps error as permanent processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
// Params: processing error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}
