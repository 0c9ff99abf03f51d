package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dispatch/internal/dispatchqueue"
	"dispatch/internal/domain"
	"dispatch/internal/incidents"
	"dispatch/internal/permanent"
	"dispatch/internal/publish"
	"dispatch/internal/ratelimit"
	"dispatch/internal/validate"
)

// Dispatcher fans enriched alerts out to configured publishing targets.
// Params: built via NewDispatcher.
// Returns: ingest sink on the front, queue handler on the back.
type Dispatcher struct {
	publisher *publish.Publisher
	targets   map[string]domain.PublishingTarget
	order     []string
	producer  dispatchqueue.Producer
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher over one target set.
// Params: publisher, configured targets, queue producer, logger, and now function.
// Returns: initialized dispatcher; target order follows the input slice.
func NewDispatcher(
	publisher *publish.Publisher,
	targets []domain.PublishingTarget,
	producer dispatchqueue.Producer,
	logger *slog.Logger,
	now func() time.Time,
) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]domain.PublishingTarget, len(targets))
	order := make([]string, 0, len(targets))
	for _, target := range targets {
		byName[target.Name] = target
		order = append(order, target.Name)
	}
	return &Dispatcher{
		publisher: publisher,
		targets:   byName,
		order:     order,
		producer:  producer,
		logger:    logger,
		now:       now,
	}
}

// Push enqueues one alert for every enabled target.
// Params: decoded enriched alert.
// Returns: joined enqueue errors; disabled targets are skipped silently.
func (d *Dispatcher) Push(alert domain.EnrichedAlert) error {
	ctx := context.Background()
	var errs []error
	for _, name := range d.order {
		target := d.targets[name]
		if !target.Enabled {
			continue
		}
		job := dispatchqueue.Job{
			ID:        dispatchqueue.BuildJobID(target.Name, alert),
			Target:    target.Name,
			Alert:     alert,
			CreatedAt: d.now().UTC(),
		}
		if err := d.producer.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("enqueue alert %s for target %s: %w", alert.Fingerprint, target.Name, err))
			continue
		}
		d.logger.Debug("alert enqueued",
			"job_id", job.ID,
			"target", target.Name,
			"fingerprint", alert.Fingerprint)
	}
	return errors.Join(errs...)
}

// Handle publishes one dequeued job to its target.
// Params: context and decoded job.
// Returns: nil, retryable error, or permanent-marked error for terminal failures.
func (d *Dispatcher) Handle(ctx context.Context, job dispatchqueue.Job) error {
	target, ok := d.targets[job.Target]
	if !ok {
		return dispatchqueue.MarkPermanent(fmt.Errorf("job %s references unknown target %q", job.ID, job.Target))
	}

	err := d.publisher.Publish(ctx, &job.Alert, target)
	return permanent.MarkIf(err, isTerminalPublishError(err))
}

// isTerminalPublishError reports errors that redelivery cannot fix.
// Params: publish error.
// Returns: true for validation failures and non-retryable API responses.
func isTerminalPublishError(err error) bool {
	var validationErr *validate.Error
	if errors.As(err, &validationErr) {
		return true
	}
	if ratelimit.IsLimited(err) {
		// Local limiter exhaustion clears on its own; retry.
		return false
	}
	var apiErr *incidents.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsRetryable()
	}
	return false
}
