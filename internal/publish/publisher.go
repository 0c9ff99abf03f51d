// Package publish orchestrates the alert publishing lifecycle: format one
// enriched alert through the middleware pipeline, correlate its fingerprint
// with a remote incident via the TTL'd ID cache, and drive the matching
// create/update/resolve call on the destination.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dispatch/internal/cache"
	"dispatch/internal/domain"
	"dispatch/internal/formats"
	"dispatch/internal/incidents"
	"dispatch/internal/middleware"
	"dispatch/internal/observe"
)

// defaultIDTTL bounds how long a remote incident id is trusted without
// a refresh; it also bounds the staleness window after an untracked create.
const defaultIDTTL = 24 * time.Hour

// IncidentAPI is the stateful destination contract driven by the publisher.
// Params: see the incidents client.
// Returns: per-call classified errors.
type IncidentAPI interface {
	CreateIncident(ctx context.Context, incident incidents.NewIncident) (string, error)
	UpdateIncident(ctx context.Context, id string, update incidents.IncidentUpdate) error
	ResolveIncident(ctx context.Context, id string, summary string) error
}

// ClientFactory builds one incident API client for a target.
// Params: publishing target carrying URL and credentials.
// Returns: client or construction error.
type ClientFactory func(target domain.PublishingTarget) (IncidentAPI, error)

// Announcer delivers one formatted payload to a stateless destination.
// Params: context, target, alert, and formatted payload.
// Returns: delivery error.
type Announcer interface {
	Announce(ctx context.Context, target domain.PublishingTarget, alert *domain.EnrichedAlert, payload domain.FormattedPayload) error
}

// Options configures one publisher.
// Params: formatting handler, incident-id cache, client factory, optional
// announcers keyed by target type, recorder, logger, id TTL, and now function.
// Returns: used by NewPublisher.
type Options struct {
	Handler    middleware.Handler
	IDCache    *cache.Cache
	Factory    ClientFactory
	Announcers map[string]Announcer
	Recorder   observe.Recorder
	Logger     *slog.Logger
	IDTTL      time.Duration
	Now        func() time.Time
}

// Publisher drives the incident lifecycle for enriched alerts across targets.
// Params: built via NewPublisher.
// Returns: safe for concurrent Publish calls.
type Publisher struct {
	handler    middleware.Handler
	ids        *cache.Cache
	factory    ClientFactory
	announcers map[string]Announcer
	recorder   observe.Recorder
	logger     *slog.Logger
	idTTL      time.Duration
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]IncidentAPI
}

// NewPublisher creates a publisher.
// Params: options with handler, id cache, and factory required.
// Returns: initialized publisher or configuration error.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Handler == nil {
		return nil, errors.New("format handler is required")
	}
	if opts.IDCache == nil {
		return nil, errors.New("incident id cache is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("incident client factory is required")
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = observe.NopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idTTL := opts.IDTTL
	if idTTL <= 0 {
		idTTL = defaultIDTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Publisher{
		handler:    opts.Handler,
		ids:        opts.IDCache,
		factory:    opts.Factory,
		announcers: opts.Announcers,
		recorder:   recorder,
		logger:     logger,
		idTTL:      idTTL,
		now:        now,
		clients:    make(map[string]IncidentAPI),
	}, nil
}

// FormatAlert formats one alert through the middleware pipeline.
// Params: context, alert, and format id.
// Returns: vendor payload or pipeline error.
func (p *Publisher) FormatAlert(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
	return p.handler(ctx, alert, formatID)
}

// Publish formats one alert and delivers it to one target.
// Params: context, alert, and target descriptor.
// Returns: nil (including idempotent no-ops) or an error naming the failed phase.
func (p *Publisher) Publish(ctx context.Context, alert *domain.EnrichedAlert, target domain.PublishingTarget) error {
	if alert == nil {
		return errors.New("alert is required")
	}
	if !target.Enabled {
		p.logger.Debug("target disabled, skipping", "target", target.Name, "fingerprint", alert.Fingerprint)
		return nil
	}

	payload, err := p.handler(ctx, alert, target.Format)
	if err != nil {
		return fmt.Errorf("format alert %s for target %s: %w", alert.Fingerprint, target.Name, err)
	}

	switch target.Type {
	case domain.TargetTypeIncidents:
		return p.publishIncident(ctx, alert, target, payload)
	default:
		announcer, ok := p.announcers[target.Type]
		if !ok {
			return fmt.Errorf("target %s has unsupported type %q", target.Name, target.Type)
		}
		if err := announcer.Announce(ctx, target, alert, payload); err != nil {
			return fmt.Errorf("announce alert %s to target %s: %w", alert.Fingerprint, target.Name, err)
		}
		p.recorder.RecordCounter("publish_announced", map[string]string{"target": target.Name}, 1)
		return nil
	}
}

// publishIncident drives the create/update/resolve lifecycle for one target.
// Params: context, alert, incidents-typed target, and formatted payload.
// Returns: nil or phase-wrapped error.
func (p *Publisher) publishIncident(ctx context.Context, alert *domain.EnrichedAlert, target domain.PublishingTarget, payload domain.FormattedPayload) error {
	client, err := p.clientFor(target)
	if err != nil {
		return fmt.Errorf("build client for target %s: %w", target.Name, err)
	}

	key := IncidentKey(target.Name, alert.Fingerprint)
	remoteID, err := p.cachedID(key)
	if err != nil {
		return err
	}

	switch alert.Status {
	case domain.AlertStatusFiring:
		if remoteID == "" {
			return p.createIncident(ctx, client, alert, target, payload, key)
		}
		if err := client.UpdateIncident(ctx, remoteID, buildUpdate(alert, payload, p.now())); err != nil {
			var apiErr *incidents.APIError
			if errors.As(err, &apiErr) && apiErr.IsNotFound() {
				// The remote incident vanished out-of-band; drop the stale
				// id and open a fresh one.
				p.ids.Delete(key)
				p.logger.Warn("stale incident id evicted, recreating",
					"target", target.Name, "fingerprint", alert.Fingerprint, "incident_id", remoteID)
				return p.createIncident(ctx, client, alert, target, payload, key)
			}
			return fmt.Errorf("update incident %s on target %s: %w", remoteID, target.Name, err)
		}
		p.recorder.RecordCounter("incident_updated", map[string]string{"target": target.Name}, 1)
		return nil

	case domain.AlertStatusResolved:
		if remoteID == "" {
			p.logger.Debug("no tracked incident for resolved alert",
				"target", target.Name, "fingerprint", alert.Fingerprint)
			return nil
		}
		summary := fmt.Sprintf("%s resolved after %s", alert.Name, formats.FormatDuration(alert.Duration(p.now())))
		if err := client.ResolveIncident(ctx, remoteID, summary); err != nil {
			return fmt.Errorf("resolve incident %s on target %s: %w", remoteID, target.Name, err)
		}
		p.ids.Delete(key)
		p.recorder.RecordCounter("incident_resolved", map[string]string{"target": target.Name}, 1)
		return nil

	default:
		return fmt.Errorf("alert %s has unsupported status %q", alert.Fingerprint, alert.Status)
	}
}

// createIncident opens one remote incident and tracks its id.
// Params: context, client, alert, target, payload, and id cache key.
// Returns: nil or phase-wrapped error.
func (p *Publisher) createIncident(ctx context.Context, client IncidentAPI, alert *domain.EnrichedAlert, target domain.PublishingTarget, payload domain.FormattedPayload, key string) error {
	remoteID, err := client.CreateIncident(ctx, buildNewIncident(alert, payload))
	if err != nil {
		return fmt.Errorf("create incident for alert %s on target %s: %w", alert.Fingerprint, target.Name, err)
	}
	p.ids.Set(key, remoteID, p.idTTL)
	p.recorder.RecordCounter("incident_created", map[string]string{"target": target.Name}, 1)
	p.logger.Info("incident created",
		"target", target.Name, "fingerprint", alert.Fingerprint, "incident_id", remoteID)
	return nil
}

// cachedID reads one tracked incident id.
// Params: id cache key.
// Returns: id or empty string on miss; error when the cache entry is corrupt
// (id tracking is a correctness dependency, so a broken entry fails loudly).
func (p *Publisher) cachedID(key string) (string, error) {
	value, ok := p.ids.Get(key)
	if !ok {
		return "", nil
	}
	remoteID, valid := value.(string)
	if !valid || remoteID == "" {
		p.ids.Delete(key)
		return "", fmt.Errorf("incident id cache entry %s holds %T instead of id", key, value)
	}
	return remoteID, nil
}

// clientFor memoizes one client per target name.
// Params: incidents-typed target.
// Returns: cached or freshly built client.
func (p *Publisher) clientFor(target domain.PublishingTarget) (IncidentAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[target.Name]; ok {
		return client, nil
	}
	client, err := p.factory(target)
	if err != nil {
		return nil, err
	}
	p.clients[target.Name] = client
	return client, nil
}

// IncidentKey builds the id cache key for one target/alert pair.
// Params: target name and alert fingerprint.
// Returns: deterministic per-target key so targets track incidents independently.
func IncidentKey(targetName, fingerprint string) string {
	return targetName + "/" + fingerprint
}

// buildNewIncident maps one alert and payload to a creation request.
// Params: alert and formatted payload.
// Returns: creation payload with severity defaulting to info.
func buildNewIncident(alert *domain.EnrichedAlert, payload domain.FormattedPayload) incidents.NewIncident {
	severity := string(domain.SeverityInfo)
	if alert.Classification != nil && alert.Classification.Severity != "" {
		severity = string(alert.Classification.Severity)
	}
	return incidents.NewIncident{
		Title:        alert.Name,
		Description:  payload.Render(),
		Severity:     severity,
		StartedAt:    alert.StartsAt,
		Tags:         alert.Labels,
		CustomFields: fieldMap(payload),
	}
}

// buildUpdate maps one alert and payload to a sparse update request.
// Params: alert, formatted payload, and current time for the duration field.
// Returns: update payload carrying a fresh description and custom fields.
func buildUpdate(alert *domain.EnrichedAlert, payload domain.FormattedPayload, now time.Time) incidents.IncidentUpdate {
	description := payload.Render()
	custom := fieldMap(payload)
	custom["duration"] = formats.FormatDuration(alert.Duration(now))
	return incidents.IncidentUpdate{
		Description:  &description,
		CustomFields: custom,
	}
}

// fieldMap flattens one payload into a custom-field map.
// Params: formatted payload.
// Returns: key/value map copy.
func fieldMap(payload domain.FormattedPayload) map[string]string {
	custom := make(map[string]string, len(payload.Fields))
	for _, field := range payload.Fields {
		custom[field.Key] = field.Value
	}
	return custom
}
