package publish

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"dispatch/internal/cache"
	"dispatch/internal/clock"
	"dispatch/internal/domain"
	"dispatch/internal/incidents"
	"dispatch/internal/observe"
)

type apiCall struct {
	op string
	id string
}

// fakeAPI records lifecycle calls and replays scripted errors.
type fakeAPI struct {
	calls      []apiCall
	nextID     string
	createErr  error
	updateErr  error
	resolveErr error
}

func (f *fakeAPI) CreateIncident(_ context.Context, _ incidents.NewIncident) (string, error) {
	f.calls = append(f.calls, apiCall{op: "create"})
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.nextID == "" {
		f.nextID = "INC-1"
	}
	return f.nextID, nil
}

func (f *fakeAPI) UpdateIncident(_ context.Context, id string, _ incidents.IncidentUpdate) error {
	f.calls = append(f.calls, apiCall{op: "update", id: id})
	return f.updateErr
}

func (f *fakeAPI) ResolveIncident(_ context.Context, id string, _ string) error {
	f.calls = append(f.calls, apiCall{op: "resolve", id: id})
	return f.resolveErr
}

func (f *fakeAPI) ops() []string {
	ops := make([]string, len(f.calls))
	for i, call := range f.calls {
		ops[i] = call.op
	}
	return ops
}

type fixture struct {
	publisher *Publisher
	api       *fakeAPI
	ids       *cache.Cache
	recorder  *observe.MemoryRecorder
	clk       *clock.ManualClock
	factories int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ids, err := cache.New(64, 0, clk.Now)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = ids.Close() })

	fx := &fixture{
		api:      &fakeAPI{},
		ids:      ids,
		recorder: observe.NewMemoryRecorder(),
		clk:      clk,
	}

	handler := func(_ context.Context, alert *domain.EnrichedAlert, _ string) (domain.FormattedPayload, error) {
		return domain.NewFormattedPayload([]domain.Field{
			{Key: "title", Value: alert.Name},
			{Key: "status", Value: string(alert.Status)},
		}), nil
	}
	publisher, err := NewPublisher(Options{
		Handler: handler,
		IDCache: ids,
		Factory: func(domain.PublishingTarget) (IncidentAPI, error) {
			fx.factories++
			return fx.api, nil
		},
		Recorder: fx.recorder,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	fx.publisher = publisher
	return fx
}

func firingAlert() *domain.EnrichedAlert {
	return &domain.EnrichedAlert{
		Fingerprint: "fp-1",
		Name:        "DiskFull",
		Status:      domain.AlertStatusFiring,
		StartsAt:    time.Date(2026, 3, 1, 9, 55, 0, 0, time.UTC),
		Labels:      map[string]string{"host": "db-1"},
		Classification: &domain.Classification{
			Severity:   domain.SeverityHigh,
			Confidence: 0.9,
		},
	}
}

func resolvedAlert() *domain.EnrichedAlert {
	alert := firingAlert()
	alert.Status = domain.AlertStatusResolved
	ended := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	alert.EndsAt = &ended
	return alert
}

func incidentsTarget() domain.PublishingTarget {
	return domain.PublishingTarget{
		Name:    "ops",
		Type:    domain.TargetTypeIncidents,
		URL:     "https://incidents.example",
		Format:  "incident-card",
		APIKey:  "k",
		Enabled: true,
	}
}

func TestPublishLifecycle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	target := incidentsTarget()

	// Firing with no tracked incident opens one.
	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if got, err := fx.publisher.cachedID(IncidentKey("ops", "fp-1")); err != nil || got != "INC-1" {
		t.Fatalf("tracked id = %q, err %v", got, err)
	}

	// Firing again updates the tracked incident.
	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	// Resolving closes it and drops tracking.
	if err := fx.publisher.Publish(ctx, resolvedAlert(), target); err != nil {
		t.Fatalf("resolve publish: %v", err)
	}
	if fx.ids.Len() != 0 {
		t.Fatalf("id cache holds %d entries after resolve", fx.ids.Len())
	}

	// Resolving again is an idempotent no-op.
	if err := fx.publisher.Publish(ctx, resolvedAlert(), target); err != nil {
		t.Fatalf("repeat resolve: %v", err)
	}

	got := fx.api.ops()
	want := []string{"create", "update", "resolve"}
	if len(got) != len(want) {
		t.Fatalf("api calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("api calls = %v, want %v", got, want)
		}
	}
	if fx.api.calls[2].id != "INC-1" {
		t.Fatalf("resolve targeted incident %q", fx.api.calls[2].id)
	}

	labels := map[string]string{"target": "ops"}
	for name, want := range map[string]int64{
		"incident_created":  1,
		"incident_updated":  1,
		"incident_resolved": 1,
	} {
		if got := fx.recorder.Counter(name, labels); got != want {
			t.Fatalf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestPublishRecreatesOnStaleID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	target := incidentsTarget()

	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	// The remote incident was deleted out-of-band.
	fx.api.updateErr = &incidents.APIError{StatusCode: http.StatusNotFound}
	fx.api.nextID = "INC-2"
	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("self-healing publish: %v", err)
	}

	got := fx.api.ops()
	want := []string{"create", "update", "create"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("api calls = %v, want %v", got, want)
		}
	}
	if id, err := fx.publisher.cachedID(IncidentKey("ops", "fp-1")); err != nil || id != "INC-2" {
		t.Fatalf("tracked id = %q, err %v", id, err)
	}
	if got := fx.recorder.Counter("incident_created", map[string]string{"target": "ops"}); got != 2 {
		t.Fatalf("created counter = %d", got)
	}
}

func TestPublishUpdateErrorWrapped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	target := incidentsTarget()

	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	fx.api.updateErr = &incidents.APIError{StatusCode: http.StatusInternalServerError}
	err := fx.publisher.Publish(ctx, firingAlert(), target)
	if err == nil || !strings.Contains(err.Error(), "update incident") {
		t.Fatalf("expected update-phase error, got %v", err)
	}
	var apiErr *incidents.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("underlying cause lost: %v", err)
	}
	// The tracked id survives a transient update failure.
	if id, _ := fx.publisher.cachedID(IncidentKey("ops", "fp-1")); id != "INC-1" {
		t.Fatalf("tracked id = %q", id)
	}
}

func TestPublishFormatErrorSkipsClient(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	boom := errors.New("template exploded")
	publisher, err := NewPublisher(Options{
		Handler: func(context.Context, *domain.EnrichedAlert, string) (domain.FormattedPayload, error) {
			return domain.FormattedPayload{}, boom
		},
		IDCache: fx.ids,
		Factory: func(domain.PublishingTarget) (IncidentAPI, error) { return fx.api, nil },
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	err = publisher.Publish(context.Background(), firingAlert(), incidentsTarget())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "format alert") {
		t.Fatalf("expected format-phase error, got %v", err)
	}
	if len(fx.api.calls) != 0 {
		t.Fatalf("client called despite format failure: %v", fx.api.ops())
	}
}

func TestPublishExpiredIDRecreates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	target := incidentsTarget()

	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	fx.clk.Advance(25 * time.Hour)
	fx.api.nextID = "INC-2"
	if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
		t.Fatalf("post-expiry publish: %v", err)
	}

	got := fx.api.ops()
	want := []string{"create", "create"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("api calls = %v, want %v", got, want)
	}
}

func TestPublishDisabledTarget(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	target := incidentsTarget()
	target.Enabled = false

	if err := fx.publisher.Publish(context.Background(), firingAlert(), target); err != nil {
		t.Fatalf("disabled target: %v", err)
	}
	if len(fx.api.calls) != 0 {
		t.Fatalf("disabled target reached the client: %v", fx.api.ops())
	}
}

func TestPublishUnsupportedTargetType(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	target := incidentsTarget()
	target.Type = "pager"

	if err := fx.publisher.Publish(context.Background(), firingAlert(), target); err == nil {
		t.Fatalf("expected unsupported-type error")
	}
}

func TestPublishCorruptCacheEntryFailsLoudly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.ids.Set(IncidentKey("ops", "fp-1"), 42, time.Hour)

	err := fx.publisher.Publish(context.Background(), firingAlert(), incidentsTarget())
	if err == nil || !strings.Contains(err.Error(), "incident id cache entry") {
		t.Fatalf("expected corrupt-entry error, got %v", err)
	}
}

func TestPublishMemoizesClients(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	target := incidentsTarget()

	for i := 0; i < 3; i++ {
		if err := fx.publisher.Publish(ctx, firingAlert(), target); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if fx.factories != 1 {
		t.Fatalf("factory invoked %d times, want 1", fx.factories)
	}
}

type fakeAnnouncer struct {
	calls int
	last  domain.FormattedPayload
	err   error
}

func (f *fakeAnnouncer) Announce(_ context.Context, _ domain.PublishingTarget, _ *domain.EnrichedAlert, payload domain.FormattedPayload) error {
	f.calls++
	f.last = payload
	return f.err
}

func TestPublishAnnouncerTarget(t *testing.T) {
	t.Parallel()

	announcer := &fakeAnnouncer{}
	clk := clock.NewManualClock(time.Unix(100, 0))
	ids, err := cache.New(8, 0, clk.Now)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer ids.Close()

	recorder := observe.NewMemoryRecorder()
	publisher, err := NewPublisher(Options{
		Handler: func(_ context.Context, alert *domain.EnrichedAlert, _ string) (domain.FormattedPayload, error) {
			return domain.NewFormattedPayload([]domain.Field{{Key: "title", Value: alert.Name}}), nil
		},
		IDCache:    ids,
		Factory:    func(domain.PublishingTarget) (IncidentAPI, error) { return nil, errors.New("unused") },
		Announcers: map[string]Announcer{domain.TargetTypeTelegram: announcer},
		Recorder:   recorder,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	target := domain.PublishingTarget{
		Name:    "chat",
		Type:    domain.TargetTypeTelegram,
		Format:  "incident-card",
		Enabled: true,
	}
	if err := publisher.Publish(context.Background(), firingAlert(), target); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if announcer.calls != 1 {
		t.Fatalf("announcer calls = %d", announcer.calls)
	}
	if got, _ := announcer.last.Lookup("title"); got != "DiskFull" {
		t.Fatalf("announced title = %q", got)
	}
	if got := recorder.Counter("publish_announced", map[string]string{"target": "chat"}); got != 1 {
		t.Fatalf("announced counter = %d", got)
	}

	announcer.err = errors.New("chat down")
	err = publisher.Publish(context.Background(), firingAlert(), target)
	if err == nil || !strings.Contains(err.Error(), "announce alert") {
		t.Fatalf("expected announce-phase error, got %v", err)
	}
}

func TestAnnounceText(t *testing.T) {
	t.Parallel()

	payload := domain.NewFormattedPayload([]domain.Field{{Key: "title", Value: "DiskFull"}})
	text := announceText(firingAlert(), payload)
	if !strings.HasPrefix(text, "[FIRING] DiskFull\n") {
		t.Fatalf("text = %q", text)
	}
	if !strings.Contains(text, "title: DiskFull") {
		t.Fatalf("text missing body: %q", text)
	}
}

func TestNormalizeChatID(t *testing.T) {
	t.Parallel()

	if got := normalizeChatID(" -100123 "); got != int64(-100123) {
		t.Fatalf("numeric chat id = %v (%T)", got, got)
	}
	if got := normalizeChatID("@ops-alerts"); got != "@ops-alerts" {
		t.Fatalf("string chat id = %v", got)
	}
}
