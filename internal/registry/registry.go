package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"dispatch/internal/domain"
)

var formatIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// FormatFunc converts one enriched alert into a vendor payload document.
// Params: context and read-only alert.
// Returns: formatted payload or formatting error.
type FormatFunc func(ctx context.Context, alert *domain.EnrichedAlert) (domain.FormattedPayload, error)

// NotFoundError indicates a format id that is not registered.
// Params: requested format id.
// Returns: typed registry lookup error.
type NotFoundError struct {
	ID string
}

// Error renders lookup failure message.
// Params: none.
// Returns: string representation.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("format %q is not registered", e.ID)
}

// InUseError indicates an unregister attempt on a format with live handles.
// Params: format id and observed reference count.
// Returns: typed registry state error.
type InUseError struct {
	ID   string
	Refs int64
}

// Error renders in-use failure message.
// Params: none.
// Returns: string representation.
func (e *InUseError) Error() string {
	return fmt.Sprintf("format %q is in use (%d live reference(s))", e.ID, e.Refs)
}

// entry is one registered format with its live reference counter.
type entry struct {
	fn   FormatFunc
	refs atomic.Int64
}

// Registry is a thread-safe store of named alert formats.
// Params: guarded id-to-entry index and optional logger.
// Returns: runtime-mutable format lookup used by the publishing pipeline.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// New creates an empty format registry.
// Params: optional logger for overwrite warnings.
// Returns: initialized registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds or replaces one format function.
// Params: format id and formatting function.
// Returns: error for empty/invalid id or nil function; overwrite succeeds with a log line.
func (r *Registry) Register(id string, fn FormatFunc) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("format id is required")
	}
	if fn == nil {
		return fmt.Errorf("format %q function must not be nil", id)
	}
	if !formatIDPattern.MatchString(id) {
		return fmt.Errorf("format id %q must start lowercase and contain only lowercase letters, digits, '-' or '_'", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists && r.logger != nil {
		r.logger.Warn("format overwritten", "format_id", id)
	}
	r.entries[id] = &entry{fn: fn}
	return nil
}

// Unregister removes one format when no handle is held.
// Params: format id.
// Returns: NotFoundError for absent id, InUseError while references are live.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, exists := r.entries[id]
	if !exists {
		return &NotFoundError{ID: id}
	}
	if refs := stored.refs.Load(); refs > 0 {
		return &InUseError{ID: id, Refs: refs}
	}
	delete(r.entries, id)
	return nil
}

// Get returns an invocable handle for one registered format.
// Params: format id.
// Returns: wrapper that releases the reference once after its first invocation completes.
func (r *Registry) Get(id string) (FormatFunc, error) {
	r.mu.RLock()
	stored, exists := r.entries[id]
	if exists {
		// Taken under the lock so Unregister cannot observe refs == 0
		// between the lookup and the increment.
		stored.refs.Add(1)
	}
	r.mu.RUnlock()
	if !exists {
		return nil, &NotFoundError{ID: id}
	}
	var release sync.Once
	wrapper := func(ctx context.Context, alert *domain.EnrichedAlert) (domain.FormattedPayload, error) {
		defer release.Do(func() { stored.refs.Add(-1) })
		return stored.fn(ctx, alert)
	}
	return wrapper, nil
}

// Supports reports whether format id is registered.
// Params: format id.
// Returns: true for registered formats.
func (r *Registry) Supports(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[id]
	return exists
}

// List returns lexicographically sorted registered format ids.
// Params: none.
// Returns: sorted id copy safe for caller mutation.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns current registry size.
// Params: none.
// Returns: registered format count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
