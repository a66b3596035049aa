package source

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dm-agent/internal/models"
)

// EventSource defines the interface for pull-based event sources
type EventSource interface {
	// Name returns the unique name of this source
	Name() string

	// Type returns the source type (comments, ...)
	Type() string

	// Fetch retrieves new events from the source
	Fetch(ctx context.Context) ([]*models.Event, error)

	// HealthCheck verifies the source is accessible
	HealthCheck(ctx context.Context) error
}

// Manager manages multiple event sources
type Manager struct {
	sources []EventSource
}

// NewManager creates a new source manager
func NewManager() *Manager {
	return &Manager{
		sources: make([]EventSource, 0),
	}
}

// Register adds a source to the manager
func (m *Manager) Register(source EventSource) {
	m.sources = append(m.sources, source)
}

// GetSources returns all registered sources
func (m *Manager) GetSources() []EventSource {
	return m.sources
}

// GetSourceByName returns a source by name
func (m *Manager) GetSourceByName(name string) EventSource {
	for _, s := range m.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// GetSourcesByType returns all sources of a given type
func (m *Manager) GetSourcesByType(sourceType string) []EventSource {
	var result []EventSource
	for _, s := range m.sources {
		if s.Type() == sourceType {
			result = append(result, s)
		}
	}
	return result
}

// Batch is the outcome of fetching one source.
type Batch struct {
	Source EventSource
	Events []*models.Event
	Err    error
}

// FetchAll fetches every source with at most concurrency fetches in flight.
// A failing source does not hide the events of the others. Batches keep
// registration order.
func (m *Manager) FetchAll(ctx context.Context, concurrency int) []Batch {
	batches := make([]Batch, len(m.sources))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, s := range m.sources {
		g.Go(func() error {
			events, err := s.Fetch(ctx)
			batches[i] = Batch{Source: s, Events: events, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return batches
}
