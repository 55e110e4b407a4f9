// Package service runs background components (webhook workers, consumers,
// metrics exporters) bound to process lifetime.
package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Service interface {
	Run(ctx context.Context) error
}

// Manager starts registered services together. First service error cancels
// context of the others.
type Manager struct {
	mu       sync.Mutex
	services []Service
	group    *errgroup.Group
}

func NewManager() *Manager {
	return &Manager{}
}

// Register services. Services registered after Run are not started.
func (m *Manager) Register(s ...Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, s...)
}

// Run starts services in background.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group != nil {
		return
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, s := range m.services {
		group.Go(func() error {
			return s.Run(groupCtx)
		})
	}
	m.group = group
}

// Wait blocks until all services returned, result is the first error.
func (m *Manager) Wait() error {
	m.mu.Lock()
	group := m.group
	m.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}
