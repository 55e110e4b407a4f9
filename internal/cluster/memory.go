package cluster

import (
	"context"
	"sync"

	"github.com/ruslanjabari/soketi/internal/presence"
)

// MemoryAdapter is a single node adapter: nothing is relayed, presence is local.
type MemoryAdapter struct {
	mu      sync.RWMutex
	handler Handler
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter ...
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

func (a *MemoryAdapter) Run(h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
	return nil
}

func (a *MemoryAdapter) Relay(_ context.Context, _ Message) error {
	return nil
}

func (a *MemoryAdapter) QueryPresence(_ context.Context, appID string, channel string) ([]presence.Member, error) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil {
		return nil, nil
	}
	return h.LocalPresence(appID, channel), nil
}

func (a *MemoryAdapter) PeerPresence(_ context.Context, _ string, _ string) ([]presence.Member, error) {
	return nil, nil
}

func (a *MemoryAdapter) Close(_ context.Context) error {
	return nil
}
