package memory

import (
	"sync"

	"quiz-attempt-service/internal/app"
)

// BroadcastRegistry is an in-memory implementation of app.BroadcastRegistry.
type BroadcastRegistry struct {
	mu     sync.RWMutex
	scopes map[string]*app.Broadcast
}

func NewBroadcastRegistry() *BroadcastRegistry {
	return &BroadcastRegistry{
		scopes: make(map[string]*app.Broadcast),
	}
}

func (r *BroadcastRegistry) GetOrCreate(scopeID string) *app.Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scope, ok := r.scopes[scopeID]; ok {
		return scope
	}
	scope := app.NewBroadcast(scopeID)
	r.scopes[scopeID] = scope
	return scope
}

func (r *BroadcastRegistry) Get(scopeID string) (*app.Broadcast, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scope, ok := r.scopes[scopeID]
	return scope, ok
}

func (r *BroadcastRegistry) DeleteIfEmpty(scopeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope, ok := r.scopes[scopeID]
	if !ok {
		return
	}
	if scope.IsEmpty() {
		delete(r.scopes, scopeID)
	}
}
