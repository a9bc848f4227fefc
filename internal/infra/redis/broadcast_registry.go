package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-attempt-service/internal/app"
)

// BroadcastRegistry is a Redis-aware implementation of app.BroadcastRegistry.
// Notes:
//   - It still keeps a local in-memory map of scopes to reuse the existing
//     in-process fan-out logic.
//   - Redis is used to mark which attempts currently have observers (and
//     could be extended to route cross-instance pub/sub).
type BroadcastRegistry struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
	scopes map[string]*app.Broadcast
}

func NewBroadcastRegistry(client *redis.Client, ttl time.Duration) *BroadcastRegistry {
	return &BroadcastRegistry{
		client: client,
		ttl:    ttl,
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
	// best-effort liveness marker
	_ = r.client.Set(context.Background(), r.key(scopeID), "1", r.ttl).Err()
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
		_ = r.client.Del(context.Background(), r.key(scopeID)).Err()
	}
}

func (r *BroadcastRegistry) key(scopeID string) string {
	return "attempt:observers:" + scopeID
}
