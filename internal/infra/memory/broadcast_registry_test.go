package memory

import "testing"

func TestBroadcastRegistryLifecycle(t *testing.T) {
	registry := NewBroadcastRegistry()

	scope := registry.GetOrCreate("attempt-1")
	if scope == nil {
		t.Fatalf("expected scope")
	}
	if _, ok := registry.Get("attempt-1"); !ok {
		t.Fatalf("expected scope present")
	}

	_, cancel := scope.Subscribe()
	registry.DeleteIfEmpty("attempt-1")
	if _, ok := registry.Get("attempt-1"); !ok {
		t.Fatalf("scope with observers must not be removed")
	}

	cancel()
	registry.DeleteIfEmpty("attempt-1")
	if _, ok := registry.Get("attempt-1"); ok {
		t.Fatalf("expected scope removed when empty")
	}
}
