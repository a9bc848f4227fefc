package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-attempt-service/internal/domain"
)

func TestAttemptStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()
	store.SeedAssignment(domain.Assignment{QuizID: "quiz-1", StudentID: "s1"})

	started := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	attempt := domain.Attempt{
		ID: "a1", QuizID: "quiz-1", StudentID: "s1",
		Status: domain.AttemptInProgress, StartedAt: started,
		State: domain.AttemptState{Questions: []domain.QuestionSnapshot{{ID: "q1"}}},
	}
	if err := store.CreateAttempt(ctx, attempt); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetAttempt(ctx, "a1")
	if err != nil || got.QuizID != "quiz-1" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if found, err := store.FindAttempt(ctx, "quiz-1", "s1"); err != nil || found.ID != "a1" {
		t.Fatalf("find: %+v err=%v", found, err)
	}

	state := got.State
	state.Questions[0].Answer = []string{"a"}
	synced := started.Add(time.Minute)
	if err := store.SaveState(ctx, "a1", state, synced); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, _ = store.GetAttempt(ctx, "a1")
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(synced) || got.State.Questions[0].Answer[0] != "a" {
		t.Fatalf("state not persisted: %+v", got)
	}

	if err := store.CompleteAttempt(ctx, "a1", synced, 50); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = store.GetAttempt(ctx, "a1")
	if got.Status != domain.AttemptCompleted || got.Score == nil || *got.Score != 50 {
		t.Fatalf("completion not persisted: %+v", got)
	}

	// Completion only applies to in-progress attempts; a second completion
	// must not overwrite the recorded result.
	if err := store.CompleteAttempt(ctx, "a1", synced.Add(time.Minute), 100); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	got, _ = store.GetAttempt(ctx, "a1")
	if *got.Score != 50 || !got.FinishedAt.Equal(synced) {
		t.Fatalf("second completion overwrote the result: %+v", got)
	}

	if err := store.DeleteAttempt(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetAttempt(ctx, "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAttemptStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()
	_ = store.CreateAttempt(ctx, domain.Attempt{
		ID: "a1", Status: domain.AttemptInProgress,
		State: domain.AttemptState{Questions: []domain.QuestionSnapshot{{ID: "q1"}}},
	})

	first, _ := store.GetAttempt(ctx, "a1")
	first.State.Questions[0].Answer = []string{"mutated"}

	second, _ := store.GetAttempt(ctx, "a1")
	if second.State.Questions[0].Answer != nil {
		t.Fatalf("caller mutation leaked into the store")
	}
}

func TestListInProgressFilters(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()
	store.SeedAssignment(domain.Assignment{QuizID: "quiz-1", StudentID: "s1", School: "north", StudentName: "Alice"})
	store.SeedAssignment(domain.Assignment{QuizID: "quiz-1", StudentID: "s2", School: "south", StudentName: "Bob"})

	_ = store.CreateAttempt(ctx, domain.Attempt{ID: "a1", QuizID: "quiz-1", StudentID: "s1", Status: domain.AttemptInProgress})
	_ = store.CreateAttempt(ctx, domain.Attempt{ID: "a2", QuizID: "quiz-1", StudentID: "s2", Status: domain.AttemptInProgress})
	_ = store.CreateAttempt(ctx, domain.Attempt{ID: "a3", QuizID: "quiz-1", StudentID: "s1", Status: domain.AttemptCompleted})

	all, err := store.ListInProgress(ctx, domain.AttemptFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 in-progress attempts, got %d err=%v", len(all), err)
	}

	north, _ := store.ListInProgress(ctx, domain.AttemptFilter{School: "north"})
	if len(north) != 1 || north[0].ID != "a1" {
		t.Fatalf("school filter failed: %+v", north)
	}

	byName, _ := store.ListInProgress(ctx, domain.AttemptFilter{StudentName: "bob"})
	if len(byName) != 1 || byName[0].ID != "a2" {
		t.Fatalf("name filter failed: %+v", byName)
	}
}
