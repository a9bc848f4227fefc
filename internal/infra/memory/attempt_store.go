package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"quiz-attempt-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptStore, used by
// tests and by the server when no Postgres URL is configured.
type AttemptStore struct {
	mu          sync.RWMutex
	attempts    map[string]domain.Attempt
	assignments map[string]domain.Assignment
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts:    make(map[string]domain.Attempt),
		assignments: make(map[string]domain.Assignment),
	}
}

// SeedAssignment registers an assignment (demo/server bootstrap and tests).
func (s *AttemptStore) SeedAssignment(assignment domain.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if assignment.Status == "" {
		assignment.Status = domain.AssignmentAssigned
	}
	s.assignments[assignmentKey(assignment.QuizID, assignment.StudentID)] = assignment
}

func (s *AttemptStore) GetAttempt(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrNotFound
	}
	return cloneAttempt(attempt), nil
}

func (s *AttemptStore) FindAttempt(_ context.Context, quizID, studentID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, attempt := range s.attempts {
		if attempt.QuizID == quizID && attempt.StudentID == studentID {
			return cloneAttempt(attempt), nil
		}
	}
	return domain.Attempt{}, domain.ErrNotFound
}

func (s *AttemptStore) CreateAttempt(_ context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (s *AttemptStore) SaveState(_ context.Context, attemptID string, state domain.AttemptState, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.ErrNotFound
	}
	attempt.State = cloneState(state)
	attempt.LastSyncedAt = &syncedAt
	s.attempts[attemptID] = attempt
	return nil
}

func (s *AttemptStore) CompleteAttempt(_ context.Context, attemptID string, finishedAt time.Time, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.ErrNotFound
	}
	if attempt.Status != domain.AttemptInProgress {
		return domain.ErrAlreadyCompleted
	}
	attempt.Status = domain.AttemptCompleted
	attempt.FinishedAt = &finishedAt
	attempt.Score = &score
	s.attempts[attemptID] = attempt
	return nil
}

func (s *AttemptStore) DeleteAttempt(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attemptID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.attempts, attemptID)
	return nil
}

func (s *AttemptStore) GetAssignment(_ context.Context, quizID, studentID string) (domain.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignment, ok := s.assignments[assignmentKey(quizID, studentID)]
	if !ok {
		return domain.Assignment{}, domain.ErrNotFound
	}
	return assignment, nil
}

func (s *AttemptStore) SetAssignmentStatus(_ context.Context, quizID, studentID string, status domain.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(quizID, studentID)
	assignment, ok := s.assignments[key]
	if !ok {
		return domain.ErrNotFound
	}
	assignment.Status = status
	s.assignments[key] = assignment
	return nil
}

func (s *AttemptStore) ListInProgress(_ context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Attempt
	for _, attempt := range s.attempts {
		if attempt.Status != domain.AttemptInProgress {
			continue
		}
		if !s.matchesLocked(attempt, filter) {
			continue
		}
		out = append(out, cloneAttempt(attempt))
	}
	return out, nil
}

func (s *AttemptStore) matchesLocked(attempt domain.Attempt, filter domain.AttemptFilter) bool {
	if filter.QuizID != "" && attempt.QuizID != filter.QuizID {
		return false
	}
	assignment := s.assignments[assignmentKey(attempt.QuizID, attempt.StudentID)]
	if filter.School != "" && assignment.School != filter.School {
		return false
	}
	if filter.Class != "" && assignment.Class != filter.Class {
		return false
	}
	if filter.Section != "" && assignment.Section != filter.Section {
		return false
	}
	if filter.StudentName != "" && !strings.Contains(strings.ToLower(assignment.StudentName), strings.ToLower(filter.StudentName)) {
		return false
	}
	return true
}

func assignmentKey(quizID, studentID string) string {
	return quizID + "/" + studentID
}

func cloneAttempt(attempt domain.Attempt) domain.Attempt {
	out := attempt
	out.State = cloneState(attempt.State)
	return out
}

func cloneState(state domain.AttemptState) domain.AttemptState {
	out := state
	if state.CurrentQuestionIndex != nil {
		idx := *state.CurrentQuestionIndex
		out.CurrentQuestionIndex = &idx
	}
	if state.TimerOverride != nil {
		override := *state.TimerOverride
		out.TimerOverride = &override
	}
	out.Questions = make([]domain.QuestionSnapshot, len(state.Questions))
	copy(out.Questions, state.Questions)
	return out
}
