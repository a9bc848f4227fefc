package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quiz-attempt-service/internal/domain"
)

// AttemptStore is the persistence contract the coordinator needs for attempt
// and assignment records (in-memory, Postgres, etc).
type AttemptStore interface {
	GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error)
	FindAttempt(ctx context.Context, quizID, studentID string) (domain.Attempt, error)
	CreateAttempt(ctx context.Context, attempt domain.Attempt) error
	SaveState(ctx context.Context, attemptID string, state domain.AttemptState, syncedAt time.Time) error
	CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, score float64) error
	DeleteAttempt(ctx context.Context, attemptID string) error
	GetAssignment(ctx context.Context, quizID, studentID string) (domain.Assignment, error)
	SetAssignmentStatus(ctx context.Context, quizID, studentID string, status domain.AssignmentStatus) error
	ListInProgress(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// AnswerKeyRepository resolves correct answers for grading.
type AnswerKeyRepository interface {
	FetchAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error)
}

// StatsUpdater is the fire-and-forget statistics hook invoked on completion.
// Failures are logged and swallowed; they never affect the grading result.
type StatsUpdater interface {
	RecordCompletion(ctx context.Context, attempt domain.Attempt, result domain.GradeResult) error
}

// SessionService is the single authority over attempt lifecycle transitions:
// it starts and restores timers, reconciles synced state, grades submissions
// (manual and expiry-triggered), and serves the admin override surface.
type SessionService struct {
	store     AttemptStore
	quizzes   QuizRepository
	keys      AnswerKeyRepository
	stats     StatsUpdater
	timers    *TimerRegistry
	observers BroadcastRegistry
	clock     func() time.Time
	newID     func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionService(store AttemptStore, quizzes QuizRepository, keys AnswerKeyRepository, stats StatsUpdater, timers *TimerRegistry, observers BroadcastRegistry) *SessionService {
	return &SessionService{
		store:     store,
		quizzes:   quizzes,
		keys:      keys,
		stats:     stats,
		timers:    timers,
		observers: observers,
		clock:     time.Now,
		newID:     uuid.NewString,
		locks:     make(map[string]*sync.Mutex),
	}
}

// WithClock is test-only for deterministic timestamps.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.clock = now
	return s
}

// StartResult is returned to the student when a session begins.
type StartResult struct {
	AttemptID    string                    `json:"attempt_id"`
	QuizID       string                    `json:"quiz_id"`
	QuizTitle    string                    `json:"quiz_title"`
	TotalTimeSec int                       `json:"total_time"`
	RemainingSec int                       `json:"remaining_time"`
	Questions    []domain.QuestionSnapshot `json:"questions"`
}

// ResumeResult reports either a restored session or, when time already ran
// out, the auto-submitted grade.
type ResumeResult struct {
	Attempt       domain.Attempt      `json:"attempt"`
	RemainingSec  int                 `json:"remaining_time"`
	AutoSubmitted bool                `json:"auto_submitted"`
	Grade         *domain.GradeResult `json:"grade,omitempty"`
}

// AttemptView is the read model for get_attempt, enriched with correct
// answers once the attempt is completed.
type AttemptView struct {
	Attempt        domain.Attempt      `json:"attempt"`
	RemainingSec   int                 `json:"remaining_time"`
	CorrectAnswers map[string][]string `json:"correct_answers,omitempty"`
}

// StartSession begins a new attempt for an assigned quiz: freezes the
// question snapshot (shuffled deterministically per student when the
// assignment asks for it), persists the attempt, advances the assignment and
// starts the countdown.
func (s *SessionService) StartSession(ctx context.Context, user domain.User, quizID string) (StartResult, error) {
	if err := authorize(user); err != nil {
		return StartResult{}, err
	}

	assignment, err := s.store.GetAssignment(ctx, quizID, user.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return StartResult{}, domain.ErrNotAssigned
	}
	if err != nil {
		return StartResult{}, storageErr(err)
	}
	switch assignment.Status {
	case domain.AssignmentInProgress:
		return StartResult{}, domain.ErrAlreadyInProgress
	case domain.AssignmentCompleted:
		return StartResult{}, domain.ErrAlreadyCompleted
	}

	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return StartResult{}, storageErr(err)
	}

	snapshot := freezeQuestions(quiz.Questions)
	if assignment.Shuffle {
		snapshot = ShuffleQuestions(quizID, user.ID, snapshot)
	}

	now := s.clock()
	attempt := domain.Attempt{
		ID:        s.newID(),
		QuizID:    quizID,
		StudentID: user.ID,
		Status:    domain.AttemptInProgress,
		StartedAt: now,
		State: domain.AttemptState{
			QuizID:    quizID,
			Questions: snapshot,
		},
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return StartResult{}, storageErr(err)
	}
	if err := s.store.SetAssignmentStatus(ctx, quizID, user.ID, domain.AssignmentInProgress); err != nil {
		return StartResult{}, storageErr(err)
	}

	total := effectiveTotal(quiz.TotalTimeSec, nil)
	s.startTimer(attempt.ID, user.ID, quizID, total, total)
	s.publishGlobal(Event{Type: "attempt_started", AttemptID: attempt.ID, At: now, Payload: domain.LiveAttempt{
		AttemptID: attempt.ID, QuizID: quizID, StudentID: user.ID, StartedAt: now,
		RemainingSec: total, LiveTimer: true,
	}})

	return StartResult{
		AttemptID:    attempt.ID,
		QuizID:       quizID,
		QuizTitle:    quiz.Title,
		TotalTimeSec: total,
		RemainingSec: total,
		Questions:    snapshot,
	}, nil
}

// ResumeSession recomputes remaining time from persisted anchors and either
// restarts the live countdown or, when time already expired (possibly while
// the process was down), auto-submits immediately.
func (s *SessionService) ResumeSession(ctx context.Context, user domain.User, attemptID string) (ResumeResult, error) {
	if err := authorize(user); err != nil {
		return ResumeResult{}, err
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return ResumeResult{}, storageErr(err)
	}
	if attempt.StudentID != user.ID {
		return ResumeResult{}, domain.ErrForbidden
	}
	if attempt.Status != domain.AttemptInProgress {
		return ResumeResult{}, domain.ErrAlreadyCompleted
	}

	quizTotal := s.quizTotal(ctx, attempt.QuizID)
	remaining := RemainingSeconds(s.clock(), attempt.StartedAt, quizTotal, attempt.State.TimerOverride)
	if remaining <= 0 {
		result, err := s.finalize(ctx, attemptID)
		if err != nil {
			return ResumeResult{}, err
		}
		attempt, _ = s.store.GetAttempt(ctx, attemptID)
		return ResumeResult{Attempt: attempt, AutoSubmitted: true, Grade: &result}, nil
	}

	total := effectiveTotal(quizTotal, attempt.State.TimerOverride)
	s.startTimer(attemptID, attempt.StudentID, attempt.QuizID, remaining, total)
	return ResumeResult{Attempt: attempt, RemainingSec: remaining}, nil
}

// SyncState merges a client's partial state into the stored one and
// broadcasts the merged result to every observer of the attempt.
func (s *SessionService) SyncState(ctx context.Context, user domain.User, attemptID string, incoming domain.AttemptState) (domain.AttemptState, error) {
	if err := authorize(user); err != nil {
		return domain.AttemptState{}, err
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.AttemptState{}, storageErr(err)
	}
	if attempt.StudentID != user.ID {
		return domain.AttemptState{}, domain.ErrForbidden
	}
	if attempt.Status != domain.AttemptInProgress {
		return domain.AttemptState{}, domain.ErrAlreadyCompleted
	}

	merged := MergeState(attempt.State, incoming)
	now := s.clock()
	if err := s.store.SaveState(ctx, attemptID, merged, now); err != nil {
		return domain.AttemptState{}, storageErr(err)
	}
	s.publish(attemptID, Event{Type: "state_update", AttemptID: attemptID, Payload: merged, At: now})
	return merged, nil
}

// SubmitSession grades and completes an attempt on the student's request.
func (s *SessionService) SubmitSession(ctx context.Context, user domain.User, attemptID string) (domain.GradeResult, error) {
	if err := authorize(user); err != nil {
		return domain.GradeResult{}, err
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.GradeResult{}, storageErr(err)
	}
	if attempt.StudentID != user.ID {
		return domain.GradeResult{}, domain.ErrForbidden
	}
	return s.finalize(ctx, attemptID)
}

// GetAttempt returns an attempt with its computed remaining time, visible to
// the owning student and to teachers/admins. Correct answers are attached
// only after completion.
func (s *SessionService) GetAttempt(ctx context.Context, user domain.User, attemptID string) (AttemptView, error) {
	if err := authorize(user); err != nil {
		return AttemptView{}, err
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return AttemptView{}, storageErr(err)
	}
	if attempt.StudentID != user.ID && authorize(user, domain.RoleTeacher, domain.RoleAdmin) != nil {
		return AttemptView{}, domain.ErrForbidden
	}

	view := AttemptView{Attempt: attempt}
	if attempt.Status == domain.AttemptInProgress {
		if remaining, ok := s.timers.Remaining(attemptID); ok {
			view.RemainingSec = remaining
		} else {
			view.RemainingSec = RemainingSeconds(s.clock(), attempt.StartedAt, s.quizTotal(ctx, attempt.QuizID), attempt.State.TimerOverride)
		}
		return view, nil
	}

	keys, err := s.keys.FetchAnswerKeys(ctx, questionIDs(attempt.State.Questions))
	if err != nil {
		return AttemptView{}, storageErr(err)
	}
	view.CorrectAnswers = keys
	return view, nil
}

// ResetTimer cancels any running countdown, persists a timer override
// anchored at now, and starts a fresh live session. newDurationSec <= 0
// falls back to the quiz's nominal duration.
func (s *SessionService) ResetTimer(ctx context.Context, user domain.User, attemptID string, newDurationSec int) (int, error) {
	if err := authorize(user, domain.RoleTeacher, domain.RoleAdmin); err != nil {
		return 0, err
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, storageErr(err)
	}
	return s.resetTimer(ctx, attempt, newDurationSec)
}

func (s *SessionService) resetTimer(ctx context.Context, attempt domain.Attempt, newDurationSec int) (int, error) {
	if attempt.Status != domain.AttemptInProgress {
		return 0, domain.ErrAlreadyCompleted
	}

	total := newDurationSec
	if total <= 0 {
		total = effectiveTotal(s.quizTotal(ctx, attempt.QuizID), nil)
	}
	now := s.clock()
	state := attempt.State
	state.TimerOverride = &domain.TimerOverride{TotalDurationSec: total, ResetAt: now}
	if err := s.store.SaveState(ctx, attempt.ID, state, now); err != nil {
		return 0, storageErr(err)
	}

	s.startTimer(attempt.ID, attempt.StudentID, attempt.QuizID, total, total)
	ev := Event{Type: "timer_reset", AttemptID: attempt.ID, Payload: map[string]int{"remaining_time": total}, At: now}
	s.publish(attempt.ID, ev)
	s.publishGlobal(ev)
	return total, nil
}

// ResetAssignment deletes the student's attempt (if any), cancels its timer
// and returns the assignment to "assigned" so the quiz can be retaken.
func (s *SessionService) ResetAssignment(ctx context.Context, user domain.User, quizID, studentID string) error {
	if err := authorize(user, domain.RoleTeacher, domain.RoleAdmin); err != nil {
		return err
	}
	return s.resetAssignment(ctx, quizID, studentID)
}

func (s *SessionService) resetAssignment(ctx context.Context, quizID, studentID string) error {
	if _, err := s.store.GetAssignment(ctx, quizID, studentID); err != nil {
		return storageErr(err)
	}

	attempt, err := s.store.FindAttempt(ctx, quizID, studentID)
	switch {
	case err == nil:
		s.timers.Cancel(attempt.ID)
		if err := s.store.DeleteAttempt(ctx, attempt.ID); err != nil {
			return storageErr(err)
		}
		ev := Event{Type: "attempt_reset", AttemptID: attempt.ID, At: s.clock()}
		s.publish(attempt.ID, ev)
		s.publishGlobal(ev)
	case errors.Is(err, domain.ErrNotFound):
		// No attempt yet; only the assignment status needs rewinding.
	default:
		return storageErr(err)
	}

	return storageErr(s.store.SetAssignmentStatus(ctx, quizID, studentID, domain.AssignmentAssigned))
}

// MassResetTimers applies ResetTimer to every in-progress attempt matching
// the filter. Per-item failures are counted and reported, never fatal.
func (s *SessionService) MassResetTimers(ctx context.Context, user domain.User, filter domain.AttemptFilter, newDurationSec int) (domain.MassOpResult, error) {
	if err := authorize(user, domain.RoleAdmin); err != nil {
		return domain.MassOpResult{}, err
	}
	attempts, err := s.store.ListInProgress(ctx, filter)
	if err != nil {
		return domain.MassOpResult{}, storageErr(err)
	}

	result := domain.MassOpResult{Matched: len(attempts)}
	for _, attempt := range attempts {
		if _, err := s.resetTimer(ctx, attempt, newDurationSec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", attempt.ID, err))
			continue
		}
		result.OK++
	}
	return result, nil
}

// MassResetAssignments applies ResetAssignment to every in-progress attempt
// matching the filter.
func (s *SessionService) MassResetAssignments(ctx context.Context, user domain.User, filter domain.AttemptFilter) (domain.MassOpResult, error) {
	if err := authorize(user, domain.RoleAdmin); err != nil {
		return domain.MassOpResult{}, err
	}
	attempts, err := s.store.ListInProgress(ctx, filter)
	if err != nil {
		return domain.MassOpResult{}, storageErr(err)
	}

	result := domain.MassOpResult{Matched: len(attempts)}
	for _, attempt := range attempts {
		if err := s.resetAssignment(ctx, attempt.QuizID, attempt.StudentID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", attempt.ID, err))
			continue
		}
		result.OK++
	}
	return result, nil
}

// ListLiveAttempts reports every in-progress attempt with its remaining and
// elapsed time, preferring the live countdown and falling back to persisted
// timestamp arithmetic when no in-memory session exists (e.g. right after a
// restart).
func (s *SessionService) ListLiveAttempts(ctx context.Context, user domain.User, filter domain.AttemptFilter) ([]domain.LiveAttempt, error) {
	if err := authorize(user, domain.RoleTeacher, domain.RoleAdmin); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListInProgress(ctx, filter)
	if err != nil {
		return nil, storageErr(err)
	}

	now := s.clock()
	totals := make(map[string]int)
	live := make([]domain.LiveAttempt, 0, len(attempts))
	for _, attempt := range attempts {
		quizTotal, ok := totals[attempt.QuizID]
		if !ok {
			quizTotal = s.quizTotal(ctx, attempt.QuizID)
			totals[attempt.QuizID] = quizTotal
		}
		total := effectiveTotal(quizTotal, attempt.State.TimerOverride)

		remaining, fromTimer := s.timers.Remaining(attempt.ID)
		if !fromTimer {
			remaining = RemainingSeconds(now, attempt.StartedAt, quizTotal, attempt.State.TimerOverride)
		}
		live = append(live, domain.LiveAttempt{
			AttemptID:    attempt.ID,
			QuizID:       attempt.QuizID,
			StudentID:    attempt.StudentID,
			StartedAt:    attempt.StartedAt,
			RemainingSec: remaining,
			ElapsedSec:   total - remaining,
			LiveTimer:    fromTimer,
		})
	}
	return live, nil
}

// Observe attaches an observer to a broadcast scope (an attempt id or
// GlobalScope). The cancel function must be called to release the scope.
func (s *SessionService) Observe(scopeID string) (<-chan Event, func()) {
	b := s.observers.GetOrCreate(scopeID)
	ch, cancel := b.Subscribe()
	return ch, func() {
		cancel()
		s.observers.DeleteIfEmpty(scopeID)
	}
}

// startTimer enforces the clear-then-create discipline and wires ticks and
// expiry into broadcasts and auto-submission.
func (s *SessionService) startTimer(attemptID, studentID, quizID string, remainingSec, totalSec int) {
	s.timers.Start(attemptID, studentID, quizID, remainingSec, totalSec,
		func(id string, remaining int) {
			s.publish(id, Event{Type: "timer_update", AttemptID: id, Payload: map[string]int{"remaining_time": remaining}, At: s.clock()})
		},
		s.autoSubmit,
	)
}

// autoSubmit runs in the timer goroutine when a countdown hits zero. A race
// with a manual submit is resolved inside finalize; losing that race is not
// an error.
func (s *SessionService) autoSubmit(attemptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.finalize(ctx, attemptID); err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
		log.Printf("auto-submit attempt %s: %v", attemptID, err)
	}
}

// finalize is the single completion path shared by manual submit, timer
// expiry and expired-resume detection. It re-reads the persisted status
// under a per-attempt lock immediately before grading, so exactly one
// completion ever happens per attempt.
func (s *SessionService) finalize(ctx context.Context, attemptID string) (domain.GradeResult, error) {
	lock := s.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()
	defer s.releaseLock(attemptID)

	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.GradeResult{}, storageErr(err)
	}
	if attempt.Status != domain.AttemptInProgress {
		return domain.GradeResult{}, domain.ErrAlreadyCompleted
	}
	questions := attempt.State.Questions
	if len(questions) == 0 {
		return domain.GradeResult{}, domain.ErrNoQuestions
	}

	keys, err := s.keys.FetchAnswerKeys(ctx, questionIDs(questions))
	if err != nil {
		return domain.GradeResult{}, storageErr(err)
	}
	result := Grade(questions, keys)

	now := s.clock()
	// The store only completes in_progress rows, so even two finalizers
	// holding distinct locks for the same attempt commit at most once.
	if err := s.store.CompleteAttempt(ctx, attemptID, now, result.Score); err != nil {
		if errors.Is(err, domain.ErrAlreadyCompleted) {
			return domain.GradeResult{}, domain.ErrAlreadyCompleted
		}
		return domain.GradeResult{}, storageErr(err)
	}
	if err := s.store.SetAssignmentStatus(ctx, attempt.QuizID, attempt.StudentID, domain.AssignmentCompleted); err != nil {
		return domain.GradeResult{}, storageErr(err)
	}
	s.timers.Cancel(attemptID)

	ev := Event{Type: "quiz_submitted", AttemptID: attemptID, Payload: result, At: now}
	s.publish(attemptID, ev)
	s.publishGlobal(ev)

	if s.stats != nil {
		attempt.Status = domain.AttemptCompleted
		attempt.FinishedAt = &now
		score := result.Score
		attempt.Score = &score
		go func(attempt domain.Attempt, result domain.GradeResult) {
			statsCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.stats.RecordCompletion(statsCtx, attempt, result); err != nil {
				log.Printf("statistics update for attempt %s failed: %v", attempt.ID, err)
			}
		}(attempt, result)
	}
	return result, nil
}

func (s *SessionService) attemptLock(attemptID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[attemptID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[attemptID] = lock
	}
	return lock
}

func (s *SessionService) releaseLock(attemptID string) {
	s.mu.Lock()
	delete(s.locks, attemptID)
	s.mu.Unlock()
}

// quizTotal resolves the quiz's nominal duration, tolerating lookup failures
// so monitoring and resume can fall back to the default.
func (s *SessionService) quizTotal(ctx context.Context, quizID string) int {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		log.Printf("quiz %s lookup failed, using default duration: %v", quizID, err)
		return 0
	}
	return quiz.TotalTimeSec
}

func (s *SessionService) publish(attemptID string, ev Event) {
	if b, ok := s.observers.Get(attemptID); ok {
		b.Publish(ev)
	}
}

func (s *SessionService) publishGlobal(ev Event) {
	if b, ok := s.observers.Get(GlobalScope); ok {
		b.Publish(ev)
	}
}

// authorize is the capability check used uniformly by every operation: no
// roles means "any authenticated user".
func authorize(user domain.User, roles ...domain.Role) error {
	if user.ID == "" {
		return domain.ErrNotAuthenticated
	}
	for _, role := range roles {
		if user.Role == role {
			return nil
		}
	}
	if len(roles) == 0 {
		return nil
	}
	return domain.ErrForbidden
}

func effectiveTotal(quizTotalSec int, override *domain.TimerOverride) int {
	if override != nil && override.TotalDurationSec > 0 {
		return override.TotalDurationSec
	}
	if quizTotalSec > 0 {
		return quizTotalSec
	}
	return DefaultDurationSec
}

func freezeQuestions(questions []domain.Question) []domain.QuestionSnapshot {
	snapshot := make([]domain.QuestionSnapshot, 0, len(questions))
	for _, q := range questions {
		snapshot = append(snapshot, domain.QuestionSnapshot{
			ID:       q.ID,
			Text:     q.Text,
			Type:     q.Type,
			Options:  q.Options,
			ImageURL: q.ImageURL,
		})
	}
	return snapshot
}

func questionIDs(questions []domain.QuestionSnapshot) []string {
	ids := make([]string, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.ID)
	}
	return ids
}

func storageErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrQuizNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorage, err)
}
