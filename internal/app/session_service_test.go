package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
)

var (
	student = domain.User{ID: "student-1", Name: "Alice", Role: domain.RoleStudent}
	teacher = domain.User{ID: "teacher-1", Role: domain.RoleTeacher}
	admin   = domain.User{ID: "admin-1", Role: domain.RoleAdmin}
)

type testEnv struct {
	service   *app.SessionService
	store     *memory.AttemptStore
	timers    *app.TimerRegistry
	observers *memory.BroadcastRegistry
	loader    *memory.StaticQuizLoader

	mu  sync.Mutex
	now time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     memory.NewAttemptStore(),
		observers: memory.NewBroadcastRegistry(),
		now:       time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
	}
	// Hour-long ticks keep countdowns inert so tests drive time explicitly.
	env.timers = app.NewTimerRegistryWithTick(env.clock, time.Hour)

	loader := memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID:           "quiz-1",
			Title:        "Sample quiz",
			TotalTimeSec: 300,
			Questions: []domain.Question{
				{ID: "q1", Text: "first", Type: "single", Correct: []string{"b"}},
				{ID: "q2", Text: "second", Type: "single", Correct: []string{"b"}},
				{ID: "q3", Text: "third", Type: "single", Correct: []string{"a"}},
			},
		},
	})
	env.store.SeedAssignment(domain.Assignment{
		QuizID: "quiz-1", StudentID: student.ID, StudentName: "Alice", School: "north",
	})

	env.loader = loader
	quizzes := memory.NewQuizRepository(loader, time.Minute)
	env.service = app.NewSessionService(env.store, quizzes, loader, nil, env.timers, env.observers).
		WithClock(env.clock)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func TestStartSessionRequiresAssignment(t *testing.T) {
	env := newTestEnv()

	_, err := env.service.StartSession(context.Background(), domain.User{ID: "stranger", Role: domain.RoleStudent}, "quiz-1")
	if !errors.Is(err, domain.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}

	_, err = env.service.StartSession(context.Background(), domain.User{}, "quiz-1")
	if !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestStartSessionFreezesQuestionsAndStartsTimer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	result, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(result.Questions) != 3 || result.RemainingSec != 300 {
		t.Fatalf("unexpected start result: %+v", result)
	}
	for _, q := range result.Questions {
		if q.Answer != nil {
			t.Fatalf("question snapshot leaked answers: %+v", q)
		}
	}

	if remaining, ok := env.timers.Remaining(result.AttemptID); !ok || remaining != 300 {
		t.Fatalf("expected live timer at 300, got %d ok=%v", remaining, ok)
	}
	assignment, _ := env.store.GetAssignment(ctx, "quiz-1", student.ID)
	if assignment.Status != domain.AssignmentInProgress {
		t.Fatalf("assignment not advanced: %s", assignment.Status)
	}

	// A second start while in progress is rejected.
	if _, err := env.service.StartSession(ctx, student, "quiz-1"); !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestSubmitSessionGradesScenario(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = env.service.SyncState(ctx, student, started.AttemptID, domain.AttemptState{
		Questions: []domain.QuestionSnapshot{
			{ID: "q1", Answer: []string{"b"}},
			{ID: "q2", Answer: nil},
			{ID: "q3", Answer: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	result, err := env.service.SubmitSession(ctx, student, started.AttemptID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Earned != 2 || result.Total != 3 || result.Unanswered != 1 || result.Score != 66.67 {
		t.Fatalf("unexpected grade: %+v", result)
	}

	attempt, _ := env.store.GetAttempt(ctx, started.AttemptID)
	if attempt.Status != domain.AttemptCompleted || attempt.Score == nil || *attempt.Score != 66.67 {
		t.Fatalf("attempt not completed with score: %+v", attempt)
	}
	assignment, _ := env.store.GetAssignment(ctx, "quiz-1", student.ID)
	if assignment.Status != domain.AssignmentCompleted {
		t.Fatalf("assignment not completed: %s", assignment.Status)
	}
	if _, ok := env.timers.Remaining(started.AttemptID); ok {
		t.Fatalf("timer should be cancelled after submit")
	}
}

func TestSubmitSessionIsIdempotentUnderRace(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	outcomes := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.SubmitSession(ctx, student, started.AttemptID)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	var ok, conflict int
	for err := range outcomes {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyCompleted):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected exactly one completion, got ok=%d conflict=%d", ok, conflict)
	}
}

func TestResumeAfterRestartAutoSubmitsExpired(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Process restart: all in-memory registries are gone, time moves on past
	// the quiz duration.
	env.timers.DropAll()
	env.advance(301 * time.Second)

	result, err := env.service.ResumeSession(ctx, student, started.AttemptID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.AutoSubmitted || result.Grade == nil {
		t.Fatalf("expected auto-submission, got %+v", result)
	}
	if result.Attempt.Status != domain.AttemptCompleted {
		t.Fatalf("attempt should be completed, got %s", result.Attempt.Status)
	}

	// A second resume finds the attempt already graded: exactly one
	// completion happened.
	if _, err := env.service.ResumeSession(ctx, student, started.AttemptID); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestResumeRestartsTimerFromPersistedAnchor(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.timers.DropAll()
	env.advance(100 * time.Second)

	result, err := env.service.ResumeSession(ctx, student, started.AttemptID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.AutoSubmitted || result.RemainingSec != 200 {
		t.Fatalf("expected 200s remaining, got %+v", result)
	}
	if remaining, ok := env.timers.Remaining(started.AttemptID); !ok || remaining != 200 {
		t.Fatalf("live timer not recreated at 200, got %d ok=%v", remaining, ok)
	}

	if _, err := env.service.ResumeSession(ctx, teacher, started.AttemptID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
}

func TestResetTimerOverridesAnchor(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.advance(250 * time.Second)

	if _, err := env.service.ResetTimer(ctx, student, started.AttemptID, 120); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("student must not reset timers, got %v", err)
	}

	remaining, err := env.service.ResetTimer(ctx, teacher, started.AttemptID, 120)
	if err != nil {
		t.Fatalf("reset timer: %v", err)
	}
	if remaining != 120 {
		t.Fatalf("expected 120s after reset, got %d", remaining)
	}

	// The override survives a restart: recomputation from persisted fields
	// yields the new duration regardless of the original started_at.
	env.timers.DropAll()
	view, err := env.service.GetAttempt(ctx, teacher, started.AttemptID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if view.RemainingSec != 120 {
		t.Fatalf("expected 120s from persisted override, got %d", view.RemainingSec)
	}
}

func TestResetAssignmentDeletesAttempt(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.service.ResetAssignment(ctx, admin, "quiz-1", student.ID); err != nil {
		t.Fatalf("reset assignment: %v", err)
	}
	if _, err := env.store.GetAttempt(ctx, started.AttemptID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("attempt should be deleted, got %v", err)
	}
	if _, ok := env.timers.Remaining(started.AttemptID); ok {
		t.Fatalf("timer should be cancelled")
	}
	assignment, _ := env.store.GetAssignment(ctx, "quiz-1", student.ID)
	if assignment.Status != domain.AssignmentAssigned {
		t.Fatalf("assignment should rewind to assigned, got %s", assignment.Status)
	}

	// The student can take the quiz again.
	if _, err := env.service.StartSession(ctx, student, "quiz-1"); err != nil {
		t.Fatalf("restart after reset: %v", err)
	}
}

func TestMassResetTimersReportsPerItemCounts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.store.SeedAssignment(domain.Assignment{
		QuizID: "quiz-1", StudentID: "student-2", StudentName: "Bob", School: "south",
	})
	if _, err := env.service.StartSession(ctx, student, "quiz-1"); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	other := domain.User{ID: "student-2", Role: domain.RoleStudent}
	if _, err := env.service.StartSession(ctx, other, "quiz-1"); err != nil {
		t.Fatalf("start 2: %v", err)
	}

	if _, err := env.service.MassResetTimers(ctx, teacher, domain.AttemptFilter{}, 60); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("mass ops are admin-only, got %v", err)
	}

	result, err := env.service.MassResetTimers(ctx, admin, domain.AttemptFilter{School: "north"}, 60)
	if err != nil {
		t.Fatalf("mass reset: %v", err)
	}
	if result.Matched != 1 || result.OK != 1 || result.Failed != 0 {
		t.Fatalf("expected 1/1/0 for filtered reset, got %+v", result)
	}

	result, err = env.service.MassResetAssignments(ctx, admin, domain.AttemptFilter{})
	if err != nil {
		t.Fatalf("mass reset assignments: %v", err)
	}
	if result.Matched != 2 || result.OK != 2 {
		t.Fatalf("expected both attempts reset, got %+v", result)
	}
}

func TestListLiveAttemptsFallsBackAfterRestart(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	live, err := env.service.ListLiveAttempts(ctx, teacher, domain.AttemptFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 1 || !live[0].LiveTimer || live[0].RemainingSec != 300 {
		t.Fatalf("expected one live-timer attempt at 300s, got %+v", live)
	}

	env.timers.DropAll()
	env.advance(40 * time.Second)

	live, err = env.service.ListLiveAttempts(ctx, admin, domain.AttemptFilter{})
	if err != nil {
		t.Fatalf("list after restart: %v", err)
	}
	if len(live) != 1 || live[0].LiveTimer || live[0].RemainingSec != 260 || live[0].ElapsedSec != 40 {
		t.Fatalf("expected persisted-arithmetic fallback at 260s, got %+v", live)
	}
	if live[0].AttemptID != started.AttemptID {
		t.Fatalf("unexpected attempt in listing: %+v", live[0])
	}

	if _, err := env.service.ListLiveAttempts(ctx, student, domain.AttemptFilter{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("students must not monitor, got %v", err)
	}
}

func TestSyncStateBroadcastsToObservers(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events, cancel := env.service.Observe(started.AttemptID)
	defer cancel()

	if _, err := env.service.SyncState(ctx, student, started.AttemptID, domain.AttemptState{
		Questions: []domain.QuestionSnapshot{{ID: "q1", Answer: []string{"b"}}},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != "state_update" || ev.AttemptID != started.AttemptID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("observer never received state_update")
	}

	if _, err := env.service.SyncState(ctx, teacher, started.AttemptID, domain.AttemptState{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner sync, got %v", err)
	}
}

func TestGetAttemptRevealsAnswersOnlyWhenCompleted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	started, err := env.service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	view, err := env.service.GetAttempt(ctx, student, started.AttemptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.CorrectAnswers != nil {
		t.Fatalf("in-progress attempt must not reveal answers")
	}
	if view.RemainingSec <= 0 {
		t.Fatalf("expected positive remaining time, got %d", view.RemainingSec)
	}

	if _, err := env.service.GetAttempt(ctx, domain.User{ID: "student-2", Role: domain.RoleStudent}, started.AttemptID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other student, got %v", err)
	}

	if _, err := env.service.SubmitSession(ctx, student, started.AttemptID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err = env.service.GetAttempt(ctx, student, started.AttemptID)
	if err != nil {
		t.Fatalf("get after submit: %v", err)
	}
	if len(view.CorrectAnswers) != 3 || view.CorrectAnswers["q3"][0] != "a" {
		t.Fatalf("completed attempt should reveal the answer key, got %+v", view.CorrectAnswers)
	}
}

// flakyAnswerKeys fails a set number of fetches before delegating, modelling
// a key backend outage mid-submit.
type flakyAnswerKeys struct {
	inner app.AnswerKeyRepository

	mu       sync.Mutex
	failures int
}

func (f *flakyAnswerKeys) FetchAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("answer key backend unavailable")
	}
	return f.inner.FetchAnswerKeys(ctx, questionIDs)
}

func TestSubmitRetryAfterKeyOutageCompletesOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	keys := &flakyAnswerKeys{inner: env.loader, failures: 1}
	service := app.NewSessionService(env.store, memory.NewQuizRepository(env.loader, time.Minute), keys, nil, env.timers, env.observers).
		WithClock(env.clock)

	started, err := service.StartSession(ctx, student, "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The outage surfaces as a storage failure and leaves the attempt open.
	if _, err := service.SubmitSession(ctx, student, started.AttemptID); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage during outage, got %v", err)
	}
	attempt, _ := env.store.GetAttempt(ctx, started.AttemptID)
	if attempt.Status != domain.AttemptInProgress {
		t.Fatalf("failed submit must not complete the attempt, got %s", attempt.Status)
	}

	// Racing retries after recovery still commit exactly once.
	var wg sync.WaitGroup
	outcomes := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.SubmitSession(ctx, student, started.AttemptID)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	var ok, conflict int
	for err := range outcomes {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyCompleted):
			conflict++
		default:
			t.Fatalf("unexpected retry error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected exactly one completion, got ok=%d conflict=%d", ok, conflict)
	}
	attempt, _ = env.store.GetAttempt(ctx, started.AttemptID)
	if attempt.Status != domain.AttemptCompleted || attempt.Score == nil {
		t.Fatalf("attempt not completed after retry: %+v", attempt)
	}
}
