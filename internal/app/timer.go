package app

import (
	"sync"
	"time"

	"quiz-attempt-service/internal/domain"
)

// DefaultDurationSec is used when neither a timer override nor a quiz
// duration is available.
const DefaultDurationSec = 300

// RemainingSeconds is the canonical remaining-time formula. It is used
// identically at session start, resume, reconnect recovery and admin
// monitoring, so timer state is always reconstructible from persisted fields
// after a process restart.
func RemainingSeconds(now time.Time, startedAt time.Time, quizTotalSec int, override *domain.TimerOverride) int {
	total := quizTotalSec
	anchor := startedAt
	if override != nil {
		if override.TotalDurationSec > 0 {
			total = override.TotalDurationSec
		}
		if !override.ResetAt.IsZero() {
			anchor = override.ResetAt
		}
	}
	if total <= 0 {
		total = DefaultDurationSec
	}

	remaining := total - int(now.Sub(anchor)/time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LiveTimerSession is the in-memory countdown for one in-progress attempt.
// It is process-scoped and never persisted; after a restart it is rebuilt
// from the attempt's persisted anchor via RemainingSeconds.
type LiveTimerSession struct {
	AttemptID string
	StudentID string
	QuizID    string
	Anchor    time.Time
	TotalSec  int

	clock    func() time.Time
	tickUnit time.Duration
	initial  int
	stop     chan struct{}
}

// Remaining recomputes the countdown from the session anchor. Ticks only
// drive broadcasts; a ticker that falls behind under load never skews the
// reported value.
func (s *LiveTimerSession) Remaining() int {
	elapsed := int(s.clock().Sub(s.Anchor) / s.tickUnit)
	remaining := s.initial - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimerRegistry owns all live timer sessions, keyed by attempt id. At most
// one session exists per attempt: Start always cancels any prior session for
// the same id before creating a new one.
type TimerRegistry struct {
	clock    func() time.Time
	tickUnit time.Duration

	mu       sync.Mutex
	sessions map[string]*LiveTimerSession
}

func NewTimerRegistry() *TimerRegistry {
	return newTimerRegistry(time.Now, time.Second)
}

// NewTimerRegistryWithTick is test-only for deterministic clocks and fast
// ticks.
func NewTimerRegistryWithTick(clock func() time.Time, tickUnit time.Duration) *TimerRegistry {
	return newTimerRegistry(clock, tickUnit)
}

func newTimerRegistry(clock func() time.Time, tickUnit time.Duration) *TimerRegistry {
	return &TimerRegistry{
		clock:    clock,
		tickUnit: tickUnit,
		sessions: make(map[string]*LiveTimerSession),
	}
}

// Start creates the live countdown for an attempt, replacing any session
// already registered for that id. onTick fires once per tick with the cached
// remaining seconds; onExpire fires exactly once when the countdown reaches
// zero, after which the session removes itself.
func (r *TimerRegistry) Start(attemptID, studentID, quizID string, remainingSec, totalSec int, onTick func(attemptID string, remaining int), onExpire func(attemptID string)) *LiveTimerSession {
	r.Cancel(attemptID)

	session := &LiveTimerSession{
		AttemptID: attemptID,
		StudentID: studentID,
		QuizID:    quizID,
		Anchor:    r.clock(),
		TotalSec:  totalSec,
		clock:     r.clock,
		tickUnit:  r.tickUnit,
		initial:   remainingSec,
		stop:      make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[attemptID] = session
	r.mu.Unlock()

	go r.run(session, onTick, onExpire)
	return session
}

func (r *TimerRegistry) run(session *LiveTimerSession, onTick func(string, int), onExpire func(string)) {
	ticker := time.NewTicker(r.tickUnit)
	defer ticker.Stop()

	for {
		select {
		case <-session.stop:
			return
		case <-ticker.C:
			remaining := session.Remaining()
			if remaining <= 0 {
				// Self-cancel before auto-submit so a failing handler can
				// never leave a zombie ticker behind.
				r.remove(session.AttemptID, session)
				if onExpire != nil {
					onExpire(session.AttemptID)
				}
				return
			}
			if onTick != nil {
				onTick(session.AttemptID, remaining)
			}
		}
	}
}

// Cancel stops and removes the session for an attempt, if any.
func (r *TimerRegistry) Cancel(attemptID string) {
	r.mu.Lock()
	session, ok := r.sessions[attemptID]
	if ok {
		delete(r.sessions, attemptID)
	}
	r.mu.Unlock()
	if ok {
		close(session.stop)
	}
}

// remove deletes the entry only if it still maps to the given session, so a
// replacement started concurrently is left alone.
func (r *TimerRegistry) remove(attemptID string, session *LiveTimerSession) {
	r.mu.Lock()
	if current, ok := r.sessions[attemptID]; ok && current == session {
		delete(r.sessions, attemptID)
	}
	r.mu.Unlock()
}

// Remaining reports the cached countdown for an attempt, if a live session
// exists.
func (r *TimerRegistry) Remaining(attemptID string) (int, bool) {
	r.mu.Lock()
	session, ok := r.sessions[attemptID]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return session.Remaining(), true
}

// DropAll discards every live session without firing expiry handlers. It
// models what a process restart does to in-memory timer state.
func (r *TimerRegistry) DropAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*LiveTimerSession)
	r.mu.Unlock()
	for _, session := range sessions {
		close(session.stop)
	}
}
