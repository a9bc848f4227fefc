package domain

import "time"

// AttemptStatus enumerates the lifecycle states of an attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
)

// AssignmentStatus tracks how far a student is through an assigned quiz.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
)

// Role is the caller's capability level on a connection.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// User is the verified identity attached to a connection after authenticate.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// QuestionSnapshot is one question frozen into an attempt at start.
// Content fields are immutable after creation; only Answer mutates.
type QuestionSnapshot struct {
	ID       string   `json:"id"`
	Text     string   `json:"question_text"`
	Type     string   `json:"question_type"`
	Options  []string `json:"options,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Answer   []string `json:"answer,omitempty"` // nil means unanswered
}

// TimerOverride records an administrative timer reset. When present it
// supersedes the quiz's nominal duration and the attempt's StartedAt.
type TimerOverride struct {
	TotalDurationSec int       `json:"total_duration_sec"`
	ResetAt          time.Time `json:"reset_at"`
}

// AttemptState is the structured snapshot persisted inside an attempt.
type AttemptState struct {
	QuizID               string             `json:"quiz_id,omitempty"`
	CurrentQuestionIndex *int               `json:"current_question_index,omitempty"`
	CurrentQuestionID    string             `json:"current_question_id,omitempty"`
	Questions            []QuestionSnapshot `json:"questions"`
	TimerOverride        *TimerOverride     `json:"timer_override,omitempty"`
}

// Attempt is one student's instance of taking one quiz.
type Attempt struct {
	ID           string        `json:"id"`
	QuizID       string        `json:"quiz_id"`
	StudentID    string        `json:"student_id"`
	Status       AttemptStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Score        *float64      `json:"score,omitempty"`
	State        AttemptState  `json:"state"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
}

// Assignment grants a quiz to a student. The filter fields support the
// admin mass operations.
type Assignment struct {
	QuizID      string           `json:"quiz_id"`
	StudentID   string           `json:"student_id"`
	Status      AssignmentStatus `json:"status"`
	Shuffle     bool             `json:"shuffle,omitempty"`
	School      string           `json:"school,omitempty"`
	Class       string           `json:"class,omitempty"`
	Section     string           `json:"section,omitempty"`
	StudentName string           `json:"student_name,omitempty"`
}

// Question is authored quiz content, including its answer key.
type Question struct {
	ID       string   `json:"id"`
	Text     string   `json:"question_text"`
	Type     string   `json:"question_type"`
	Options  []string `json:"options,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Correct  []string `json:"correct_answers"`
}

// Quiz is a collection of questions with a nominal time limit.
type Quiz struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	TotalTimeSec int        `json:"total_time"` // defaults to 300 if zero
	Questions    []Question `json:"questions"`
}

// GradeResult summarizes the grading of one attempt.
type GradeResult struct {
	Earned     int     `json:"correct"`
	Total      int     `json:"total_questions"`
	Unanswered int     `json:"unanswered"`
	Score      float64 `json:"score"`
}

// LiveAttempt is the monitoring view of an in-progress attempt.
type LiveAttempt struct {
	AttemptID    string    `json:"attempt_id"`
	QuizID       string    `json:"quiz_id"`
	StudentID    string    `json:"student_id"`
	StartedAt    time.Time `json:"started_at"`
	RemainingSec int       `json:"remaining_time"`
	ElapsedSec   int       `json:"elapsed_time"`
	LiveTimer    bool      `json:"live_timer"` // false when derived from persisted timestamps only
}

// AttemptFilter narrows attempts/assignments for admin queries and mass ops.
type AttemptFilter struct {
	QuizID      string `json:"quiz_id,omitempty"`
	School      string `json:"school,omitempty"`
	Class       string `json:"class,omitempty"`
	Section     string `json:"section,omitempty"`
	StudentName string `json:"student_name,omitempty"`
}

// MassOpResult reports per-item outcomes of a mass administrative operation.
type MassOpResult struct {
	Matched int      `json:"matched"`
	OK      int      `json:"ok"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
