package domain

import "errors"

var (
	// ErrNotAuthenticated is returned when a command arrives before authenticate.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrNotAssigned is returned when a student starts a quiz without an active assignment.
	ErrNotAssigned = errors.New("quiz not assigned to student")
	// ErrNotFound indicates the attempt or assignment does not exist.
	ErrNotFound = errors.New("attempt not found")
	// ErrForbidden indicates an ownership or role mismatch.
	ErrForbidden = errors.New("operation not permitted")
	// ErrAlreadyInProgress indicates a conflicting in-progress attempt.
	ErrAlreadyInProgress = errors.New("attempt already in progress")
	// ErrAlreadyCompleted indicates the attempt has already been graded.
	ErrAlreadyCompleted = errors.New("attempt already completed")
	// ErrNoQuestions indicates the frozen question snapshot is empty.
	ErrNoQuestions = errors.New("attempt has no questions")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrStorage wraps collaborator I/O failures.
	ErrStorage = errors.New("storage failure")
)
