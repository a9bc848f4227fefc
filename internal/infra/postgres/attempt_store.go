package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-attempt-service/internal/domain"
)

// AttemptStore is the Postgres implementation of app.AttemptStore. Attempt
// state is stored as JSONB, mirroring how quizzes are stored.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

func (s *AttemptStore) GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, quiz_id, student_id, status, started_at, finished_at, score, state, last_synced_at
		FROM attempts WHERE id=$1`, attemptID)
	return scanAttempt(row)
}

func (s *AttemptStore) FindAttempt(ctx context.Context, quizID, studentID string) (domain.Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, quiz_id, student_id, status, started_at, finished_at, score, state, last_synced_at
		FROM attempts WHERE quiz_id=$1 AND student_id=$2`, quizID, studentID)
	return scanAttempt(row)
}

func (s *AttemptStore) CreateAttempt(ctx context.Context, attempt domain.Attempt) error {
	state, err := json.Marshal(attempt.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempts (id, quiz_id, student_id, status, started_at, state)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.ID, attempt.QuizID, attempt.StudentID, string(attempt.Status), attempt.StartedAt, state)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *AttemptStore) SaveState(ctx context.Context, attemptID string, state domain.AttemptState, syncedAt time.Time) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attempts SET state=$2, last_synced_at=$3 WHERE id=$1`,
		attemptID, raw, syncedAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *AttemptStore) CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attempts SET status=$2, finished_at=$3, score=$4 WHERE id=$1 AND status=$5`,
		attemptID, string(domain.AttemptCompleted), finishedAt, score, string(domain.AttemptInProgress))
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM attempts WHERE id=$1)`, attemptID).Scan(&exists); err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		if exists {
			return domain.ErrAlreadyCompleted
		}
		return domain.ErrNotFound
	}
	return nil
}

func (s *AttemptStore) DeleteAttempt(ctx context.Context, attemptID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attempts WHERE id=$1`, attemptID)
	if err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *AttemptStore) GetAssignment(ctx context.Context, quizID, studentID string) (domain.Assignment, error) {
	var (
		a      domain.Assignment
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT quiz_id, student_id, status, shuffle, school, class, section, student_name
		FROM assignments WHERE quiz_id=$1 AND student_id=$2`, quizID, studentID).
		Scan(&a.QuizID, &a.StudentID, &status, &a.Shuffle, &a.School, &a.Class, &a.Section, &a.StudentName)
	a.Status = domain.AssignmentStatus(status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Assignment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

func (s *AttemptStore) SetAssignmentStatus(ctx context.Context, quizID, studentID string, status domain.AssignmentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignments SET status=$3 WHERE quiz_id=$1 AND student_id=$2`,
		quizID, studentID, string(status))
	if err != nil {
		return fmt.Errorf("set assignment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *AttemptStore) ListInProgress(ctx context.Context, filter domain.AttemptFilter) ([]domain.Attempt, error) {
	query := `
		SELECT a.id, a.quiz_id, a.student_id, a.status, a.started_at, a.finished_at, a.score, a.state, a.last_synced_at
		FROM attempts a
		JOIN assignments g ON g.quiz_id = a.quiz_id AND g.student_id = a.student_id
		WHERE a.status=$1`
	args := []interface{}{string(domain.AttemptInProgress)}

	addFilter := func(clause, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(clause, len(args))
	}
	addFilter(" AND a.quiz_id=$%d", filter.QuizID)
	addFilter(" AND g.school=$%d", filter.School)
	addFilter(" AND g.class=$%d", filter.Class)
	addFilter(" AND g.section=$%d", filter.Section)
	if filter.StudentName != "" {
		args = append(args, "%"+filter.StudentName+"%")
		query += fmt.Sprintf(" AND g.student_name ILIKE $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list in-progress: %w", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (domain.Attempt, error) {
	var (
		attempt domain.Attempt
		status  string
		raw     []byte
	)
	err := row.Scan(&attempt.ID, &attempt.QuizID, &attempt.StudentID, &status,
		&attempt.StartedAt, &attempt.FinishedAt, &attempt.Score, &raw, &attempt.LastSyncedAt)
	attempt.Status = domain.AttemptStatus(status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &attempt.State); err != nil {
			return domain.Attempt{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return attempt, nil
}
