package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-attempt-service/internal/domain"
)

// QuizLoader loads quiz JSONB from Postgres.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM quizzes WHERE id=$1`, quizID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("load quiz: %w", err)
	}
	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("unmarshal quiz: %w", err)
	}
	return quiz, nil
}

// LoadAnswerKeys resolves correct answers from the answer_keys table; ids
// with no stored key are absent from the result.
func (l *QuizLoader) LoadAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT question_id, correct FROM answer_keys WHERE question_id = ANY($1)`, questionIDs)
	if err != nil {
		return nil, fmt.Errorf("load answer keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string][]string, len(questionIDs))
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan answer key: %w", err)
		}
		var answers []string
		if err := json.Unmarshal(raw, &answers); err != nil {
			return nil, fmt.Errorf("unmarshal answer key: %w", err)
		}
		keys[id] = answers
	}
	return keys, rows.Err()
}
