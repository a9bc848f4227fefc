package app

import (
	"math"

	"quiz-attempt-service/internal/domain"
)

// Grade scores a frozen question snapshot against the supplied answer keys.
// Submitted and correct answers are compared as sets: order and duplicates do
// not matter, equality requires the same cardinality and full membership.
// Unanswered questions count as wrong but stay in the denominator.
func Grade(questions []domain.QuestionSnapshot, keysByID map[string][]string) domain.GradeResult {
	result := domain.GradeResult{Total: len(questions)}

	for _, q := range questions {
		submitted := normalizeAnswers(q.Answer)
		if len(submitted) == 0 {
			result.Unanswered++
			continue
		}
		if setsEqual(submitted, normalizeAnswers(keysByID[q.ID])) {
			result.Earned++
		}
	}

	if result.Total > 0 {
		result.Score = round2(float64(result.Earned) / float64(result.Total) * 100)
	}
	return result
}

// normalizeAnswers drops empty values and collapses duplicates, preserving
// membership only.
func normalizeAnswers(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for v := range a {
		if _, ok := b[v]; !ok {
			return false
		}
	}
	return true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
