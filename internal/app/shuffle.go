package app

import (
	"hash/fnv"
	"math/rand"

	"quiz-attempt-service/internal/domain"
)

// ShuffleQuestions returns a deterministic permutation of the snapshot for a
// given (quiz, student) pair. The seed is derived from both ids, so the same
// student always sees the same order for the same quiz, without persisting
// the permutation. The input slice is not modified.
func ShuffleQuestions(quizID, studentID string, questions []domain.QuestionSnapshot) []domain.QuestionSnapshot {
	shuffled := make([]domain.QuestionSnapshot, len(questions))
	copy(shuffled, questions)

	rnd := rand.New(rand.NewSource(shuffleSeed(quizID, studentID)))
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

func shuffleSeed(quizID, studentID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(quizID))
	h.Write([]byte{'|'})
	h.Write([]byte(studentID))
	return int64(h.Sum64())
}
