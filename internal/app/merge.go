package app

import "quiz-attempt-service/internal/domain"

// MergeState reconciles a client-submitted partial state with the stored one.
// Incoming values win only when present; in particular an incoming nil or
// empty answer never erases an answer already saved on the server, so a stale
// or partially loaded client cannot regress progress. The function is
// idempotent: merging the same payload twice equals merging it once.
func MergeState(existing, incoming domain.AttemptState) domain.AttemptState {
	merged := existing

	if incoming.QuizID != "" {
		merged.QuizID = incoming.QuizID
	}
	if incoming.CurrentQuestionIndex != nil {
		idx := *incoming.CurrentQuestionIndex
		merged.CurrentQuestionIndex = &idx
	}
	if incoming.CurrentQuestionID != "" {
		merged.CurrentQuestionID = incoming.CurrentQuestionID
	}
	if incoming.TimerOverride != nil {
		override := *incoming.TimerOverride
		merged.TimerOverride = &override
	}

	byID := make(map[string]int, len(existing.Questions))
	questions := make([]domain.QuestionSnapshot, len(existing.Questions))
	copy(questions, existing.Questions)
	for i, q := range questions {
		byID[q.ID] = i
	}

	for _, in := range incoming.Questions {
		i, ok := byID[in.ID]
		if !ok {
			// Question only the client knows about: append as-is.
			byID[in.ID] = len(questions)
			questions = append(questions, in)
			continue
		}
		questions[i] = mergeQuestion(questions[i], in)
	}

	merged.Questions = questions
	return merged
}

func mergeQuestion(existing, incoming domain.QuestionSnapshot) domain.QuestionSnapshot {
	out := existing
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if len(incoming.Options) > 0 {
		out.Options = incoming.Options
	}
	if incoming.ImageURL != "" {
		out.ImageURL = incoming.ImageURL
	}
	if answerPresent(incoming.Answer) {
		out.Answer = incoming.Answer
	}
	return out
}

// answerPresent reports whether an incoming answer carries any real value.
// nil, empty lists and lists of empty strings all count as absent.
func answerPresent(answer []string) bool {
	for _, v := range answer {
		if v != "" {
			return true
		}
	}
	return false
}
