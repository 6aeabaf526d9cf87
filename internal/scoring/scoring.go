// Package scoring holds the pure answer-correctness functions. It performs no
// I/O; callers are responsible for committing deltas to the ledger at most
// once per slide.
package scoring

import (
	"fmt"
	"strings"

	"quiz-session-service/internal/domain"
)

// checker reports whether the answer is correct for the slide.
type checker func(slide domain.Slide, answer domain.AnswerRecord) bool

// checkers enumerates every answer type. A nil entry means the type is never
// auto-scored (fastest-finger awards only through host adjudication).
var checkers = map[domain.AnswerType]checker{
	domain.AnswerSingleChoice:   checkSingleChoice,
	domain.AnswerMultipleChoice: checkMultipleChoice,
	domain.AnswerFreeText:       checkFreeText,
	domain.AnswerRank:           checkRank,
	domain.AnswerFastestFinger:  nil,
}

// Score returns the point delta earned by the answer: the slide's point value
// when correct, zero otherwise. Same inputs always yield the same delta.
func Score(slide domain.Slide, answer domain.AnswerRecord) (int, error) {
	if slide.Type != domain.SlideQuestion {
		return 0, nil
	}
	check, ok := checkers[slide.AnswerType]
	if !ok {
		return 0, fmt.Errorf("unknown answer type %q", slide.AnswerType)
	}
	if check == nil {
		return 0, nil
	}
	if check(slide, answer) {
		return slide.PointValue(), nil
	}
	return 0, nil
}

func checkSingleChoice(slide domain.Slide, answer domain.AnswerRecord) bool {
	correct := slide.CorrectOptionIDs()
	return len(answer.Payload) == 1 && len(correct) == 1 && answer.Payload[0] == correct[0]
}

// checkMultipleChoice compares the chosen option ids as a set: order is
// irrelevant and the set sizes must match before any element comparison.
func checkMultipleChoice(slide domain.Slide, answer domain.AnswerRecord) bool {
	correct := slide.CorrectOptionIDs()
	if len(answer.Payload) != len(correct) {
		return false
	}
	chosen := make(map[string]struct{}, len(answer.Payload))
	for _, id := range answer.Payload {
		chosen[id] = struct{}{}
	}
	if len(chosen) != len(correct) {
		return false
	}
	for _, id := range correct {
		if _, ok := chosen[id]; !ok {
			return false
		}
	}
	return true
}

// checkFreeText matches the normalized answer against any accepted string.
// Exact match only; fuzzy matching is a known limitation.
func checkFreeText(slide domain.Slide, answer domain.AnswerRecord) bool {
	if len(answer.Payload) != 1 {
		return false
	}
	given := Normalize(answer.Payload[0])
	for _, accepted := range slide.Accepted {
		if given == Normalize(accepted) {
			return true
		}
	}
	return false
}

// checkRank requires positional equality: any index mismatch yields zero.
func checkRank(slide domain.Slide, answer domain.AnswerRecord) bool {
	if len(answer.Payload) != len(slide.Ranking) {
		return false
	}
	for i := range slide.Ranking {
		if answer.Payload[i] != slide.Ranking[i] {
			return false
		}
	}
	return true
}

// Normalize lowercases and trims a free-text answer before comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
