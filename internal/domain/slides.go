package domain

// SlideType tags the variants of a quiz slide.
type SlideType string

const (
	SlideInfo     SlideType = "info"
	SlideLobby    SlideType = "lobby"
	SlideScore    SlideType = "score"
	SlideQuestion SlideType = "question"
)

// AnswerType tags the variants of a question slide. Dispatch on it is done
// through tables and switches that enumerate every constant; an unknown value
// is an error, never a silent default.
type AnswerType string

const (
	AnswerSingleChoice   AnswerType = "singleChoice"
	AnswerMultipleChoice AnswerType = "multipleChoice"
	AnswerFreeText       AnswerType = "freeText"
	AnswerRank           AnswerType = "rank"
	AnswerFastestFinger  AnswerType = "fastestFinger"
)

// DefaultPoints is awarded for a correct answer when the slide does not
// specify its own point value.
const DefaultPoints = 1000

// Option is one selectable choice on a choice question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Slide is one step of a quiz. Question-specific fields are populated only
// when Type is SlideQuestion, keyed by AnswerType.
type Slide struct {
	Type       SlideType  `json:"type"`
	Title      string     `json:"title,omitempty"`
	AnswerType AnswerType `json:"answerType,omitempty"`
	Options    []Option   `json:"options,omitempty"`
	// Accepted holds the accepted answer strings for free-text questions.
	Accepted []string `json:"accepted,omitempty"`
	// Ranking is the correct order for rank questions.
	Ranking []string `json:"ranking,omitempty"`
	Points  int      `json:"points,omitempty"`
	// TimeLimit is advisory and enforced client-side only, in seconds.
	TimeLimit int `json:"timeLimit,omitempty"`
}

// PointValue returns the slide's point value, defaulting when unset.
func (s Slide) PointValue() int {
	if s.Points > 0 {
		return s.Points
	}
	return DefaultPoints
}

// AutoScored reports whether the slide is scored by the engine at
// slide-advance, as opposed to explicit host adjudication.
func (s Slide) AutoScored() bool {
	return s.Type == SlideQuestion && s.AnswerType != AnswerFastestFinger
}

// CorrectOptionIDs returns the ids of the options marked correct.
func (s Slide) CorrectOptionIDs() []string {
	var ids []string
	for _, opt := range s.Options {
		if opt.Correct {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// Quiz is an immutable authored quiz definition. Sessions embed a snapshot of
// it at creation time; edits after that never reach a running session.
type Quiz struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Slides []Slide `json:"slides"`
}
