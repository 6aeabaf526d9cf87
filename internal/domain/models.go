package domain

import (
	"sort"
	"time"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseRunning Phase = "running"
	PhaseEnded   Phase = "ended"
)

// TurnPhase enumerates the buzzer turn states. Transitions follow the fixed
// order idle -> preBuzzer -> buzzerOpen -> answering -> {buzzerOpen | idle}.
type TurnPhase string

const (
	TurnIdle       TurnPhase = "idle"
	TurnPreBuzzer  TurnPhase = "preBuzzer"
	TurnBuzzerOpen TurnPhase = "buzzerOpen"
	TurnAnswering  TurnPhase = "answering"
)

// TurnState is the exclusive-turn record for buzzer slides. Holder is set only
// while Phase is TurnAnswering. Excluded lists participants who answered
// incorrectly in the current round; it is cleared on the next preBuzzer reset.
type TurnState struct {
	Phase    TurnPhase `json:"phase"`
	Holder   string    `json:"holder,omitempty"`
	Excluded []string  `json:"excluded,omitempty"`
}

// IsExcluded reports whether the participant failed earlier in this round.
func (t TurnState) IsExcluded(participantID string) bool {
	for _, id := range t.Excluded {
		if id == participantID {
			return true
		}
	}
	return false
}

// AnswerRecord is one participant's submission for one slide. Records are
// append-only; scoring reads them and never mutates them.
type AnswerRecord struct {
	ParticipantID string    `json:"participantId"`
	SlideIndex    int       `json:"slideIndex"`
	Payload       []string  `json:"payload"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// ScoreEntry is one committed ledger increment. Carrying the slide index lets
// writers reject a second award for the same slide inside the same
// transaction that appends the entry.
type ScoreEntry struct {
	SlideIndex int `json:"slideIndex"`
	Points     int `json:"points"`
}

// Participant is the per-player record within a session.
type Participant struct {
	ParticipantID string         `json:"participantId"`
	Name          string         `json:"name"`
	AvatarSeed    string         `json:"avatarSeed,omitempty"`
	ScoreLedger   []ScoreEntry   `json:"scoreLedger,omitempty"`
	Answers       []AnswerRecord `json:"answers,omitempty"`
	HasAnswered   bool           `json:"hasAnswered"`
	// PendingAnswer is a mutable scratch slot for unconfirmed submissions,
	// such as a buzzer claim before the final answer.
	PendingAnswer []string  `json:"pendingAnswer,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// Score is the participant's running total, the sum of committed ledger deltas.
func (p Participant) Score() int {
	total := 0
	for _, entry := range p.ScoreLedger {
		total += entry.Points
	}
	return total
}

// AnswerFor returns the participant's record for the given slide, if any.
func (p Participant) AnswerFor(slideIndex int) (AnswerRecord, bool) {
	for _, rec := range p.Answers {
		if rec.SlideIndex == slideIndex {
			return rec, true
		}
	}
	return AnswerRecord{}, false
}

// Awarded reports whether the ledger already holds an entry for the slide.
func (p Participant) Awarded(slideIndex int) bool {
	for _, entry := range p.ScoreLedger {
		if entry.SlideIndex == slideIndex {
			return true
		}
	}
	return false
}

// SessionCore holds the fields written once when a code is claimed and never
// mutated afterwards.
type SessionCore struct {
	Code      string    `json:"code"`
	HostID    string    `json:"hostId"`
	Quiz      Quiz      `json:"quiz"`
	CreatedAt time.Time `json:"createdAt"`
}

// Progress is the slide-advance state. Index increment and the
// running->ended transition share one transaction scope.
type Progress struct {
	CurrentSlideIndex int   `json:"currentSlideIndex"`
	Phase             Phase `json:"phase"`
}

// Adjudication is the host-owned fastest-answer state for the current slide.
// It is reset on every slide advance.
type Adjudication struct {
	SlideIndex int            `json:"slideIndex"`
	Accepted   []string       `json:"accepted,omitempty"`
	Rejections map[string]int `json:"rejections,omitempty"`
}

// IsAccepted reports whether the participant's answer was already adjudicated.
func (a Adjudication) IsAccepted(participantID string) bool {
	for _, id := range a.Accepted {
		if id == participantID {
			return true
		}
	}
	return false
}

// Session is a full snapshot of one live quiz. Field families live under
// independent store sub-paths, so a snapshot is a point-in-time assembly, not
// a single atomic read.
type Session struct {
	Code              string                 `json:"code"`
	HostID            string                 `json:"hostId"`
	Quiz              Quiz                   `json:"quiz"`
	CurrentSlideIndex int                    `json:"currentSlideIndex"`
	Phase             Phase                  `json:"phase"`
	Turn              TurnState              `json:"turn"`
	Adjudication      Adjudication           `json:"adjudication"`
	Participants      map[string]Participant `json:"participants"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// CurrentSlide returns the slide under the session's index. The index may sit
// one past the final slide once the session has ended.
func (s Session) CurrentSlide() (Slide, bool) {
	if s.CurrentSlideIndex < 0 || s.CurrentSlideIndex >= len(s.Quiz.Slides) {
		return Slide{}, false
	}
	return s.Quiz.Slides[s.CurrentSlideIndex], true
}

// AllAnswered is the completion signal: every joined participant has answered
// the current slide and at least one participant is present. It is derived
// from the snapshot on every read, never cached.
func (s Session) AllAnswered() bool {
	if len(s.Participants) == 0 {
		return false
	}
	for _, p := range s.Participants {
		if !p.HasAnswered {
			return false
		}
	}
	return true
}

// AnsweredCount counts participants who answered the current slide.
func (s Session) AnsweredCount() int {
	count := 0
	for _, p := range s.Participants {
		if p.HasAnswered {
			count++
		}
	}
	return count
}

// QueueEntry is one row of the fastest-answer review queue.
type QueueEntry struct {
	ParticipantID string    `json:"participantId"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// AnswerQueue materializes the fastest-answer queue from the snapshot:
// participants holding a record for the current slide, minus accepted ones,
// ordered by rejection round then submission time. Stale local views are
// reconciled by re-deriving the whole ordering from the next snapshot.
func (s Session) AnswerQueue() []QueueEntry {
	adj := s.Adjudication
	if adj.SlideIndex != s.CurrentSlideIndex {
		// Adjudication state from a previous slide has not been reset yet;
		// treat it as empty rather than misapplying old rejections.
		adj = Adjudication{SlideIndex: s.CurrentSlideIndex}
	}

	var entries []QueueEntry
	for _, p := range s.Participants {
		rec, ok := p.AnswerFor(s.CurrentSlideIndex)
		if !ok || adj.IsAccepted(p.ParticipantID) {
			continue
		}
		entries = append(entries, QueueEntry{ParticipantID: p.ParticipantID, SubmittedAt: rec.SubmittedAt})
	}

	round := func(id string) int { return adj.Rejections[id] }
	sort.Slice(entries, func(i, j int) bool {
		ri, rj := round(entries[i].ParticipantID), round(entries[j].ParticipantID)
		if ri != rj {
			return ri < rj
		}
		if !entries[i].SubmittedAt.Equal(entries[j].SubmittedAt) {
			return entries[i].SubmittedAt.Before(entries[j].SubmittedAt)
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	return entries
}
