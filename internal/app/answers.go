package app

import (
	"context"

	"quiz-session-service/internal/domain"
)

// Submit records one answer for a participant on the slide they are viewing.
// A view that lags the session's index is rejected with ErrStaleSlide; a
// second submission for the same slide is rejected with ErrAlreadyAnswered.
// The duplicate check and the record append run in one transaction on the
// participant's key, closing the race between two rapid submits from one
// client.
func (s *Service) Submit(ctx context.Context, code, participantID string, slideIndex int, payload []string) error {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return err
	}
	if snap.Phase == domain.PhaseEnded {
		return domain.ErrEndedSession
	}
	if slideIndex != snap.CurrentSlideIndex {
		return domain.ErrStaleSlide
	}

	submittedAt := s.now()
	return s.store.UpdateParticipant(ctx, code, participantID, func(p *domain.Participant) error {
		if _, ok := p.AnswerFor(slideIndex); ok {
			return domain.ErrAlreadyAnswered
		}
		p.Answers = append(p.Answers, domain.AnswerRecord{
			ParticipantID: participantID,
			SlideIndex:    slideIndex,
			Payload:       payload,
			SubmittedAt:   submittedAt,
		})
		p.HasAnswered = true
		p.PendingAnswer = nil
		return nil
	})
}

// SetPending stores an in-progress, unconfirmed payload on the participant,
// such as a buzzer claim before the final answer. It never counts as an
// answer and is cleared on submit and on slide advance.
func (s *Service) SetPending(ctx context.Context, code, participantID string, payload []string) error {
	return s.store.UpdateParticipant(ctx, code, participantID, func(p *domain.Participant) error {
		p.PendingAnswer = payload
		return nil
	})
}

// Completion reports whether every joined participant has answered the
// current slide, with at least one participant present. Derived from the
// snapshot, never stored.
func (s *Service) Completion(ctx context.Context, code string) (bool, error) {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return false, err
	}
	return snap.AllAnswered(), nil
}
