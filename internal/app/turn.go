package app

import (
	"context"

	"quiz-session-service/internal/domain"
)

// ClaimResult is the outcome of a buzzer claim. Losers receive the winner's
// id so their view can show who holds the turn.
type ClaimResult struct {
	Won    bool   `json:"won"`
	Winner string `json:"winner,omitempty"`
}

// PrepareBuzzer reveals the question with input disabled: idle -> preBuzzer.
// The exclusion set from the previous round is cleared here and nowhere else.
func (s *Service) PrepareBuzzer(ctx context.Context, code string) error {
	_, err := s.store.UpdateTurn(ctx, code, func(t *domain.TurnState) error {
		if t.Phase != domain.TurnIdle {
			return domain.ErrInvalidTurnState
		}
		*t = domain.TurnState{Phase: domain.TurnPreBuzzer}
		return nil
	})
	return err
}

// OpenBuzzer enables claiming: preBuzzer -> buzzerOpen. Exclusions carried
// over from an incorrect answer in the same round stay in force.
func (s *Service) OpenBuzzer(ctx context.Context, code string) error {
	_, err := s.store.UpdateTurn(ctx, code, func(t *domain.TurnState) error {
		if t.Phase != domain.TurnPreBuzzer {
			return domain.ErrInvalidTurnState
		}
		t.Phase = domain.TurnBuzzerOpen
		return nil
	})
	return err
}

// ClaimTurn resolves concurrent buzzer presses to exactly one winner. The
// transition buzzerOpen -> answering(participant) runs as one transaction on
// the turn sub-path; every other concurrent caller observes the turn already
// held and loses. Claims from excluded participants lose without a winner.
func (s *Service) ClaimTurn(ctx context.Context, code, participantID string) (ClaimResult, error) {
	var result ClaimResult
	_, err := s.store.UpdateTurn(ctx, code, func(t *domain.TurnState) error {
		switch {
		case t.Phase == domain.TurnAnswering:
			result = ClaimResult{Won: false, Winner: t.Holder}
		case t.Phase != domain.TurnBuzzerOpen:
			return domain.ErrInvalidTurnState
		case t.IsExcluded(participantID):
			result = ClaimResult{Won: false}
		default:
			t.Phase = domain.TurnAnswering
			t.Holder = participantID
			result = ClaimResult{Won: true, Winner: participantID}
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// ResolveTurn is the host's verdict on the answering participant. Correct
// awards the slide's points and closes the turn (answering -> idle).
// Incorrect sends the turn back to buzzerOpen with the failed participant
// excluded until the next preBuzzer reset.
func (s *Service) ResolveTurn(ctx context.Context, code string, correct bool) error {
	var holder string
	_, err := s.store.UpdateTurn(ctx, code, func(t *domain.TurnState) error {
		if t.Phase != domain.TurnAnswering {
			return domain.ErrInvalidTurnState
		}
		holder = t.Holder
		if correct {
			*t = domain.TurnState{Phase: domain.TurnIdle}
		} else {
			t.Excluded = append(t.Excluded, t.Holder)
			t.Phase = domain.TurnBuzzerOpen
			t.Holder = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !correct {
		return nil
	}

	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return err
	}
	slide, ok := snap.CurrentSlide()
	if !ok {
		return nil
	}
	return s.award(ctx, code, holder, snap.CurrentSlideIndex, slide.PointValue())
}
