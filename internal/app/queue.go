package app

import (
	"context"

	"quiz-session-service/internal/domain"
)

// Queue materializes the fastest-answer review queue for the current slide:
// unresolved submitters ordered by submission time, with rejected entries
// cycled to the back. The ordering is re-derived from the canonical snapshot
// on every call rather than patched incrementally, so a stale host view can
// never diverge from the store.
func (s *Service) Queue(ctx context.Context, code string) ([]domain.QueueEntry, error) {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	return snap.AnswerQueue(), nil
}

// AcceptHead awards the slide's points to the queue head and removes it
// permanently. The ledger append carries its slide index, so a repeated
// accept for the same participant cannot double-award.
func (s *Service) AcceptHead(ctx context.Context, code string) (domain.QueueEntry, error) {
	snap, head, err := s.queueHead(ctx, code)
	if err != nil {
		return domain.QueueEntry{}, err
	}

	slide, ok := snap.CurrentSlide()
	if !ok {
		return domain.QueueEntry{}, domain.ErrQueueEmpty
	}
	if err := s.award(ctx, code, head.ParticipantID, snap.CurrentSlideIndex, slide.PointValue()); err != nil {
		return domain.QueueEntry{}, err
	}

	adj := currentAdjudication(snap)
	adj.Accepted = append(adj.Accepted, head.ParticipantID)
	if err := s.store.SetAdjudication(ctx, code, adj); err != nil {
		return domain.QueueEntry{}, err
	}
	return head, nil
}

// RejectHead moves the queue head to the back: the participant keeps their
// answer record and gets another review later in the same slide.
func (s *Service) RejectHead(ctx context.Context, code string) (domain.QueueEntry, error) {
	snap, head, err := s.queueHead(ctx, code)
	if err != nil {
		return domain.QueueEntry{}, err
	}

	adj := currentAdjudication(snap)
	if adj.Rejections == nil {
		adj.Rejections = make(map[string]int)
	}
	adj.Rejections[head.ParticipantID]++
	if err := s.store.SetAdjudication(ctx, code, adj); err != nil {
		return domain.QueueEntry{}, err
	}
	return head, nil
}

func (s *Service) queueHead(ctx context.Context, code string) (domain.Session, domain.QueueEntry, error) {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return domain.Session{}, domain.QueueEntry{}, err
	}
	if snap.Phase == domain.PhaseEnded {
		return domain.Session{}, domain.QueueEntry{}, domain.ErrEndedSession
	}
	queue := snap.AnswerQueue()
	if len(queue) == 0 {
		return domain.Session{}, domain.QueueEntry{}, domain.ErrQueueEmpty
	}
	return snap, queue[0], nil
}

// currentAdjudication returns the snapshot's adjudication state rebased onto
// the current slide, dropping leftovers from a slide that was not reset yet.
func currentAdjudication(snap domain.Session) domain.Adjudication {
	if snap.Adjudication.SlideIndex == snap.CurrentSlideIndex {
		return snap.Adjudication
	}
	return domain.Adjudication{SlideIndex: snap.CurrentSlideIndex}
}
