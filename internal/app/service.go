// Package app contains the session orchestration use cases: lifecycle and
// slide advance, answer collection, buzzer turn arbitration, and the
// fastest-answer review queue.
package app

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/scoring"
)

const (
	codeLength          = 4
	defaultCodeAttempts = 100
	// resetConcurrency bounds the parallel per-participant reset writes
	// issued after a slide advance commits.
	resetConcurrency = 8
)

// Service drives live quiz sessions against a SessionStore.
type Service struct {
	store   SessionStore
	quizzes QuizRepository

	codeAttempts int
	now          func() time.Time
	newID        func() string

	// rnd backs session code generation; guarded because rand.Rand is not
	// safe for concurrent draws.
	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Option customizes a Service, mainly for deterministic tests.
type Option func(*Service)

// WithClock injects the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand injects the random source used for code generation.
func WithRand(rnd *rand.Rand) Option {
	return func(s *Service) { s.rnd = rnd }
}

// WithCodeAttempts bounds how many code collisions CreateSession tolerates.
func WithCodeAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.codeAttempts = n
		}
	}
}

// WithIDGenerator injects the participant id source.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store SessionStore, quizzes QuizRepository, opts ...Option) *Service {
	s := &Service{
		store:        store,
		quizzes:      quizzes,
		codeAttempts: defaultCodeAttempts,
		now:          time.Now,
		newID:        uuid.NewString,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession snapshots the quiz definition and claims a fresh 4-letter
// code. Two hosts may draw the same code, so the claim is a test-and-set on
// the store; on a lost race a new code is drawn, up to codeAttempts times.
func (s *Service) CreateSession(ctx context.Context, hostID, quizID string) (string, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < s.codeAttempts; attempt++ {
		code := s.randomCode()
		err := s.store.ClaimCode(ctx, domain.SessionCore{
			Code:      code,
			HostID:    hostID,
			Quiz:      quiz,
			CreatedAt: s.now(),
		})
		if err == nil {
			return code, nil
		}
		if errors.Is(err, domain.ErrCodeTaken) {
			continue
		}
		return "", err
	}
	return "", domain.ErrCodeExhausted
}

// randomCode draws a uniform 4-letter uppercase code.
func (s *Service) randomCode() string {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	letters := make([]byte, codeLength)
	for i := range letters {
		letters[i] = byte('A' + s.rnd.Intn(26))
	}
	return string(letters)
}

// AdvanceSlide scores the slide being left (when auto-scored), then
// increments the slide index by exactly one under compare-and-swap semantics.
// Advancing past the last slide transitions the session to ended. The
// per-participant reset that follows is a second, separate transaction batch:
// clients may observe the new index before the reset settles, and the whole
// document converges once both commit.
func (s *Service) AdvanceSlide(ctx context.Context, code string) (int, error) {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return 0, err
	}
	if snap.Phase == domain.PhaseEnded {
		return 0, domain.ErrEndedSession
	}

	if slide, ok := snap.CurrentSlide(); ok && slide.AutoScored() {
		s.applyScores(ctx, snap, slide)
	}

	slideCount := len(snap.Quiz.Slides)
	progress, err := s.store.UpdateProgress(ctx, code, func(p *domain.Progress) error {
		if p.Phase == domain.PhaseEnded {
			return domain.ErrEndedSession
		}
		p.CurrentSlideIndex++
		if p.CurrentSlideIndex >= slideCount {
			p.CurrentSlideIndex = slideCount
			p.Phase = domain.PhaseEnded
		} else {
			p.Phase = domain.PhaseRunning
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.resetForSlide(ctx, code, snap, progress.CurrentSlideIndex)
	return progress.CurrentSlideIndex, nil
}

// applyScores commits the engine's deltas for every participant that answered
// the slide. Failures are per-participant: logged and skipped, never aborting
// the batch.
func (s *Service) applyScores(ctx context.Context, snap domain.Session, slide domain.Slide) {
	slideIndex := snap.CurrentSlideIndex
	for id, participant := range snap.Participants {
		record, ok := participant.AnswerFor(slideIndex)
		if !ok {
			continue
		}
		delta, err := scoring.Score(slide, record)
		if err != nil {
			log.Printf("score participant %s slide %d: %v", id, slideIndex, err)
			continue
		}
		if delta == 0 {
			continue
		}
		if err := s.award(ctx, snap.Code, id, slideIndex, delta); err != nil {
			log.Printf("award participant %s slide %d: %v", id, slideIndex, err)
		}
	}
}

// award appends a ledger entry for the slide unless one already exists. The
// duplicate check runs inside the same transaction as the append, so
// re-processing a checkpoint never double-awards.
func (s *Service) award(ctx context.Context, code, participantID string, slideIndex, delta int) error {
	return s.store.UpdateParticipant(ctx, code, participantID, func(p *domain.Participant) error {
		if p.Awarded(slideIndex) {
			return nil
		}
		p.ScoreLedger = append(p.ScoreLedger, domain.ScoreEntry{SlideIndex: slideIndex, Points: delta})
		return nil
	})
}

// resetForSlide clears hasAnswered and pendingAnswer on every participant and
// resets turn and adjudication state for the new slide. Best-effort: a failed
// participant write leaves that flag stale until the next successful write.
func (s *Service) resetForSlide(ctx context.Context, code string, snap domain.Session, newIndex int) {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(resetConcurrency)
	for id := range snap.Participants {
		id := id
		group.Go(func() error {
			err := s.store.UpdateParticipant(gctx, code, id, func(p *domain.Participant) error {
				p.HasAnswered = false
				p.PendingAnswer = nil
				return nil
			})
			if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
				log.Printf("reset participant %s in %s: %v", id, code, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	if _, err := s.store.UpdateTurn(ctx, code, func(t *domain.TurnState) error {
		*t = domain.TurnState{Phase: domain.TurnIdle}
		return nil
	}); err != nil {
		log.Printf("reset turn in %s: %v", code, err)
	}
	if err := s.store.SetAdjudication(ctx, code, domain.Adjudication{SlideIndex: newIndex}); err != nil {
		log.Printf("reset adjudication in %s: %v", code, err)
	}
}

// EndSession marks the session ended. It stays readable for results display
// but rejects all further mutating operations.
func (s *Service) EndSession(ctx context.Context, code string) error {
	_, err := s.store.UpdateProgress(ctx, code, func(p *domain.Progress) error {
		p.Phase = domain.PhaseEnded
		return nil
	})
	return err
}

// Join registers a new participant and returns the created record.
func (s *Service) Join(ctx context.Context, code, name, avatarSeed string) (domain.Participant, error) {
	snap, err := s.store.Snapshot(ctx, code)
	if err != nil {
		return domain.Participant{}, err
	}
	if snap.Phase == domain.PhaseEnded {
		return domain.Participant{}, domain.ErrEndedSession
	}

	participant := domain.Participant{
		ParticipantID: s.newID(),
		Name:          name,
		AvatarSeed:    avatarSeed,
		JoinedAt:      s.now(),
	}
	if err := s.store.PutParticipant(ctx, code, participant); err != nil {
		return domain.Participant{}, err
	}
	return participant, nil
}

// Leave removes a participant from the roster.
func (s *Service) Leave(ctx context.Context, code, participantID string) error {
	return s.store.RemoveParticipant(ctx, code, participantID)
}

// Snapshot exposes the read-only session view for collaborators.
func (s *Service) Snapshot(ctx context.Context, code string) (domain.Session, error) {
	return s.store.Snapshot(ctx, code)
}

// Subscribe returns a channel of ordered session snapshots for a code.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *Service) Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error) {
	return s.store.Subscribe(ctx, code)
}
