package memory

import (
	"context"
	"sync"

	"quiz-session-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore. Each
// session document guards its field families with one mutex, which makes
// every Update method a serialized read-modify-write: the compare-and-swap
// semantics the interface promises hold trivially, with no conflict retries.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionDoc
}

type sessionDoc struct {
	mu           sync.Mutex
	deleted      bool
	core         domain.SessionCore
	progress     domain.Progress
	turn         domain.TurnState
	adjudication domain.Adjudication
	participants map[string]domain.Participant
	subscribers  map[chan domain.Session]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionDoc),
	}
}

func (s *SessionStore) ClaimCode(_ context.Context, core domain.SessionCore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[core.Code]; ok {
		return domain.ErrCodeTaken
	}
	s.sessions[core.Code] = &sessionDoc{
		core:         core,
		progress:     domain.Progress{CurrentSlideIndex: 0, Phase: domain.PhaseLobby},
		turn:         domain.TurnState{Phase: domain.TurnIdle},
		adjudication: domain.Adjudication{SlideIndex: 0},
		participants: make(map[string]domain.Participant),
		subscribers:  make(map[chan domain.Session]struct{}),
	}
	return nil
}

func (s *SessionStore) Snapshot(_ context.Context, code string) (domain.Session, error) {
	doc, err := s.doc(code)
	if err != nil {
		return domain.Session{}, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.snapshotLocked(), nil
}

func (s *SessionStore) UpdateProgress(_ context.Context, code string, fn func(*domain.Progress) error) (domain.Progress, error) {
	doc, err := s.doc(code)
	if err != nil {
		return domain.Progress{}, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	next := doc.progress
	if err := fn(&next); err != nil {
		return domain.Progress{}, err
	}
	doc.progress = next
	doc.broadcastLocked()
	return next, nil
}

func (s *SessionStore) UpdateTurn(_ context.Context, code string, fn func(*domain.TurnState) error) (domain.TurnState, error) {
	doc, err := s.doc(code)
	if err != nil {
		return domain.TurnState{}, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	next := cloneTurn(doc.turn)
	if err := fn(&next); err != nil {
		return domain.TurnState{}, err
	}
	doc.turn = next
	doc.broadcastLocked()
	return cloneTurn(next), nil
}

func (s *SessionStore) UpdateParticipant(_ context.Context, code, participantID string, fn func(*domain.Participant) error) error {
	doc, err := s.doc(code)
	if err != nil {
		return err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	participant, ok := doc.participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	next := cloneParticipant(participant)
	if err := fn(&next); err != nil {
		return err
	}
	doc.participants[participantID] = next
	doc.broadcastLocked()
	return nil
}

func (s *SessionStore) PutParticipant(_ context.Context, code string, p domain.Participant) error {
	doc, err := s.doc(code)
	if err != nil {
		return err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.participants[p.ParticipantID] = cloneParticipant(p)
	doc.broadcastLocked()
	return nil
}

func (s *SessionStore) RemoveParticipant(_ context.Context, code, participantID string) error {
	doc, err := s.doc(code)
	if err != nil {
		return err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	delete(doc.participants, participantID)
	doc.broadcastLocked()
	return nil
}

func (s *SessionStore) SetAdjudication(_ context.Context, code string, adj domain.Adjudication) error {
	doc, err := s.doc(code)
	if err != nil {
		return err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.adjudication = cloneAdjudication(adj)
	doc.broadcastLocked()
	return nil
}

func (s *SessionStore) Subscribe(_ context.Context, code string) (<-chan domain.Session, func(), error) {
	doc, err := s.doc(code)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan domain.Session, 8)

	// The initial send happens under doc.mu so no broadcast or Delete can
	// slip in between registration and delivery. The fresh buffer cannot
	// block.
	doc.mu.Lock()
	if doc.deleted {
		doc.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	doc.subscribers[ch] = struct{}{}
	ch <- doc.snapshotLocked()
	doc.mu.Unlock()

	cancel := func() {
		doc.mu.Lock()
		if _, ok := doc.subscribers[ch]; ok {
			delete(doc.subscribers, ch)
			close(ch)
		}
		doc.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *SessionStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	doc, ok := s.sessions[code]
	delete(s.sessions, code)
	s.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}

	doc.mu.Lock()
	doc.deleted = true
	for ch := range doc.subscribers {
		delete(doc.subscribers, ch)
		close(ch)
	}
	doc.mu.Unlock()
	return nil
}

func (s *SessionStore) doc(code string) (*sessionDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return doc, nil
}

func (d *sessionDoc) snapshotLocked() domain.Session {
	participants := make(map[string]domain.Participant, len(d.participants))
	for id, p := range d.participants {
		participants[id] = cloneParticipant(p)
	}
	return domain.Session{
		Code:              d.core.Code,
		HostID:            d.core.HostID,
		Quiz:              d.core.Quiz,
		CurrentSlideIndex: d.progress.CurrentSlideIndex,
		Phase:             d.progress.Phase,
		Turn:              cloneTurn(d.turn),
		Adjudication:      cloneAdjudication(d.adjudication),
		Participants:      participants,
		CreatedAt:         d.core.CreatedAt,
	}
}

func (d *sessionDoc) broadcastLocked() {
	snapshot := d.snapshotLocked()
	for ch := range d.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop the stale pending snapshot so a slow subscriber never
			// blocks the broadcast.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

func cloneParticipant(p domain.Participant) domain.Participant {
	clone := p
	clone.ScoreLedger = append([]domain.ScoreEntry(nil), p.ScoreLedger...)
	clone.Answers = append([]domain.AnswerRecord(nil), p.Answers...)
	clone.PendingAnswer = append([]string(nil), p.PendingAnswer...)
	return clone
}

func cloneTurn(t domain.TurnState) domain.TurnState {
	clone := t
	clone.Excluded = append([]string(nil), t.Excluded...)
	return clone
}

func cloneAdjudication(a domain.Adjudication) domain.Adjudication {
	clone := a
	clone.Accepted = append([]string(nil), a.Accepted...)
	if a.Rejections != nil {
		clone.Rejections = make(map[string]int, len(a.Rejections))
		for id, n := range a.Rejections {
			clone.Rejections[id] = n
		}
	}
	return clone
}
