package app

import (
	"context"

	"quiz-session-service/internal/domain"
)

// SessionStore abstracts the shared session document (in-memory, Redis, etc).
// Each field family lives under its own sub-path with an independent
// transaction scope; there is no cross-path atomicity. Update methods run fn
// against the current value and commit the result atomically, retrying a
// bounded number of times when a concurrent writer invalidates the read
// (domain.ErrRetryExhausted on give-up). An error returned by fn aborts the
// transaction and is surfaced unchanged, without retry.
type SessionStore interface {
	// ClaimCode atomically claims a session code (test-and-set, never
	// check-then-write) and seeds the initial document. A lost race returns
	// domain.ErrCodeTaken.
	ClaimCode(ctx context.Context, core domain.SessionCore) error

	// Snapshot assembles the full session document. Sub-paths are read
	// independently, so the result is eventually consistent across families.
	Snapshot(ctx context.Context, code string) (domain.Session, error)

	UpdateProgress(ctx context.Context, code string, fn func(*domain.Progress) error) (domain.Progress, error)
	UpdateTurn(ctx context.Context, code string, fn func(*domain.TurnState) error) (domain.TurnState, error)
	UpdateParticipant(ctx context.Context, code, participantID string, fn func(*domain.Participant) error) error

	// PutParticipant and RemoveParticipant are simple writes: the roster is
	// single-writer per key in normal operation.
	PutParticipant(ctx context.Context, code string, p domain.Participant) error
	RemoveParticipant(ctx context.Context, code, participantID string) error

	// SetAdjudication overwrites the fastest-answer adjudication state. The
	// host is its only writer, so a plain write suffices.
	SetAdjudication(ctx context.Context, code string, adj domain.Adjudication) error

	// Subscribe delivers a snapshot on every observed change, starting with
	// the current state. The caller must invoke cancel to avoid leaks.
	Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error)

	// Delete removes the whole session document.
	Delete(ctx context.Context, code string) error
}

// QuizRepository loads authored quiz definitions (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}
