package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for a code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when a participant acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz definition could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrCodeTaken indicates a session code claim lost the race to another host.
	ErrCodeTaken = errors.New("session code already claimed")
	// ErrCodeExhausted is returned when code generation gives up after bounded retries.
	ErrCodeExhausted = errors.New("session code attempts exhausted")
	// ErrRetryExhausted is returned when a store transaction keeps conflicting.
	ErrRetryExhausted = errors.New("transaction retries exhausted")
	// ErrStaleSlide rejects a submission made against an old slide index.
	ErrStaleSlide = errors.New("submission targets a stale slide")
	// ErrAlreadyAnswered rejects a second submission for the same slide.
	ErrAlreadyAnswered = errors.New("slide already answered")
	// ErrEndedSession rejects mutations on an ended session.
	ErrEndedSession = errors.New("session has ended")
	// ErrInvalidTurnState rejects a turn transition that is not in the allowed order.
	ErrInvalidTurnState = errors.New("invalid turn state transition")
	// ErrQueueEmpty is returned when adjudicating an empty answer queue.
	ErrQueueEmpty = errors.New("answer queue is empty")
)
