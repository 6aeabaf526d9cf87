package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

const defaultTxnRetries = 16

// SessionStore is the Redis implementation of app.SessionStore. Each field
// family of the session document lives under its own key:
//
//	session:{code}:core          immutable claim record (SetNX target)
//	session:{code}:progress      slide index + phase, one CAS scope
//	session:{code}:turn          buzzer turn state
//	session:{code}:adjudication  fastest-answer adjudication state
//	session:{code}:participant:{id}
//	session:{code}:roster        set of participant ids
//
// Update methods run optimistic WATCH/MULTI/EXEC transactions on a single key
// and retry on conflict a bounded number of times. There is deliberately no
// atomicity across keys; snapshots assemble the families independently and
// converge once every in-flight transaction settles. Every committed write
// publishes to session:{code}:events, which drives subscriptions.
type SessionStore struct {
	client  *redis.Client
	ttl     time.Duration
	retries int
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl, retries: defaultTxnRetries}
}

// NewSessionStoreWithRetries overrides the conflict retry bound, mainly for tests.
func NewSessionStoreWithRetries(client *redis.Client, ttl time.Duration, retries int) *SessionStore {
	store := NewSessionStore(client, ttl)
	if retries > 0 {
		store.retries = retries
	}
	return store
}

func (s *SessionStore) ClaimCode(ctx context.Context, core domain.SessionCore) error {
	data, err := json.Marshal(core)
	if err != nil {
		return fmt.Errorf("marshal session core: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.key(core.Code, "core"), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim code %s: %w", core.Code, err)
	}
	if !claimed {
		return domain.ErrCodeTaken
	}

	// The code is not handed out until ClaimCode returns, so these seed
	// writes race with nobody.
	pipe := s.client.Pipeline()
	s.setJSON(ctx, pipe, s.key(core.Code, "progress"), domain.Progress{CurrentSlideIndex: 0, Phase: domain.PhaseLobby})
	s.setJSON(ctx, pipe, s.key(core.Code, "turn"), domain.TurnState{Phase: domain.TurnIdle})
	s.setJSON(ctx, pipe, s.key(core.Code, "adjudication"), domain.Adjudication{SlideIndex: 0})
	pipe.Publish(ctx, s.key(core.Code, "events"), "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed session %s: %w", core.Code, err)
	}
	return nil
}

func (s *SessionStore) Snapshot(ctx context.Context, code string) (domain.Session, error) {
	var core domain.SessionCore
	if err := s.getJSON(ctx, s.key(code, "core"), &core); err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, err
	}

	progress := domain.Progress{Phase: domain.PhaseLobby}
	if err := s.getJSON(ctx, s.key(code, "progress"), &progress); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Session{}, err
	}
	turn := domain.TurnState{Phase: domain.TurnIdle}
	if err := s.getJSON(ctx, s.key(code, "turn"), &turn); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Session{}, err
	}
	var adjudication domain.Adjudication
	if err := s.getJSON(ctx, s.key(code, "adjudication"), &adjudication); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Session{}, err
	}

	participants, err := s.loadParticipants(ctx, code)
	if err != nil {
		return domain.Session{}, err
	}

	return domain.Session{
		Code:              core.Code,
		HostID:            core.HostID,
		Quiz:              core.Quiz,
		CurrentSlideIndex: progress.CurrentSlideIndex,
		Phase:             progress.Phase,
		Turn:              turn,
		Adjudication:      adjudication,
		Participants:      participants,
		CreatedAt:         core.CreatedAt,
	}, nil
}

func (s *SessionStore) UpdateProgress(ctx context.Context, code string, fn func(*domain.Progress) error) (domain.Progress, error) {
	return updateKey[domain.Progress](ctx, s, code, "progress", fn)
}

func (s *SessionStore) UpdateTurn(ctx context.Context, code string, fn func(*domain.TurnState) error) (domain.TurnState, error) {
	return updateKey[domain.TurnState](ctx, s, code, "turn", fn)
}

func (s *SessionStore) UpdateParticipant(ctx context.Context, code, participantID string, fn func(*domain.Participant) error) error {
	key := s.participantKey(code, participantID)
	err := s.transact(ctx, code, key, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, domain.ErrParticipantNotFound
		}
		var participant domain.Participant
		if err := json.Unmarshal(raw, &participant); err != nil {
			return nil, fmt.Errorf("unmarshal participant: %w", err)
		}
		if err := fn(&participant); err != nil {
			return nil, err
		}
		return json.Marshal(participant)
	})
	return err
}

func (s *SessionStore) PutParticipant(ctx context.Context, code string, p domain.Participant) error {
	if err := s.requireSession(ctx, code); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.participantKey(code, p.ParticipantID), data, s.ttl)
	pipe.SAdd(ctx, s.key(code, "roster"), p.ParticipantID)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(code, "roster"), s.ttl)
	}
	pipe.Publish(ctx, s.key(code, "events"), "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, code, participantID string) error {
	if err := s.requireSession(ctx, code); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.participantKey(code, participantID))
	pipe.SRem(ctx, s.key(code, "roster"), participantID)
	pipe.Publish(ctx, s.key(code, "events"), "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *SessionStore) SetAdjudication(ctx context.Context, code string, adj domain.Adjudication) error {
	if err := s.requireSession(ctx, code); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	s.setJSON(ctx, pipe, s.key(code, "adjudication"), adj)
	pipe.Publish(ctx, s.key(code, "events"), "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set adjudication: %w", err)
	}
	return nil
}

// Subscribe relays a fresh snapshot on every published change. Slow consumers
// see the latest snapshot with stale intermediates dropped, matching the
// ordered-per-subscriber guarantee of the store contract.
func (s *SessionStore) Subscribe(ctx context.Context, code string) (<-chan domain.Session, func(), error) {
	// Register on the events channel before reading the initial snapshot.
	// Every write publishes after its commit, so a change landing between
	// the two steps is observed either in the snapshot or as an event.
	pubsub := s.client.Subscribe(ctx, s.key(code, "events"))
	initial, err := s.Snapshot(ctx, code)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	ch := make(chan domain.Session, 8)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		select {
		case ch <- initial:
		case <-done:
			return
		}

		for {
			select {
			case <-done:
				return
			case _, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				snapshot, err := s.Snapshot(ctx, code)
				if err != nil {
					if errors.Is(err, domain.ErrSessionNotFound) {
						return
					}
					continue
				}
				select {
				case ch <- snapshot:
				default:
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- snapshot:
					case <-done:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return ch, cancel, nil
}

func (s *SessionStore) Delete(ctx context.Context, code string) error {
	if err := s.requireSession(ctx, code); err != nil {
		return err
	}
	ids, err := s.client.SMembers(ctx, s.key(code, "roster")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load roster: %w", err)
	}

	keys := []string{
		s.key(code, "core"),
		s.key(code, "progress"),
		s.key(code, "turn"),
		s.key(code, "adjudication"),
		s.key(code, "roster"),
	}
	for _, id := range ids {
		keys = append(keys, s.participantKey(code, id))
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.Publish(ctx, s.key(code, "events"), "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// updateKey is the typed transaction wrapper for the single-value field
// families. A missing key means the session is gone.
func updateKey[T any](ctx context.Context, s *SessionStore, code, family string, fn func(*T) error) (T, error) {
	var result T
	err := s.transact(ctx, code, s.key(code, family), func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, domain.ErrSessionNotFound
		}
		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", family, err)
		}
		if err := fn(&value); err != nil {
			return nil, err
		}
		result = value
		return json.Marshal(value)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// transact runs an optimistic read-modify-write on one key: WATCH, read,
// apply, then commit inside MULTI/EXEC. A concurrent write to the key fails
// the EXEC and the whole cycle retries against the fresh value, up to the
// bounded retry budget. Writing back an unchanged value is skipped, so pure
// reads inside an update (a losing buzzer claim) cost no write.
func (s *SessionStore) transact(ctx context.Context, code, key string, apply func(raw []byte) ([]byte, error)) error {
	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				raw = nil
			} else if err != nil {
				return err
			}

			next, err := apply(raw)
			if err != nil {
				return err
			}
			if bytes.Equal(next, raw) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, s.ttl)
				pipe.Publish(ctx, s.key(code, "events"), "updated")
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.ErrRetryExhausted
}

func (s *SessionStore) requireSession(ctx context.Context, code string) error {
	exists, err := s.client.Exists(ctx, s.key(code, "core")).Result()
	if err != nil {
		return fmt.Errorf("check session %s: %w", code, err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) loadParticipants(ctx context.Context, code string) (map[string]domain.Participant, error) {
	ids, err := s.client.SMembers(ctx, s.key(code, "roster")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	participants := make(map[string]domain.Participant, len(ids))
	if len(ids) == 0 {
		return participants, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.participantKey(code, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Roster member whose record expired or was removed mid-read;
			// part of the accepted consistency window.
			continue
		}
		var participant domain.Participant
		if err := json.Unmarshal([]byte(raw), &participant); err != nil {
			return nil, fmt.Errorf("unmarshal participant: %w", err)
		}
		participants[participant.ParticipantID] = participant
	}
	return participants, nil
}

func (s *SessionStore) setJSON(ctx context.Context, pipe redis.Pipeliner, key string, value any) {
	data, _ := json.Marshal(value)
	pipe.Set(ctx, key, data, s.ttl)
}

func (s *SessionStore) getJSON(ctx context.Context, key string, out any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *SessionStore) key(code, family string) string {
	return "session:" + code + ":" + family
}

func (s *SessionStore) participantKey(code, id string) string {
	return "session:" + code + ":participant:" + id
}
