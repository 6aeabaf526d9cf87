package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionStore(client, time.Minute), mr
}

func claimTestCode(t *testing.T, store *SessionStore, code string) {
	t.Helper()
	err := store.ClaimCode(context.Background(), domain.SessionCore{
		Code:      code,
		HostID:    "host-1",
		Quiz:      domain.Quiz{ID: "quiz-1", Slides: []domain.Slide{{Type: domain.SlideLobby}}},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestClaimCodeSeedsFieldFamilies(t *testing.T) {
	store, mr := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	for _, key := range []string{
		"session:ABCD:core",
		"session:ABCD:progress",
		"session:ABCD:turn",
		"session:ABCD:adjudication",
	} {
		if !mr.Exists(key) {
			t.Fatalf("expected key %s after claim", key)
		}
	}

	snap, err := store.Snapshot(context.Background(), "ABCD")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Phase != domain.PhaseLobby || snap.Turn.Phase != domain.TurnIdle {
		t.Fatalf("unexpected seed state phase=%q turn=%q", snap.Phase, snap.Turn.Phase)
	}
}

func TestClaimCodeDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	err := store.ClaimCode(context.Background(), domain.SessionCore{Code: "ABCD", HostID: "host-2"})
	if err != domain.ErrCodeTaken {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}

	snap, _ := store.Snapshot(context.Background(), "ABCD")
	if snap.HostID != "host-1" {
		t.Fatalf("expected first claimant kept, got %q", snap.HostID)
	}
}

func TestSnapshotUnknownSession(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Snapshot(context.Background(), "ZZZZ"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateProgressTransaction(t *testing.T) {
	store, _ := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	next, err := store.UpdateProgress(context.Background(), "ABCD", func(p *domain.Progress) error {
		p.CurrentSlideIndex++
		p.Phase = domain.PhaseRunning
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.CurrentSlideIndex != 1 || next.Phase != domain.PhaseRunning {
		t.Fatalf("unexpected progress %+v", next)
	}

	snap, _ := store.Snapshot(context.Background(), "ABCD")
	if snap.CurrentSlideIndex != 1 || snap.Phase != domain.PhaseRunning {
		t.Fatalf("expected persisted progress, got index=%d phase=%q", snap.CurrentSlideIndex, snap.Phase)
	}
}

func TestUpdateFnErrorAborts(t *testing.T) {
	store, _ := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	sentinel := domain.ErrInvalidTurnState
	if _, err := store.UpdateTurn(context.Background(), "ABCD", func(turn *domain.TurnState) error {
		turn.Phase = domain.TurnBuzzerOpen
		return sentinel
	}); err != sentinel {
		t.Fatalf("expected fn error surfaced, got %v", err)
	}

	snap, _ := store.Snapshot(context.Background(), "ABCD")
	if snap.Turn.Phase != domain.TurnIdle {
		t.Fatalf("expected turn unchanged, got %q", snap.Turn.Phase)
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	ctx := context.Background()
	alice := domain.Participant{ParticipantID: "p1", Name: "Alice", JoinedAt: time.Now().UTC()}
	if err := store.PutParticipant(ctx, "ABCD", alice); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := store.UpdateParticipant(ctx, "ABCD", "p1", func(p *domain.Participant) error {
		p.HasAnswered = true
		p.ScoreLedger = append(p.ScoreLedger, domain.ScoreEntry{SlideIndex: 1, Points: 1000})
		return nil
	})
	if err != nil {
		t.Fatalf("update participant: %v", err)
	}

	snap, _ := store.Snapshot(ctx, "ABCD")
	got, ok := snap.Participants["p1"]
	if !ok || !got.HasAnswered || got.Score() != 1000 {
		t.Fatalf("unexpected participant %+v", got)
	}

	if err := store.RemoveParticipant(ctx, "ABCD", "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mr.Exists("session:ABCD:participant:p1") {
		t.Fatalf("expected participant key deleted")
	}
	snap, _ = store.Snapshot(ctx, "ABCD")
	if len(snap.Participants) != 0 {
		t.Fatalf("expected empty roster, got %v", snap.Participants)
	}
}

func TestUpdateParticipantUnknownID(t *testing.T) {
	store, _ := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	err := store.UpdateParticipant(context.Background(), "ABCD", "ghost", func(p *domain.Participant) error {
		return nil
	})
	if err != domain.ErrParticipantNotFound {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestTransactRetriesOnConflict(t *testing.T) {
	store, mr := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	// Overwrite the watched key between the read and the commit; the first
	// EXEC fails and the retry applies against the overwritten value.
	attempts := 0
	_, err := store.UpdateProgress(context.Background(), "ABCD", func(p *domain.Progress) error {
		attempts++
		if attempts == 1 {
			mr.Set("session:ABCD:progress", `{"currentSlideIndex":7,"phase":"running"}`)
		}
		p.CurrentSlideIndex++
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}

	snap, _ := store.Snapshot(context.Background(), "ABCD")
	if snap.CurrentSlideIndex != 8 {
		t.Fatalf("expected increment over conflicting write, got %d", snap.CurrentSlideIndex)
	}
}

func TestTransactRetryExhausted(t *testing.T) {
	store, mr := newTestStore(t)
	store.retries = 3
	claimTestCode(t, store, "ABCD")

	attempts := 0
	_, err := store.UpdateProgress(context.Background(), "ABCD", func(p *domain.Progress) error {
		attempts++
		// Keep invalidating the watched key so every EXEC fails.
		mr.Set("session:ABCD:progress", `{"currentSlideIndex":0,"phase":"lobby"}`)
		p.CurrentSlideIndex = attempts
		return nil
	})
	if err != domain.ErrRetryExhausted {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSubscribeRelaysPublishedChanges(t *testing.T) {
	store, _ := newTestStore(t)
	claimTestCode(t, store, "ABCD")

	updates, cancel, err := store.Subscribe(context.Background(), "ABCD")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	select {
	case snap := <-updates:
		if snap.Code != "ABCD" {
			t.Fatalf("unexpected initial snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial snapshot")
	}

	if _, err := store.UpdateProgress(context.Background(), "ABCD", func(p *domain.Progress) error {
		p.CurrentSlideIndex = 3
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.CurrentSlideIndex == 3 {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for progress update")
		}
	}
}

// commandTapHook runs fire once, right after the next command whose name
// matches while armed. It lets a test land a concurrent write at an exact
// point inside a multi-command read.
type commandTapHook struct {
	armed *atomic.Bool
	name  string
	fire  func()
}

func (h *commandTapHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *commandTapHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == h.name && h.armed.CompareAndSwap(true, false) {
			h.fire()
		}
		return err
	}
}

func (h *commandTapHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestSubscribeCapturesWriteDuringRegistration(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	// A second store on its own client commits the concurrent write.
	plain := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = plain.Close() })
	writer := NewSessionStore(plain, time.Minute)

	// The roster read is the last step of the initial snapshot, so a write
	// committed right after it lands between the snapshot and the caller
	// seeing any event. The subscription must still deliver it.
	var armed atomic.Bool
	hooked := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = hooked.Close() })
	hooked.AddHook(&commandTapHook{armed: &armed, name: "smembers", fire: func() {
		if _, err := writer.UpdateProgress(context.Background(), "ABCD", func(p *domain.Progress) error {
			p.CurrentSlideIndex = 1
			p.Phase = domain.PhaseRunning
			return nil
		}); err != nil {
			t.Errorf("concurrent update: %v", err)
		}
	}})
	store := NewSessionStore(hooked, time.Minute)
	claimTestCode(t, store, "ABCD")

	armed.Store(true)
	updates, cancel, err := store.Subscribe(context.Background(), "ABCD")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed before the concurrent write was observed")
			}
			if snap.CurrentSlideIndex == 1 {
				return
			}
		case <-deadline:
			t.Fatalf("write committed during subscribe was never delivered")
		}
	}
}

func TestSubscribeUnknownSessionClosesRegistration(t *testing.T) {
	store, _ := newTestStore(t)

	if _, _, err := store.Subscribe(context.Background(), "ZZZZ"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	channels, err := store.client.PubSubChannels(context.Background(), "session:ZZZZ:events").Result()
	if err != nil {
		t.Fatalf("pubsub channels: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected no lingering registration, got %v", channels)
	}
}

func TestDeleteRemovesAllKeys(t *testing.T) {
	store, mr := newTestStore(t)
	claimTestCode(t, store, "ABCD")
	ctx := context.Background()
	if err := store.PutParticipant(ctx, "ABCD", domain.Participant{ParticipantID: "p1", Name: "Alice"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.Delete(ctx, "ABCD"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, key := range []string{
		"session:ABCD:core",
		"session:ABCD:progress",
		"session:ABCD:turn",
		"session:ABCD:adjudication",
		"session:ABCD:roster",
		"session:ABCD:participant:p1",
	} {
		if mr.Exists(key) {
			t.Fatalf("expected key %s deleted", key)
		}
	}

	if _, err := store.Snapshot(ctx, "ABCD"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected session gone, got %v", err)
	}
	if err := store.Delete(ctx, "ABCD"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound on double delete, got %v", err)
	}
}
