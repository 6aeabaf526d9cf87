package app_test

import (
	"testing"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

func TestSnapshotCacheEmptyBeforeReconcile(t *testing.T) {
	var cache app.SnapshotCache

	if _, ok := cache.Current(); ok {
		t.Fatalf("expected no cached view before first reconcile")
	}

	// Local edits before any authoritative view are dropped.
	cache.ApplyLocal(func(s *domain.Session) {
		s.CurrentSlideIndex = 99
	})
	if _, ok := cache.Current(); ok {
		t.Fatalf("expected ApplyLocal to be a no-op before reconcile")
	}
}

func TestSnapshotCacheLocalEditThenReconcile(t *testing.T) {
	var cache app.SnapshotCache

	cache.Reconcile(domain.Session{Code: "ABCD", CurrentSlideIndex: 2})
	cache.ApplyLocal(func(s *domain.Session) {
		s.CurrentSlideIndex = 3
	})

	got, ok := cache.Current()
	if !ok || got.CurrentSlideIndex != 3 {
		t.Fatalf("expected local edit visible, got %+v ok=%v", got, ok)
	}

	// The authoritative view replaces local edits wholesale, even when it
	// disagrees with them.
	cache.Reconcile(domain.Session{Code: "ABCD", CurrentSlideIndex: 2})
	got, _ = cache.Current()
	if got.CurrentSlideIndex != 2 {
		t.Fatalf("expected authoritative snapshot to win, got index %d", got.CurrentSlideIndex)
	}
}
