package app_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

// fakeClock hands out strictly increasing timestamps so submission order is
// observable in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// sequentialIDs yields p1, p2, p3, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("p%d", n)
	}
}

func testQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Slides: []domain.Slide{
			{Type: domain.SlideLobby, Title: "Welcome"},
			{
				Type:       domain.SlideQuestion,
				Title:      "Pick one",
				AnswerType: domain.AnswerSingleChoice,
				Options: []domain.Option{
					{ID: "o1"},
					{ID: "o2", Correct: true},
					{ID: "o3"},
				},
			},
			{
				Type:       domain.SlideQuestion,
				Title:      "Order them",
				AnswerType: domain.AnswerRank,
				Ranking:    []string{"1", "2", "3"},
			},
			{
				Type:       domain.SlideQuestion,
				Title:      "Fastest wins",
				AnswerType: domain.AnswerFastestFinger,
				Points:     500,
			},
			{Type: domain.SlideScore, Title: "Scores"},
		},
	}
}

func infoQuiz(slides int) domain.Quiz {
	quiz := domain.Quiz{ID: "quiz-info"}
	for i := 0; i < slides; i++ {
		quiz.Slides = append(quiz.Slides, domain.Slide{Type: domain.SlideInfo, Title: fmt.Sprintf("slide %d", i)})
	}
	return quiz
}

type fixture struct {
	store *memory.SessionStore
	svc   *app.Service
	clock *fakeClock
}

func newFixture(t *testing.T, quiz domain.Quiz, opts ...app.Option) *fixture {
	t.Helper()
	store := memory.NewSessionStore()
	repo := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		quiz.ID: quiz,
	}), 5*time.Minute)
	clock := newFakeClock()

	base := []app.Option{
		app.WithRand(rand.New(rand.NewSource(1))),
		app.WithClock(clock.Now),
		app.WithIDGenerator(sequentialIDs()),
	}
	svc := app.NewService(store, repo, append(base, opts...)...)
	return &fixture{store: store, svc: svc, clock: clock}
}

func (f *fixture) create(t *testing.T, quizID string) string {
	t.Helper()
	code, err := f.svc.CreateSession(context.Background(), "host-1", quizID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return code
}

func (f *fixture) join(t *testing.T, code, name string) domain.Participant {
	t.Helper()
	participant, err := f.svc.Join(context.Background(), code, name, "seed-"+name)
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return participant
}

func (f *fixture) advance(t *testing.T, code string) int {
	t.Helper()
	index, err := f.svc.AdvanceSlide(context.Background(), code)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return index
}

func (f *fixture) snapshot(t *testing.T, code string) domain.Session {
	t.Helper()
	snap, err := f.svc.Snapshot(context.Background(), code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

// drawCodes replays the code generator's draw sequence for a seed.
func drawCodes(seed int64, n int) []string {
	rnd := rand.New(rand.NewSource(seed))
	codes := make([]string, n)
	for i := range codes {
		letters := make([]byte, 4)
		for j := range letters {
			letters[j] = byte('A' + rnd.Intn(26))
		}
		codes[i] = string(letters)
	}
	return codes
}
