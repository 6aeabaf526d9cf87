package http

import (
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/scoring"
)

// WSHandler upgrades participant and host connections and wires them into
// the session use cases.
type WSHandler struct {
	service  *app.Service
	upgrader websocket.Upgrader
	newRand  func() *rand.Rand
}

func NewWSHandler(service *app.Service) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// WithShuffleSource overrides the per-connection random source used to
// shuffle rank presentation, for reproducible tests.
func (h *WSHandler) WithShuffleSource(newRand func() *rand.Rand) *WSHandler {
	h.newRand = newRand
	return h
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type answerPayload struct {
	SlideIndex int      `json:"slideIndex"`
	Payload    []string `json:"payload"`
}

type pendingPayload struct {
	Payload []string `json:"payload"`
}

type answerResult struct {
	SlideIndex int  `json:"slideIndex"`
	Accepted   bool `json:"accepted"`
}

type resolvePayload struct {
	Correct bool `json:"correct"`
}

type optionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// slideView is the participant-facing projection of a slide: correct answers
// never leave the server, and rank items arrive pre-shuffled.
type slideView struct {
	Type       domain.SlideType  `json:"type"`
	Title      string            `json:"title,omitempty"`
	AnswerType domain.AnswerType `json:"answerType,omitempty"`
	Options    []optionView      `json:"options,omitempty"`
	Items      []string          `json:"items,omitempty"`
	Points     int               `json:"points,omitempty"`
	TimeLimit  int               `json:"timeLimit,omitempty"`
}

type scoreRow struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}

type participantView struct {
	Code              string             `json:"code"`
	Phase             domain.Phase       `json:"phase"`
	CurrentSlideIndex int                `json:"currentSlideIndex"`
	Slide             *slideView         `json:"slide,omitempty"`
	Turn              domain.TurnState   `json:"turn"`
	You               domain.Participant `json:"you"`
	ParticipantCount  int                `json:"participantCount"`
	AnsweredCount     int                `json:"answeredCount"`
	AllAnswered       bool               `json:"allAnswered"`
	Scoreboard        []scoreRow         `json:"scoreboard,omitempty"`
}

type hostView struct {
	Session     domain.Session      `json:"session"`
	Queue       []domain.QueueEntry `json:"queue"`
	AllAnswered bool                `json:"allAnswered"`
}

// ServeParticipant handles the participant websocket: join on connect, leave
// on disconnect, answers and buzzer claims inbound, snapshots outbound.
func (h *WSHandler) ServeParticipant(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	name := r.URL.Query().Get("name")
	avatar := r.URL.Query().Get("avatar")
	if code == "" || name == "" {
		http.Error(w, "missing code or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	participant, err := h.service.Join(r.Context(), code, name, avatar)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer func() {
		if err := h.service.Leave(r.Context(), code, participant.ParticipantID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Printf("leave %s: %v", participant.ParticipantID, err)
		}
	}()

	updates, cancel, err := h.service.Subscribe(r.Context(), code)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	// Rank items are shuffled once per slide per connection so a participant
	// keeps a stable board while answering.
	shuffler := newRankShuffler(h.newRand())

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				view := buildParticipantView(update, participant.ParticipantID, shuffler)
				select {
				case send <- outboundMessage[any]{Type: "snapshot", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// All reader-side sends go through reply so a dead writer never blocks
	// the read loop.
	reply := func(msg outboundMessage[any]) bool {
		return trySend(send, writerDone, msg)
	}

	alive := reply(outboundMessage[any]{Type: "joined", Payload: participant})

	for alive {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			err := h.service.Submit(r.Context(), code, participant.ParticipantID, payload.SlideIndex, payload.Payload)
			if err != nil {
				alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			alive = reply(outboundMessage[any]{Type: "answerResult", Payload: answerResult{SlideIndex: payload.SlideIndex, Accepted: true}})
		case "pending":
			var payload pendingPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid pending payload"}})
				continue
			}
			if err := h.service.SetPending(r.Context(), code, participant.ParticipantID, payload.Payload); err != nil {
				alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
			}
		case "claimTurn":
			result, err := h.service.ClaimTurn(r.Context(), code, participant.ParticipantID)
			if err != nil {
				alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			alive = reply(outboundMessage[any]{Type: "claimResult", Payload: result})
		default:
			alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

// ServeHost handles the host websocket: slide advance, buzzer control and
// queue adjudication inbound, full snapshots with the derived queue outbound.
// A local write-through cache bridges the gap between a committed operation
// and the authoritative snapshot that reflects it; the snapshot always wins.
func (h *WSHandler) ServeHost(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	hostID := r.URL.Query().Get("hostId")
	if code == "" || hostID == "" {
		http.Error(w, "missing code or hostId", http.StatusBadRequest)
		return
	}

	snap, err := h.service.Snapshot(r.Context(), code)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if snap.HostID != hostID {
		http.Error(w, "not the session host", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel, err := h.service.Subscribe(r.Context(), code)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	cache := &app.SnapshotCache{}

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				reconciled := cache.Reconcile(update)
				view := hostView{Session: reconciled, Queue: reconciled.AnswerQueue(), AllAnswered: reconciled.AllAnswered()}
				select {
				case send <- outboundMessage[any]{Type: "snapshot", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(msg outboundMessage[any]) bool {
		return trySend(send, writerDone, msg)
	}

	alive := true
	for alive {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := h.handleHostMessage(r, code, inbound, cache, reply); err != nil {
			alive = reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) handleHostMessage(r *http.Request, code string, inbound inboundMessage, cache *app.SnapshotCache, reply func(outboundMessage[any]) bool) error {
	ctx := r.Context()
	switch inbound.Type {
	case "advance":
		newIndex, err := h.service.AdvanceSlide(ctx, code)
		if err != nil {
			return err
		}
		cache.ApplyLocal(func(s *domain.Session) {
			s.CurrentSlideIndex = newIndex
			if newIndex >= len(s.Quiz.Slides) {
				s.Phase = domain.PhaseEnded
			} else {
				s.Phase = domain.PhaseRunning
			}
		})
		reply(outboundMessage[any]{Type: "advanced", Payload: map[string]int{"newSlideIndex": newIndex}})
		return nil
	case "end":
		return h.service.EndSession(ctx, code)
	case "prepareBuzzer":
		return h.service.PrepareBuzzer(ctx, code)
	case "openBuzzer":
		return h.service.OpenBuzzer(ctx, code)
	case "resolveTurn":
		var payload resolvePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return errors.New("invalid resolveTurn payload")
		}
		return h.service.ResolveTurn(ctx, code, payload.Correct)
	case "acceptHead":
		entry, err := h.service.AcceptHead(ctx, code)
		if err != nil {
			return err
		}
		reply(outboundMessage[any]{Type: "adjudicated", Payload: map[string]any{"accepted": true, "participantId": entry.ParticipantID}})
		return nil
	case "rejectHead":
		entry, err := h.service.RejectHead(ctx, code)
		if err != nil {
			return err
		}
		reply(outboundMessage[any]{Type: "adjudicated", Payload: map[string]any{"accepted": false, "participantId": entry.ParticipantID}})
		return nil
	default:
		return errors.New("unsupported message type")
	}
}

// trySend queues msg for the writer goroutine, giving up once the writer
// has exited so a broken connection never wedges the read loop.
func trySend(send chan<- outboundMessage[any], writerDone <-chan struct{}, msg outboundMessage[any]) bool {
	select {
	case send <- msg:
		return true
	case <-writerDone:
		return false
	}
}

// rankShuffler keeps one shuffled ordering per slide index so repeated
// snapshots do not reorder the participant's board mid-question.
type rankShuffler struct {
	rnd        *rand.Rand
	slideIndex int
	items      []string
	valid      bool
}

func newRankShuffler(rnd *rand.Rand) *rankShuffler {
	return &rankShuffler{rnd: rnd}
}

func (rs *rankShuffler) itemsFor(slideIndex int, ranking []string) []string {
	if rs.valid && rs.slideIndex == slideIndex {
		return rs.items
	}
	rs.slideIndex = slideIndex
	rs.items = scoring.Shuffle(rs.rnd, ranking)
	rs.valid = true
	return rs.items
}

func buildParticipantView(snap domain.Session, participantID string, shuffler *rankShuffler) participantView {
	view := participantView{
		Code:              snap.Code,
		Phase:             snap.Phase,
		CurrentSlideIndex: snap.CurrentSlideIndex,
		Turn:              snap.Turn,
		ParticipantCount:  len(snap.Participants),
		AnsweredCount:     snap.AnsweredCount(),
		AllAnswered:       snap.AllAnswered(),
	}
	if you, ok := snap.Participants[participantID]; ok {
		view.You = you
	}

	slide, ok := snap.CurrentSlide()
	if !ok {
		return view
	}
	sv := &slideView{
		Type:       slide.Type,
		Title:      slide.Title,
		AnswerType: slide.AnswerType,
		Points:     slide.PointValue(),
		TimeLimit:  slide.TimeLimit,
	}
	for _, opt := range slide.Options {
		sv.Options = append(sv.Options, optionView{ID: opt.ID, Text: opt.Text})
	}
	if slide.Type == domain.SlideQuestion && slide.AnswerType == domain.AnswerRank {
		sv.Items = shuffler.itemsFor(snap.CurrentSlideIndex, slide.Ranking)
	}
	view.Slide = sv

	if slide.Type == domain.SlideScore || snap.Phase == domain.PhaseEnded {
		for _, p := range snap.Participants {
			view.Scoreboard = append(view.Scoreboard, scoreRow{ParticipantID: p.ParticipantID, Name: p.Name, Score: p.Score()})
		}
		sort.Slice(view.Scoreboard, func(i, j int) bool {
			if view.Scoreboard[i].Score != view.Scoreboard[j].Score {
				return view.Scoreboard[i].Score > view.Scoreboard[j].Score
			}
			return view.Scoreboard[i].Name < view.Scoreboard[j].Name
		})
	}
	return view
}
