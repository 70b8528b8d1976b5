package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mcoot/masquerade-go/internal/dependencies/mocks"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/scoring"
	"github.com/mcoot/masquerade-go/internal/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	saved   map[model.SessionID]*model.Session
	deleted []model.SessionID
}

func newRecordingSink() *recordingSink {
	return &recordingSink{saved: make(map[model.SessionID]*model.Session)}
}

func (r *recordingSink) Save(s *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[s.ID] = s
}

func (r *recordingSink) Delete(id model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.saved, id)
	r.deleted = append(r.deleted, id)
}

func (r *recordingSink) get(id model.SessionID) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[id]
}

type recordingHook struct {
	mu       sync.Mutex
	requests []scoring.Request
	panics   bool
}

func (h *recordingHook) ComparisonRequested(req scoring.Request) {
	if h.panics {
		panic("comparison hook exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
}

type ControllerSuite struct {
	suite.Suite
	ctx         context.Context
	clock       *mocks.MockClock
	random      *mocks.MockRandom
	connections *connection.Registry
	router      *broadcast.Router
	sink        *recordingSink
	hook        *recordingHook
	controller  *Controller
	subs        map[model.ConnectionID]*broadcast.Subscriber
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) SetupTest() {
	s.setup(DefaultConfig())
}

func (s *ControllerSuite) setup(cfg Config) {
	s.ctx = context.Background()
	s.clock = mocks.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	s.random = mocks.NewMockRandom()
	s.connections = connection.New(s.clock, testutil.NopLogger())
	s.router = broadcast.New(256, testutil.NopLogger())
	s.sink = newRecordingSink()
	s.hook = &recordingHook{}
	s.controller = NewController(cfg, s.connections, s.router, s.sink, s.hook, s.clock, s.random, testutil.NopLogger())
	s.subs = make(map[model.ConnectionID]*broadcast.Subscriber)
}

// Helpers

func (s *ControllerSuite) connect(id model.ConnectionID, name string) {
	_, err := s.connections.Register(id, name)
	s.Require().NoError(err)
	sub, err := s.router.Attach(id)
	s.Require().NoError(err)
	s.subs[id] = sub
}

func (s *ControllerSuite) drop(id model.ConnectionID, reason model.DisconnectReason) {
	s.router.Detach(id)
	s.Require().NoError(s.connections.Unregister(id, reason))
}

func (s *ControllerSuite) join(sessionID model.SessionID, ids ...model.ConnectionID) {
	for _, id := range ids {
		_, err := s.controller.JoinSession(s.ctx, sessionID, id, "")
		s.Require().NoError(err)
	}
}

func (s *ControllerSuite) session(id model.SessionID) *model.Session {
	sess, err := s.controller.GetSession(s.ctx, id)
	s.Require().NoError(err)
	return sess
}

// events drains everything queued for a connection
func (s *ControllerSuite) events(id model.ConnectionID) []model.Event {
	var out []model.Event
	for {
		select {
		case e, ok := <-s.subs[id].Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func (s *ControllerSuite) drainAll() {
	for id := range s.subs {
		s.events(id)
	}
}

func names(events []model.Event) []model.EventName {
	out := make([]model.EventName, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func count(events []model.Event, name model.EventName) int {
	n := 0
	for _, e := range events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func last(events []model.Event, name model.EventName) (model.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Name == name {
			return events[i], true
		}
	}
	return model.Event{}, false
}

// toMaskDraw readies every given player in the session
func (s *ControllerSuite) toMaskDraw(ids ...model.ConnectionID) {
	for _, id := range ids {
		s.Require().NoError(s.controller.SetReady(s.ctx, id, true))
	}
}

// CreateSession tests

func (s *ControllerSuite) TestCreateSessionUsesGeneratedID() {
	s.random.QueueString("ABC234")

	sess, err := s.controller.CreateSession(s.ctx)

	s.Require().NoError(err)
	s.Equal(model.SessionID("ABC234"), sess.ID)
	s.Equal(model.PhaseLobby, sess.Phase)
	s.Empty(sess.Roster)
	s.Equal([]model.SessionID{"ABC234"}, s.controller.ListSessionIDs(s.ctx))
	s.NotNil(s.sink.get("ABC234"))
}

func (s *ControllerSuite) TestCreateSessionRetriesOnCollision() {
	s.random.QueueString("AAAAAA", "AAAAAA", "BBBBBB")

	first, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)
	second, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)

	s.Equal(model.SessionID("AAAAAA"), first.ID)
	s.Equal(model.SessionID("BBBBBB"), second.ID)
}

func (s *ControllerSuite) TestCreateSessionGivesUpWhenIDsExhausted() {
	s.random.QueueString("AAAAAA")
	_, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)

	// The mock returns "" once its queue is empty, which is never accepted
	_, err = s.controller.CreateSession(s.ctx)
	s.ErrorIs(err, model.ErrInternal)
}

func (s *ControllerSuite) TestListSessionsInCreationOrder() {
	s.connect("A", "alice")
	s.join("S2", "A")
	s.random.QueueString("ZZZZZZ")
	_, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)

	s.Equal([]model.SessionID{"S2", "ZZZZZZ"}, s.controller.ListSessionIDs(s.ctx))

	summaries := s.controller.ListSessions(s.ctx)
	s.Require().Len(summaries, 2)
	s.Equal(1, summaries[0].PlayerCount)
	s.Equal(0, summaries[1].PlayerCount)
}

func (s *ControllerSuite) TestGetSessionUnknownFails() {
	_, err := s.controller.GetSession(s.ctx, "nope")
	s.ErrorIs(err, model.ErrSessionNotFound)
}

// JoinSession tests

func (s *ControllerSuite) TestJoinAutoCreatesUnknownSession() {
	s.connect("A", "alice")

	player, err := s.controller.JoinSession(s.ctx, "S1", "A", "")

	s.Require().NoError(err)
	s.Equal(model.PlayerID("A"), player.ID)
	s.Equal("alice", player.Name)
	s.Equal(model.RoleMaskMaker, player.Role)
	s.False(player.Ready)
	s.True(player.Connected)

	sess := s.session("S1")
	s.Equal([]string{"alice"}, sess.Names())
	s.Equal([]model.ConnectionID{"A"}, s.router.GroupMembers("S1"))

	conn, err := s.connections.Lookup("A")
	s.Require().NoError(err)
	s.Equal(model.SessionID("S1"), conn.SessionID)
}

func (s *ControllerSuite) TestJoinEmitsEventsInOrder() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A")
	s.drainAll()

	s.join("S1", "B")

	s.Equal([]model.EventName{
		model.EventUserJoinedGameGroup,
		model.EventPlayerJoined,
		model.EventRosterUpdated,
	}, names(s.events("A")))
	s.Equal([]model.EventName{
		model.EventUserJoinedGameGroup,
		model.EventPlayerJoined,
		model.EventRosterUpdated,
		model.EventSessionSnapshot,
	}, names(s.events("B")))
}

func (s *ControllerSuite) TestJoinRosterUpdatedCarriesNamesInJoinOrder() {
	for _, id := range []model.ConnectionID{"A", "B", "C"} {
		s.connect(id, strings.ToLower(string(id))+"-player")
	}
	s.join("S1", "A", "B", "C")

	e, ok := last(s.events("A"), model.EventRosterUpdated)
	s.Require().True(ok)
	payload := e.Payload.(model.RosterUpdatedPayload)
	s.Equal([]string{"a-player", "b-player", "c-player"}, payload.Names)
	s.Equal(3, payload.Total)
	s.Equal(0, payload.ReadyCount)
}

func (s *ControllerSuite) TestJoinWithNameOverridesHandshakeName() {
	s.connect("A", "alice")

	player, err := s.controller.JoinSession(s.ctx, "S1", "A", "  Alicia ")

	s.Require().NoError(err)
	s.Equal("Alicia", player.Name)
}

func (s *ControllerSuite) TestJoinInvalidNameFails() {
	s.connect("A", "alice")
	_, err := s.controller.JoinSession(s.ctx, "S1", "A", strings.Repeat("x", model.MaxPlayerNameLength+1))
	s.ErrorIs(err, model.ErrInvalidPlayerName)
}

func (s *ControllerSuite) TestJoinNotConnectedFails() {
	_, err := s.controller.JoinSession(s.ctx, "S1", "ghost", "")
	s.ErrorIs(err, model.ErrNotConnected)
	s.Empty(s.controller.ListSessionIDs(s.ctx))
}

func (s *ControllerSuite) TestJoinInvalidSessionIDFails() {
	s.connect("A", "alice")
	_, err := s.controller.JoinSession(s.ctx, "not a valid id!", "A", "")
	s.ErrorIs(err, model.ErrInvalidSessionID)
}

func (s *ControllerSuite) TestJoinExplicitPolicyRequiresExistingSession() {
	cfg := DefaultConfig()
	cfg.JoinPolicy = JoinPolicyExplicit
	s.setup(cfg)
	s.connect("A", "alice")

	_, err := s.controller.JoinSession(s.ctx, "S1", "A", "")
	s.ErrorIs(err, model.ErrSessionNotFound)

	s.random.QueueString("S2S2S2")
	sess, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)
	_, err = s.controller.JoinSession(s.ctx, sess.ID, "A", "")
	s.NoError(err)
}

func (s *ControllerSuite) TestJoinSameSessionTwiceFails() {
	s.connect("A", "alice")
	s.join("S1", "A")

	_, err := s.controller.JoinSession(s.ctx, "S1", "A", "")

	s.ErrorIs(err, model.ErrAlreadyJoined)
	s.Len(s.session("S1").Roster, 1)
}

func (s *ControllerSuite) TestJoinFullSessionFails() {
	cfg := DefaultConfig()
	cfg.Capacity = 2
	s.setup(cfg)
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.connect("C", "carol")
	s.join("S1", "A", "B")

	_, err := s.controller.JoinSession(s.ctx, "S1", "C", "")

	s.ErrorIs(err, model.ErrSessionFull)
	s.Len(s.session("S1").Roster, 2)
	conn, _ := s.connections.Lookup("C")
	s.False(conn.InSession())
	s.Empty(s.events("C"))
}

func (s *ControllerSuite) TestJoinCompletedSessionFails() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A")
	s.toMaskDraw("A")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask")))
	s.Require().NoError(s.controller.CompleteComparison(s.ctx, "S1", nil))
	s.Require().NoError(s.controller.CompleteScoring(s.ctx, "S1", nil))
	s.Require().Equal(model.PhaseCompleted, s.session("S1").Phase)

	_, err := s.controller.JoinSession(s.ctx, "S1", "B", "")

	s.ErrorIs(err, model.ErrInvalidPhase)
}

func (s *ControllerSuite) TestJoinAnotherSessionSwitchesRooms() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drainAll()

	s.join("S2", "A")

	s.Equal([]string{"bob"}, s.session("S1").Names())
	s.Equal([]string{"alice"}, s.session("S2").Names())
	s.Equal([]model.ConnectionID{"B"}, s.router.GroupMembers("S1"))
	s.Equal([]model.ConnectionID{"A"}, s.router.GroupMembers("S2"))

	e, ok := last(s.events("B"), model.EventPlayerLeft)
	s.Require().True(ok)
	s.Equal(model.LeaveReasonSwitched, e.Payload.(model.PlayerLeftPayload).Reason)
}

// LeaveSession tests

func (s *ControllerSuite) TestJoinThenLeaveRestoresPriorState() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A")
	before := s.session("S1")
	membersBefore := s.router.GroupMembers("S1")

	s.join("S1", "B")
	s.Require().NoError(s.controller.LeaveSession(s.ctx, "B"))

	after := s.session("S1")
	s.Equal(before.Roster, after.Roster)
	s.Equal(membersBefore, s.router.GroupMembers("S1"))
	conn, _ := s.connections.Lookup("B")
	s.False(conn.InSession())
}

func (s *ControllerSuite) TestLeaveEmitsEvents() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drainAll()

	s.Require().NoError(s.controller.LeaveSession(s.ctx, "B"))

	s.Equal([]model.EventName{model.EventUserLeftGameGroup}, names(s.events("B")))
	s.Equal([]model.EventName{
		model.EventUserLeftGameGroup,
		model.EventPlayerLeft,
		model.EventRosterUpdated,
	}, names(s.events("A")))
}

func (s *ControllerSuite) TestLastLeaveDestroysSession() {
	s.connect("A", "alice")
	s.join("S1", "A")

	s.Require().NoError(s.controller.LeaveSession(s.ctx, "A"))

	s.Empty(s.controller.ListSessionIDs(s.ctx))
	s.Equal(0, s.controller.SessionCount())
	_, err := s.controller.GetSession(s.ctx, "S1")
	s.ErrorIs(err, model.ErrSessionNotFound)
	s.Empty(s.router.GroupMembers("S1"))
	s.Nil(s.sink.get("S1"))
	s.Contains(s.sink.deleted, model.SessionID("S1"))
}

func (s *ControllerSuite) TestLeaveWithoutSessionIsNoop() {
	s.connect("A", "alice")
	s.NoError(s.controller.LeaveSession(s.ctx, "A"))
}

func (s *ControllerSuite) TestLeaveNotConnectedFails() {
	s.ErrorIs(s.controller.LeaveSession(s.ctx, "ghost"), model.ErrNotConnected)
}

func (s *ControllerSuite) TestLeaveCanCompleteReadyGuard() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A")
	s.Require().Equal(model.PhaseLobby, s.session("S1").Phase)

	s.Require().NoError(s.controller.LeaveSession(s.ctx, "B"))

	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
}

func (s *ControllerSuite) TestLeaveCanCompleteDrawingGuard() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A", "B")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask-a")))

	s.Require().NoError(s.controller.LeaveSession(s.ctx, "B"))

	s.Equal(model.PhaseMaskComparison, s.session("S1").Phase)
	s.Require().Len(s.hook.requests, 1)
	s.Len(s.hook.requests[0].Drawings, 1)
}

// Ready tests

func (s *ControllerSuite) TestAllReadyTransitionsExactlyOnce() {
	for _, id := range []model.ConnectionID{"A", "B", "C"} {
		s.connect(id, string(id))
	}
	s.join("S1", "A", "B", "C")

	s.toMaskDraw("A", "B")
	sess := s.session("S1")
	s.False(sess.AllPlayersReady())
	s.Equal(model.PhaseLobby, sess.Phase)
	s.drainAll()

	s.Require().NoError(s.controller.SetReady(s.ctx, "C", true))

	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
	for _, id := range []model.ConnectionID{"A", "B", "C"} {
		events := s.events(id)
		s.Equal(1, count(events, model.EventRosterUpdated), "roster updates to %s", id)
		s.Equal(1, count(events, model.EventPhaseChanged), "phase changes to %s", id)

		e, _ := last(events, model.EventPhaseChanged)
		payload := e.Payload.(model.PhaseChangedPayload)
		s.Equal(model.PhaseMaskDraw, payload.Phase)
		s.Equal(model.PhaseLobby, payload.Previous)
	}
}

func (s *ControllerSuite) TestSetReadyTwiceIsIdempotent() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))
	once := s.session("S1")
	s.drainAll()

	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))

	twice := s.session("S1")
	s.Equal(once.Roster, twice.Roster)
	s.Equal(once.Version, twice.Version)
	s.Empty(s.events("A"))
	s.Empty(s.events("B"))
}

func (s *ControllerSuite) TestSetReadyEmitsReadyCount() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drainAll()

	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))

	e, ok := last(s.events("B"), model.EventPlayerReadyChanged)
	s.Require().True(ok)
	payload := e.Payload.(model.PlayerReadyChangedPayload)
	s.True(payload.Ready)
	s.Equal(1, payload.ReadyCount)
	s.Equal(2, payload.Total)
}

func (s *ControllerSuite) TestUnreadyKeepsLobby() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", false))

	s.Equal(0, s.session("S1").ReadyCount())
}

func (s *ControllerSuite) TestSetReadyOutsideLobbyFails() {
	s.connect("A", "alice")
	s.join("S1", "A")
	s.toMaskDraw("A")

	s.ErrorIs(s.controller.SetReady(s.ctx, "A", false), model.ErrInvalidPhase)
}

func (s *ControllerSuite) TestSetReadyNotInSessionFails() {
	s.connect("A", "alice")
	s.ErrorIs(s.controller.SetReady(s.ctx, "A", true), model.ErrNotInSession)
}

func (s *ControllerSuite) TestConcurrentReadyFiresSingleTransition() {
	ids := []model.ConnectionID{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, id := range ids {
		s.connect(id, string(id))
	}
	s.join("S1", ids...)
	s.drainAll()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id model.ConnectionID) {
			defer wg.Done()
			s.NoError(s.controller.SetReady(s.ctx, id, true))
		}(id)
	}
	wg.Wait()

	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
	for _, id := range ids {
		s.Equal(1, count(s.events(id), model.EventPhaseChanged))
	}
}

// Drawing tests

func (s *ControllerSuite) TestResubmissionReplacesDrawing() {
	for _, id := range []model.ConnectionID{"A", "B", "C"} {
		s.connect(id, string(id))
	}
	s.join("S1", "A", "B", "C")
	s.toMaskDraw("A", "B", "C")
	s.drainAll()

	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("first")))
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("second")))

	sess := s.session("S1")
	s.Len(sess.Drawings, 1)
	s.Equal([]byte("second"), sess.Drawings["A"].Payload)
	s.Equal(model.PhaseMaskDraw, sess.Phase)

	e, ok := last(s.events("B"), model.EventDrawingSubmitted)
	s.Require().True(ok)
	payload := e.Payload.(model.DrawingSubmittedPayload)
	s.True(payload.Replaced)
	s.Equal(1, payload.SubmittedCount)

	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "B", []byte("b")))
	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "C", []byte("c")))
	s.Equal(model.PhaseMaskComparison, s.session("S1").Phase)
}

func (s *ControllerSuite) TestAllDrawingsHandOffToComparison() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A", "B")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "B", []byte("bb")))
	s.drainAll()

	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("a")))

	e, ok := last(s.events("A"), model.EventPhaseChanged)
	s.Require().True(ok)
	payload := e.Payload.(model.PhaseChangedPayload)
	s.Equal(model.PhaseMaskComparison, payload.Phase)
	s.Require().Len(payload.Drawings, 2)
	s.Equal(model.PlayerID("A"), payload.Drawings[0].PlayerID)
	s.Equal(model.PlayerID("B"), payload.Drawings[1].PlayerID)

	s.Require().Len(s.hook.requests, 1)
	req := s.hook.requests[0]
	s.Equal(model.SessionID("S1"), req.SessionID)
	s.Len(req.Players, 2)
	s.Len(req.Drawings, 2)
}

func (s *ControllerSuite) TestSubmitDrawingValidation() {
	cfg := DefaultConfig()
	cfg.MaxDrawingBytes = 4
	s.setup(cfg)
	s.connect("A", "alice")
	s.join("S1", "A")

	s.ErrorIs(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask")), model.ErrInvalidPhase)

	s.toMaskDraw("A")
	s.ErrorIs(s.controller.SubmitDrawing(s.ctx, "A", nil), model.ErrEmptyDrawing)
	s.ErrorIs(s.controller.SubmitDrawing(s.ctx, "A", []byte("too big")), model.ErrDrawingTooLarge)
	s.Empty(s.session("S1").Drawings)
}

func (s *ControllerSuite) TestSubmittedPayloadIsCopied() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A", "B")

	payload := []byte("mask")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", payload))
	payload[0] = 'X'

	s.Equal([]byte("mask"), s.session("S1").Drawings["A"].Payload)
}

// Phase override and completion tests

func (s *ControllerSuite) TestAdvancePhaseToSuccessor() {
	s.connect("A", "alice")
	s.join("S1", "A")

	s.Require().NoError(s.controller.AdvancePhase(s.ctx, "S1", model.PhaseMaskDraw))

	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
}

func (s *ControllerSuite) TestAdvancePhaseRejectsSkipsAndBackwards() {
	s.connect("A", "alice")
	s.join("S1", "A")

	s.ErrorIs(s.controller.AdvancePhase(s.ctx, "S1", model.PhaseScoring), model.ErrInvalidTransition)
	s.ErrorIs(s.controller.AdvancePhase(s.ctx, "S1", model.PhaseLobby), model.ErrInvalidTransition)

	s.Require().NoError(s.controller.AdvancePhase(s.ctx, "S1", model.PhaseMaskDraw))
	s.ErrorIs(s.controller.AdvancePhase(s.ctx, "S1", model.PhaseLobby), model.ErrInvalidTransition)
	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
}

func (s *ControllerSuite) TestAdvancePhaseErrors() {
	s.ErrorIs(s.controller.AdvancePhase(s.ctx, "S1", model.Phase("Bogus")), model.ErrUnknownPhase)
	s.ErrorIs(s.controller.AdvancePhase(s.ctx, "missing", model.PhaseMaskDraw), model.ErrSessionNotFound)

	s.random.QueueString("EMPTY1")
	sess, err := s.controller.CreateSession(s.ctx)
	s.Require().NoError(err)
	s.ErrorIs(s.controller.AdvancePhase(s.ctx, sess.ID, model.PhaseMaskDraw), model.ErrInvalidTransition)
}

func (s *ControllerSuite) TestCompletionSignalsFinishRound() {
	s.connect("A", "alice")
	s.join("S1", "A")
	s.toMaskDraw("A")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask")))
	s.drainAll()

	comparison := json.RawMessage(`{"winner":"A"}`)
	scores := json.RawMessage(`{"A":1}`)
	s.Require().NoError(s.controller.CompleteComparison(s.ctx, "S1", comparison))
	s.Require().NoError(s.controller.CompleteScoring(s.ctx, "S1", scores))

	sess := s.session("S1")
	s.Equal(model.PhaseCompleted, sess.Phase)
	s.JSONEq(string(comparison), string(sess.ComparisonResults))
	s.JSONEq(string(scores), string(sess.ScoringResults))

	events := s.events("A")
	s.Equal(2, count(events, model.EventPhaseChanged))
	e, _ := last(events, model.EventPhaseChanged)
	s.JSONEq(string(scores), string(e.Payload.(model.PhaseChangedPayload).Results))
}

func (s *ControllerSuite) TestCompletionSignalsRequireMatchingPhase() {
	s.connect("A", "alice")
	s.join("S1", "A")

	s.ErrorIs(s.controller.CompleteComparison(s.ctx, "S1", nil), model.ErrInvalidPhase)
	s.ErrorIs(s.controller.CompleteScoring(s.ctx, "S1", nil), model.ErrInvalidPhase)
	s.ErrorIs(s.controller.CompleteComparison(s.ctx, "missing", nil), model.ErrSessionNotFound)
	s.ErrorIs(s.controller.CompleteComparison(s.ctx, "S1", json.RawMessage(`{nope`)), model.ErrInvalidResults)
}

func (s *ControllerSuite) TestAutoCompleterDrivesRoundToCompletion() {
	auto := scoring.NewAutoCompleter(s.clock, 2*time.Second, testutil.NopLogger())
	s.controller = NewController(DefaultConfig(), s.connections, s.router, s.sink, auto, s.clock, s.random, testutil.NopLogger())
	auto.Attach(s.controller)
	s.connect("A", "alice")
	s.join("S1", "A")
	s.toMaskDraw("A")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask")))

	s.clock.Advance(2 * time.Second)
	s.Equal(model.PhaseScoring, s.session("S1").Phase)
	s.clock.Advance(2 * time.Second)
	s.Equal(model.PhaseCompleted, s.session("S1").Phase)
}

// Grace period tests

func (s *ControllerSuite) TestLostConnectionHeldForGracePeriod() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drainAll()

	s.drop("A", model.DisconnectLost)

	sess := s.session("S1")
	s.Require().Len(sess.Roster, 2)
	player := sess.Player("A")
	s.False(player.Connected)
	s.NotNil(player.DisconnectedAt)
	s.Equal([]model.ConnectionID{"B"}, s.router.GroupMembers("S1"))
	s.Equal(1, s.controller.PendingReconnects())

	e, ok := last(s.events("B"), model.EventPlayerDisconnected)
	s.Require().True(ok)
	payload := e.Payload.(model.PlayerDisconnectedPayload)
	s.Equal(s.clock.Now().Add(DefaultConfig().GracePeriod), payload.ReconnectBy)
}

func (s *ControllerSuite) TestReconnectWithinGraceRetainsState() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A", "B")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("mask")))

	s.drop("A", model.DisconnectLost)
	s.clock.Advance(5 * time.Second)

	s.connect("A2", "alice")
	s.Require().NoError(s.connections.BindPlayer("A2", "A"))
	s.drainAll()
	sessionID, err := s.controller.Reconnect(s.ctx, "A2")

	s.Require().NoError(err)
	s.Equal(model.SessionID("S1"), sessionID)

	sess := s.session("S1")
	player := sess.Player("A")
	s.Require().NotNil(player)
	s.Equal(model.ConnectionID("A2"), player.ConnectionID)
	s.True(player.Connected)
	s.Nil(player.DisconnectedAt)
	s.True(player.Ready)
	s.Equal([]byte("mask"), sess.Drawings["A"].Payload)
	s.Equal([]model.ConnectionID{"A2", "B"}, s.router.GroupMembers("S1"))
	s.Equal(0, s.controller.PendingReconnects())
	s.Equal(0, s.clock.PendingTimers())

	s.Contains(names(s.events("A2")), model.EventSessionSnapshot)
	s.Contains(names(s.events("B")), model.EventPlayerReconnected)

	// The old timer must not remove the reconnected player
	s.clock.Advance(time.Minute)
	s.Len(s.session("S1").Roster, 2)
}

func (s *ControllerSuite) TestGraceExpiryRemovesPlayer() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))
	s.drop("A", model.DisconnectLost)
	s.drainAll()

	s.clock.Advance(DefaultConfig().GracePeriod)

	s.Equal([]string{"bob"}, s.session("S1").Names())
	e, ok := last(s.events("B"), model.EventPlayerLeft)
	s.Require().True(ok)
	s.Equal(model.LeaveReasonTimeout, e.Payload.(model.PlayerLeftPayload).Reason)
	s.Equal(0, s.controller.PendingReconnects())

	// A later rejoin starts fresh
	s.connect("A2", "alice")
	s.Require().NoError(s.connections.BindPlayer("A2", "A"))
	_, err := s.controller.Reconnect(s.ctx, "A2")
	s.ErrorIs(err, model.ErrReconnectUnavailable)

	player, err := s.controller.JoinSession(s.ctx, "S1", "A2", "")
	s.Require().NoError(err)
	s.False(player.Ready)
}

func (s *ControllerSuite) TestGraceExpiryOfLastPlayerDestroysSession() {
	s.connect("A", "alice")
	s.join("S1", "A")
	s.drop("A", model.DisconnectLost)
	s.Require().Equal(1, s.controller.SessionCount())

	s.clock.Advance(DefaultConfig().GracePeriod)

	s.Equal(0, s.controller.SessionCount())
}

func (s *ControllerSuite) TestLostPlayerStillCountsTowardGuards() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drop("B", model.DisconnectLost)

	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))
	s.Equal(model.PhaseLobby, s.session("S1").Phase)

	s.clock.Advance(DefaultConfig().GracePeriod)
	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
}

func (s *ControllerSuite) TestCleanDisconnectLeavesImmediately() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.drainAll()

	s.drop("A", model.DisconnectClean)

	s.Equal([]string{"bob"}, s.session("S1").Names())
	e, ok := last(s.events("B"), model.EventPlayerLeft)
	s.Require().True(ok)
	s.Equal(model.LeaveReasonDisconnected, e.Payload.(model.PlayerLeftPayload).Reason)
	s.Equal(0, s.controller.PendingReconnects())
}

func (s *ControllerSuite) TestZeroGracePeriodRemovesLostPlayers() {
	cfg := DefaultConfig()
	cfg.GracePeriod = 0
	s.setup(cfg)
	s.connect("A", "alice")
	s.join("S1", "A")

	s.drop("A", model.DisconnectLost)

	s.Equal(0, s.controller.SessionCount())
	s.Equal(0, s.clock.PendingTimers())
}

func (s *ControllerSuite) TestReconnectTakesOverSlotFromLiveConnection() {
	s.connect("A", "alice")
	s.connect("C", "carol")
	s.join("S1", "A", "C")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))

	// The old socket has not been noticed as dead yet
	s.connect("B", "alice")
	s.Require().NoError(s.connections.BindPlayer("B", "A"))
	s.drainAll()

	sessionID, err := s.controller.Reconnect(s.ctx, "B")
	s.Require().NoError(err)
	s.Equal(model.SessionID("S1"), sessionID)

	player := s.session("S1").Player("A")
	s.Require().NotNil(player)
	s.Equal(model.ConnectionID("B"), player.ConnectionID)
	s.True(player.Connected)
	s.True(player.Ready)
	s.Equal([]model.ConnectionID{"B", "C"}, s.router.GroupMembers("S1"))

	stale, err := s.connections.Lookup("A")
	s.Require().NoError(err)
	s.False(stale.InSession())
	s.ErrorIs(s.controller.SetReady(s.ctx, "A", false), model.ErrNotInSession)
	s.Contains(names(s.events("B")), model.EventSessionSnapshot)
	s.Contains(names(s.events("C")), model.EventPlayerReconnected)

	// Losing the stale socket later holds nothing and removes nobody
	s.drop("A", model.DisconnectLost)
	s.Equal(0, s.controller.PendingReconnects())
	s.clock.Advance(time.Minute)

	player = s.session("S1").Player("A")
	s.Require().NotNil(player)
	s.True(player.Connected)
	s.True(player.Ready)
	s.Require().NoError(s.controller.SetReady(s.ctx, "B", true), "B is the player's live connection")
}

func (s *ControllerSuite) TestJoinReclaimsPlayersOwnSlot() {
	s.connect("A", "alice")
	s.connect("C", "carol")
	s.join("S1", "A", "C")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))
	s.drop("A", model.DisconnectLost)

	s.connect("B", "alice")
	s.Require().NoError(s.connections.BindPlayer("B", "A"))
	player, err := s.controller.JoinSession(s.ctx, "S1", "B", "")

	s.Require().NoError(err)
	s.Equal(model.ConnectionID("B"), player.ConnectionID)
	s.True(player.Ready)
	s.Len(s.session("S1").Roster, 2)
	s.Equal(0, s.controller.PendingReconnects())
	s.Equal(0, s.clock.PendingTimers())

	s.clock.Advance(time.Minute)
	s.True(s.session("S1").Player("A").Ready)
}

func (s *ControllerSuite) TestHoldsInTwoSessionsExpireIndependently() {
	s.connect("A", "alice")
	s.connect("B", "alice")
	s.Require().NoError(s.connections.BindPlayer("B", "A"))
	s.connect("C", "carol")
	s.join("S1", "A", "C")
	s.join("S2", "B")

	s.drop("A", model.DisconnectLost)
	s.drop("B", model.DisconnectLost)
	s.Equal(2, s.controller.PendingReconnects())

	s.clock.Advance(DefaultConfig().GracePeriod)

	s.Equal([]string{"carol"}, s.session("S1").Names())
	s.Equal([]model.SessionID{"S1"}, s.controller.ListSessionIDs(s.ctx))
	s.Equal(0, s.controller.PendingReconnects())

	// With the stuck slot gone carol alone satisfies the guard
	s.Require().NoError(s.controller.SetReady(s.ctx, "C", true))
	s.Equal(model.PhaseMaskDraw, s.session("S1").Phase)
}

func (s *ControllerSuite) TestReconnectWithoutPendingFails() {
	s.connect("A", "alice")
	_, err := s.controller.Reconnect(s.ctx, "A")
	s.ErrorIs(err, model.ErrReconnectUnavailable)

	_, err = s.controller.Reconnect(s.ctx, "ghost")
	s.ErrorIs(err, model.ErrNotConnected)
}

// Fault and teardown tests

func (s *ControllerSuite) TestPanicInMutationTearsDownSession() {
	s.hook.panics = true
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A", "B")
	s.toMaskDraw("A", "B")
	s.Require().NoError(s.controller.SubmitDrawing(s.ctx, "A", []byte("a")))
	s.drainAll()

	err := s.controller.SubmitDrawing(s.ctx, "B", []byte("b"))

	s.ErrorIs(err, model.ErrInternal)
	s.Equal(0, s.controller.SessionCount())
	s.Empty(s.router.GroupMembers("S1"))
	s.Contains(s.sink.deleted, model.SessionID("S1"))

	e, ok := last(s.events("A"), model.EventSessionClosed)
	s.Require().True(ok)
	s.Equal(model.CloseReasonInternal, e.Payload.(model.SessionClosedPayload).Reason)

	// Both connections survive and are free to join elsewhere
	conn, err := s.connections.Lookup("A")
	s.Require().NoError(err)
	s.False(conn.InSession())
	s.ErrorIs(s.controller.SetReady(s.ctx, "B", true), model.ErrNotInSession)
	s.join("S2", "A")
}

func (s *ControllerSuite) TestReapIdleClosesInactiveSessions() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A")
	s.clock.Advance(20 * time.Minute)
	s.join("S2", "B")
	s.drainAll()

	s.clock.Advance(15 * time.Minute)
	reaped := s.controller.ReapIdle(s.ctx)

	s.Equal(1, reaped)
	s.Equal([]model.SessionID{"S2"}, s.controller.ListSessionIDs(s.ctx))
	e, ok := last(s.events("A"), model.EventSessionClosed)
	s.Require().True(ok)
	s.Equal(model.CloseReasonIdle, e.Payload.(model.SessionClosedPayload).Reason)
	conn, _ := s.connections.Lookup("A")
	s.False(conn.InSession())
	s.Empty(s.events("B"))
}

func (s *ControllerSuite) TestReapIdleDisabled() {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	s.setup(cfg)
	s.connect("A", "alice")
	s.join("S1", "A")
	s.clock.Advance(24 * time.Hour)

	s.Equal(0, s.controller.ReapIdle(s.ctx))
	s.Equal(1, s.controller.SessionCount())
}

func (s *ControllerSuite) TestRunReaperTicksOnClock() {
	s.connect("A", "alice")
	s.join("S1", "A")

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.controller.RunReaper(ctx, time.Minute)
	}()

	s.Eventually(func() bool { return s.clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	s.clock.Advance(DefaultConfig().IdleTimeout)
	s.Eventually(func() bool { return s.controller.SessionCount() == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("reaper did not stop")
	}
}

func (s *ControllerSuite) TestGraceExpiryPrecedesIdleReap() {
	s.connect("A", "alice")
	s.join("S1", "A")
	s.drop("A", model.DisconnectLost)
	s.Require().Equal(1, s.controller.PendingReconnects())

	s.clock.Set(s.clock.Now().Add(DefaultConfig().IdleTimeout))

	// The grace timer fired first and removed the last player
	s.Equal(0, s.controller.SessionCount())
	s.Equal(0, s.controller.PendingReconnects())
	s.Equal(0, s.controller.ReapIdle(s.ctx))
}

func (s *ControllerSuite) TestCloseAll() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "A")
	s.join("S2", "B")

	s.Equal(2, s.controller.CloseAll(s.ctx, model.CloseReasonShutdown))

	s.Equal(0, s.controller.SessionCount())
	e, ok := last(s.events("B"), model.EventSessionClosed)
	s.Require().True(ok)
	s.Equal(model.CloseReasonShutdown, e.Payload.(model.SessionClosedPayload).Reason)
}

// Chat tests

func (s *ControllerSuite) TestChatGoesToSessionGroup() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.connect("C", "carol")
	s.join("S1", "A", "B")
	s.drainAll()
	version := s.session("S1").Version

	s.Require().NoError(s.controller.SendChat(s.ctx, "A", "  hello  "))

	e, ok := last(s.events("B"), model.EventReceiveMessage)
	s.Require().True(ok)
	payload := e.Payload.(model.ReceiveMessagePayload)
	s.Equal("hello", payload.Text)
	s.Equal("alice", payload.Name)
	s.Empty(s.events("C"))
	s.Equal(version+1, s.session("S1").Version)
}

func (s *ControllerSuite) TestChatKeepsSessionFromIdling() {
	s.connect("A", "alice")
	s.join("S1", "A")

	s.clock.Advance(20 * time.Minute)
	s.Require().NoError(s.controller.SendChat(s.ctx, "A", "still here"))
	s.Equal(s.clock.Now(), s.session("S1").LastActivityAt)

	s.clock.Advance(15 * time.Minute)
	s.Equal(0, s.controller.ReapIdle(s.ctx))
	s.Equal(1, s.controller.SessionCount())
}

func (s *ControllerSuite) TestChatOutsideSessionGoesToEveryone() {
	s.connect("A", "alice")
	s.connect("B", "bob")
	s.join("S1", "B")
	s.drainAll()

	s.Require().NoError(s.controller.SendChat(s.ctx, "A", "anyone?"))

	s.Equal([]model.EventName{model.EventReceiveMessage}, names(s.events("A")))
	s.Equal([]model.EventName{model.EventReceiveMessage}, names(s.events("B")))
}

func (s *ControllerSuite) TestChatValidation() {
	s.connect("A", "alice")
	s.ErrorIs(s.controller.SendChat(s.ctx, "A", "   "), model.ErrEmptyMessage)
	s.ErrorIs(s.controller.SendChat(s.ctx, "A", strings.Repeat("x", MaxMessageLength+1)), model.ErrMessageTooLong)
	s.ErrorIs(s.controller.SendChat(s.ctx, "ghost", "hi"), model.ErrNotConnected)
}

// Snapshot tests

func (s *ControllerSuite) TestCommittedMutationsAreSnapshotted() {
	s.connect("A", "alice")
	s.join("S1", "A")
	s.Require().NoError(s.controller.SetReady(s.ctx, "A", true))

	snap := s.sink.get("S1")
	s.Require().NotNil(snap)
	s.Equal(model.PhaseMaskDraw, snap.Phase)
	s.Equal(s.session("S1").Version, snap.Version)
}

func (s *ControllerSuite) TestFailedMutationIsNotCommitted() {
	s.connect("A", "alice")
	s.join("S1", "A")
	before := s.session("S1")

	s.Require().Error(s.controller.SubmitDrawing(s.ctx, "A", []byte("x")))

	after := s.session("S1")
	s.Equal(before.Version, after.Version)
	s.Equal(before.LastActivityAt, after.LastActivityAt)
}

// Membership sequence tests

// checkMembership asserts the roster invariants that must hold between any
// two operations
func (s *ControllerSuite) checkMembership(step int) {
	seated := make(map[model.ConnectionID]model.SessionID)
	for _, id := range s.controller.ListSessionIDs(s.ctx) {
		sess := s.session(id)

		var connected []model.ConnectionID
		players := make(map[model.PlayerID]bool)
		for _, p := range sess.Roster {
			_, dup := seated[p.ConnectionID]
			s.Require().False(dup, "step %d: connection %s seated twice", step, p.ConnectionID)
			seated[p.ConnectionID] = id

			s.Require().False(players[p.ID], "step %d: player %s twice in %s", step, p.ID, id)
			players[p.ID] = true

			if p.Connected {
				connected = append(connected, p.ConnectionID)
			}
		}

		if sess.IsEmpty() {
			s.Require().False(sess.AllPlayersReady(), "step %d: empty %s reads all ready", step, id)
		}
		s.Require().ElementsMatch(connected, s.router.GroupMembers(id), "step %d: group %s", step, id)
	}

	for _, conn := range s.connections.List() {
		if conn.InSession() {
			s.Require().Equal(conn.SessionID, seated[conn.ID], "step %d: binding of %s", step, conn.ID)
		}
	}
}

func (s *ControllerSuite) TestRandomMembershipSequencesKeepInvariants() {
	for seed := uint64(1); seed <= 5; seed++ {
		s.Run(fmt.Sprintf("seed %d", seed), func() {
			s.SetupTest()
			s.runMembershipSequence(rand.New(rand.NewPCG(seed, 42)), 300)
		})
	}
}

func (s *ControllerSuite) runMembershipSequence(rng *rand.Rand, steps int) {
	sessions := []model.SessionID{"S1", "S2", "S3"}
	players := []model.PlayerID{"p0", "p1", "p2", "p3", "p4"}
	live := make(map[model.PlayerID]model.ConnectionID)
	generation := 0

	connectAs := func(p model.PlayerID) model.ConnectionID {
		generation++
		id := model.ConnectionID(fmt.Sprintf("%s-%d", p, generation))
		s.connect(id, string(p))
		s.Require().NoError(s.connections.BindPlayer(id, p))
		live[p] = id
		return id
	}
	for _, p := range players {
		connectAs(p)
	}

	for step := 0; step < steps; step++ {
		p := players[rng.IntN(len(players))]
		id, online := live[p]

		var err error
		switch op := rng.IntN(8); {
		case !online:
			_, err = s.controller.Reconnect(s.ctx, connectAs(p))
		case op <= 1:
			_, err = s.controller.JoinSession(s.ctx, sessions[rng.IntN(len(sessions))], id, "")
		case op == 2:
			err = s.controller.LeaveSession(s.ctx, id)
		case op == 3:
			err = s.controller.SetReady(s.ctx, id, rng.IntN(2) == 0)
		case op == 4:
			err = s.controller.SubmitDrawing(s.ctx, id, []byte("mask"))
		case op == 5:
			reason := model.DisconnectLost
			if rng.IntN(2) == 0 {
				reason = model.DisconnectClean
			}
			s.drop(id, reason)
			delete(live, p)
		case op == 6:
			// Reconnect before the old connection is noticed, then lose it
			_, err = s.controller.Reconnect(s.ctx, connectAs(p))
			s.drop(id, model.DisconnectReplaced)
		default:
			s.clock.Advance(time.Duration(rng.IntN(8)) * time.Second)
		}

		s.Require().NotErrorIs(err, model.ErrInternal, "step %d", step)
		s.checkMembership(step)
		s.drainAll()
	}
}
