package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/teamline/chat-app/internal/messaging"
	"github.com/teamline/chat-app/internal/protocol"
	"github.com/teamline/chat-app/internal/ratelimit"
	"github.com/teamline/chat-app/internal/store"
	"github.com/teamline/chat-app/internal/ws"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*store.User
	teams   map[string]*store.Team
	members map[string][]string // team_id -> user_ids
	created []*store.Message
	status  map[string]bool // user_id -> last recorded online flag

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*store.User),
		teams:   make(map[string]*store.Team),
		members: make(map[string][]string),
		status:  make(map[string]bool),
	}
}

func (f *fakeStore) addUser(id, username string) {
	f.users[id] = &store.User{ID: id, Username: username}
}

func (f *fakeStore) addTeam(id, name string, memberIDs ...string) {
	f.teams[id] = &store.Team{ID: id, Name: name}
	f.members[id] = memberIDs
}

func (f *fakeStore) CreateMessage(ctx context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("msg-%d", len(f.created)+1)
	}
	m.CreatedAt = time.Now()
	clone := *m
	f.created = append(f.created, &clone)
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id string) (*store.PopulatedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.created {
		if m.ID != id {
			continue
		}
		pm := &store.PopulatedMessage{Message: *m}
		if u := f.users[m.SenderID]; u != nil {
			pm.Sender = *u
		}
		if m.RecipientID != "" {
			if u := f.users[m.RecipientID]; u != nil {
				clone := *u
				pm.Recipient = &clone
			}
		}
		return pm, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetTeam(ctx context.Context, id string) (*store.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.teams[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[teamID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var teams []string
	for teamID, ids := range f.members {
		for _, id := range ids {
			if id == userID {
				teams = append(teams, teamID)
			}
		}
	}
	return teams, nil
}

func (f *fakeStore) UpdateUserStatus(ctx context.Context, userID string, isOnline bool, lastSeen time.Time) error {
	f.mu.Lock()
	f.status[userID] = isOnline
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type pubEvent struct {
	Room    string
	Event   string
	Payload interface{}
	Origin  string
}

type fakeBus struct {
	mu      sync.Mutex
	events  []pubEvent
	handler messaging.EnvelopeHandler
}

func (b *fakeBus) PublishRoomEvent(room, event string, payload interface{}, origin string) error {
	b.mu.Lock()
	b.events = append(b.events, pubEvent{Room: room, Event: event, Payload: payload, Origin: origin})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) SubscribeRoomEvents(handler messaging.EnvelopeHandler) error {
	b.handler = handler
	return nil
}

func (b *fakeBus) published() []pubEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pubEvent, len(b.events))
	copy(out, b.events)
	return out
}

// waitPublished polls until at least n events have been published or the
// deadline passes. Needed for expiry events that arrive on a timer goroutine.
func (b *fakeBus) waitPublished(t *testing.T, n int) []pubEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := b.published(); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published events, have %d", n, len(b.published()))
	return nil
}

type fakePresence struct {
	mu        sync.Mutex
	online    []string
	offline   []string
	refreshed []string
}

func (p *fakePresence) SetOnline(ctx context.Context, userID, connID string) error {
	p.mu.Lock()
	p.online = append(p.online, userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) SetOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	p.offline = append(p.offline, userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Refresh(ctx context.Context, userID string) error {
	p.mu.Lock()
	p.refreshed = append(p.refreshed, userID)
	p.mu.Unlock()
	return nil
}

type fakeLimiter struct {
	allowed bool
}

func (l *fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	return l.allowed, nil
}

type sentFrame struct {
	ConnID string
	Data   []byte
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *fakeSender) SendToConnection(c *ws.Connection, data []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, sentFrame{ConnID: c.ID, Data: data})
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	hub      *Hub
	store    *fakeStore
	bus      *fakeBus
	presence *fakePresence
	limiter  *fakeLimiter
	sender   *fakeSender
	conns    *ws.ConnectionManager
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store:    newFakeStore(),
		bus:      &fakeBus{},
		presence: &fakePresence{},
		limiter:  &fakeLimiter{allowed: true},
		sender:   &fakeSender{},
		conns:    ws.NewConnectionManager(),
	}
	f.hub = New(Config{OpTimeout: time.Second, TypingWindow: window},
		f.store, f.bus, f.presence, f.limiter, f.conns, f.sender)
	return f
}

var nextFd = 1000

func newConn(id, userID, username string) *ws.Connection {
	client, _ := net.Pipe()
	nextFd++
	return &ws.Connection{
		ID:        id,
		UserID:    userID,
		Username:  username,
		Conn:      client,
		Fd:        nextFd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
}

// decodeFrame parses a sent frame into a generic map for assertions.
func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return m
}

// requireError asserts that exactly one error frame with the given code was
// sent to the connection.
func requireError(t *testing.T, sender *fakeSender, connID, code string) map[string]interface{} {
	t.Helper()
	var errs []map[string]interface{}
	for _, f := range sender.sent() {
		if f.ConnID != connID {
			continue
		}
		m := decodeFrame(t, f.Data)
		if m["type"] == protocol.TypeError {
			errs = append(errs, m)
		}
	}
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error frame, got %d", len(errs))
	}
	if errs[0]["code"] != code {
		t.Fatalf("expected error code %q, got %q", code, errs[0]["code"])
	}
	return errs[0]
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

func TestDirectMessagePublishesExactlyTwoEnvelopes(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	f.store.addUser("bob", "Bob")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{
		Type:        protocol.TypeSendDirectMessage,
		RecipientID: "bob",
		Content:     "hello bob",
	})

	evts := f.bus.published()
	if len(evts) != 2 {
		t.Fatalf("expected exactly 2 envelopes, got %d: %+v", len(evts), evts)
	}
	if evts[0].Event != protocol.TypeNewDirectMessage || evts[0].Room != "user:bob" {
		t.Errorf("first envelope: expected new_direct_message to user:bob, got %s to %s",
			evts[0].Event, evts[0].Room)
	}
	if evts[1].Event != protocol.TypeMessageSent || evts[1].Room != "user:alice" {
		t.Errorf("second envelope: expected message_sent to user:alice, got %s to %s",
			evts[1].Event, evts[1].Room)
	}
	for _, e := range evts {
		if e.Origin != "" {
			t.Errorf("message envelopes must not carry an origin, got %q", e.Origin)
		}
	}

	if f.store.createdCount() != 1 {
		t.Errorf("expected 1 persisted message, got %d", f.store.createdCount())
	}
	rec := f.store.created[0]
	if rec.MessageType != store.TypeDirect || rec.RecipientID != "bob" || rec.SenderID != "alice" {
		t.Errorf("persisted message has wrong fields: %+v", rec)
	}
}

func TestDirectMessageEmptyContentRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	f.store.addUser("bob", "Bob")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{
		RecipientID: "bob",
		Content:     "   ",
	})

	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	if f.store.createdCount() != 0 {
		t.Errorf("expected nothing persisted, got %d", f.store.createdCount())
	}
	errMsg := requireError(t, f.sender, "c1", protocol.CodeInvalidMessage)
	if errMsg["message"] != "Message content is required" {
		t.Errorf("unexpected error message: %q", errMsg["message"])
	}
}

func TestDirectMessageMissingRecipientRejected(t *testing.T) {
	f := newFixture(t, 0)
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{Content: "hi"})

	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	requireError(t, f.sender, "c1", protocol.CodeInvalidMessage)
}

func TestDirectMessageUnknownRecipient(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{
		RecipientID: "ghost",
		Content:     "anyone there?",
	})

	if f.store.createdCount() != 0 {
		t.Errorf("expected nothing persisted, got %d", f.store.createdCount())
	}
	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	requireError(t, f.sender, "c1", protocol.CodeNotFound)
}

func TestDirectMessageRateLimited(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	f.store.addUser("bob", "Bob")
	f.limiter.allowed = false
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{
		RecipientID: "bob",
		Content:     "spam",
	})

	if f.store.createdCount() != 0 {
		t.Errorf("expected nothing persisted, got %d", f.store.createdCount())
	}
	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	requireError(t, f.sender, "c1", protocol.CodeRateLimited)
}

func TestDirectMessageSendImpliesTypingStop(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.addUser("alice", "Alice")
	f.store.addUser("bob", "Bob")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})
	f.hub.handleDirectMessage(conn, protocol.SendDirectMessageMsg{
		RecipientID: "bob",
		Content:     "done typing",
	})

	evts := f.bus.published()
	if len(evts) != 4 {
		t.Fatalf("expected 4 envelopes (typing start, stop, message x2), got %d: %+v", len(evts), evts)
	}
	if evts[0].Event != protocol.TypeUserTyping {
		t.Errorf("expected user_typing first, got %s", evts[0].Event)
	}
	if evts[1].Event != protocol.TypeUserStoppedTyping || evts[1].Room != "user:bob" {
		t.Errorf("expected implicit user_stopped_typing to user:bob, got %s to %s",
			evts[1].Event, evts[1].Room)
	}
	if evts[1].Origin != "alice" {
		t.Errorf("typing stop must carry the origin, got %q", evts[1].Origin)
	}
}

// ---------------------------------------------------------------------------
// Team messages
// ---------------------------------------------------------------------------

func TestTeamMessageFanout(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	f.store.addTeam("t1", "Platform", "alice", "bob")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTeamMessage(conn, protocol.SendTeamMessageMsg{
		TeamID:  "t1",
		Content: "standup in 5",
	})

	evts := f.bus.published()
	if len(evts) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(evts))
	}
	if evts[0].Event != protocol.TypeNewTeamMessage || evts[0].Room != "team:t1" {
		t.Errorf("expected new_team_message to team:t1, got %s to %s", evts[0].Event, evts[0].Room)
	}
	if f.store.createdCount() != 1 || f.store.created[0].MessageType != store.TypeTeam {
		t.Errorf("expected 1 persisted team message")
	}
}

func TestTeamMessageNonMemberDenied(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("mallory", "Mallory")
	f.store.addTeam("t1", "Platform", "alice", "bob")
	conn := newConn("c1", "mallory", "Mallory")

	f.hub.handleTeamMessage(conn, protocol.SendTeamMessageMsg{
		TeamID:  "t1",
		Content: "let me in",
	})

	if f.store.createdCount() != 0 {
		t.Fatalf("non-member message must not be persisted, got %d", f.store.createdCount())
	}
	if n := len(f.bus.published()); n != 0 {
		t.Fatalf("non-member message must not be published, got %d envelopes", n)
	}
	errMsg := requireError(t, f.sender, "c1", protocol.CodeAccessDenied)
	if errMsg["message"] != "Access denied to this team" {
		t.Errorf("unexpected error message: %q", errMsg["message"])
	}
}

func TestTeamMessageUnknownTeam(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTeamMessage(conn, protocol.SendTeamMessageMsg{
		TeamID:  "nope",
		Content: "hello?",
	})

	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	errMsg := requireError(t, f.sender, "c1", protocol.CodeNotFound)
	if errMsg["message"] != "Team not found" {
		t.Errorf("unexpected error message: %q", errMsg["message"])
	}
}

// ---------------------------------------------------------------------------
// Typing indicators
// ---------------------------------------------------------------------------

func TestTypingStartPublishesOncePerSession(t *testing.T) {
	f := newFixture(t, time.Minute)
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})
	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})
	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})

	evts := f.bus.published()
	if len(evts) != 1 {
		t.Fatalf("expected exactly 1 typing event for a burst of starts, got %d", len(evts))
	}
	if evts[0].Event != protocol.TypeUserTyping || evts[0].Room != "user:bob" || evts[0].Origin != "alice" {
		t.Errorf("unexpected typing envelope: %+v", evts[0])
	}
}

func TestTypingStopPublishesOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})
	f.hub.handleTypingStop(conn, protocol.TypingStopMsg{RecipientID: "bob"})
	f.hub.handleTypingStop(conn, protocol.TypingStopMsg{RecipientID: "bob"})

	evts := f.bus.published()
	if len(evts) != 2 {
		t.Fatalf("expected start + single stop, got %d events: %+v", len(evts), evts)
	}
	if evts[1].Event != protocol.TypeUserStoppedTyping {
		t.Errorf("expected user_stopped_typing, got %s", evts[1].Event)
	}
}

func TestTypingExpiryPublishesStop(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{TeamID: "t1"})

	evts := f.bus.waitPublished(t, 2)
	if len(evts) != 2 {
		t.Fatalf("expected start + expiry stop, got %d", len(evts))
	}
	if evts[0].Event != protocol.TypeUserTypingTeam {
		t.Errorf("expected user_typing_team, got %s", evts[0].Event)
	}
	if evts[1].Event != protocol.TypeUserStoppedTypingTeam || evts[1].Room != "team:t1" {
		t.Errorf("expected user_stopped_typing_team to team:t1, got %s to %s",
			evts[1].Event, evts[1].Room)
	}

	// An explicit stop after expiry is silent.
	f.hub.handleTypingStop(conn, protocol.TypingStopMsg{TeamID: "t1"})
	if n := len(f.bus.published()); n != 2 {
		t.Errorf("stop after expiry must not publish, got %d events", n)
	}
}

func TestTypingTargetRequired(t *testing.T) {
	f := newFixture(t, time.Minute)
	conn := newConn("c1", "alice", "Alice")

	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{})

	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes, got %d", n)
	}
	requireError(t, f.sender, "c1", protocol.CodeInvalidMessage)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestOnConnectJoinsRoomsAndRegistersPresence(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addUser("alice", "Alice")
	f.store.addTeam("t1", "Platform", "alice")
	conn := newConn("c1", "alice", "Alice")
	f.conns.Add(conn)

	f.hub.OnConnect(conn)

	if members := f.conns.RoomMembers("user:alice"); len(members) != 1 {
		t.Errorf("expected connection in user:alice, got %d members", len(members))
	}
	if members := f.conns.RoomMembers("team:t1"); len(members) != 1 {
		t.Errorf("expected connection in team:t1, got %d members", len(members))
	}

	if len(f.presence.online) != 1 || f.presence.online[0] != "alice" {
		t.Errorf("expected presence online for alice, got %v", f.presence.online)
	}
	if !f.store.status["alice"] {
		t.Error("expected online status recorded in store")
	}

	frames := f.sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 connected frame, got %d", len(frames))
	}
	m := decodeFrame(t, frames[0].Data)
	if m["type"] != protocol.TypeConnected || m["userId"] != "alice" {
		t.Errorf("unexpected connected frame: %v", m)
	}
}

func TestOnDisconnectScopesOfflineToTeamRooms(t *testing.T) {
	f := newFixture(t, time.Minute)
	conn := newConn("c1", "alice", "Alice")
	f.conns.JoinRoom(conn, "user:alice")
	f.conns.JoinRoom(conn, "team:t1")
	f.conns.JoinRoom(conn, "team:t2")

	// A live typing session toward bob must emit its stop on disconnect.
	f.hub.handleTypingStart(conn, protocol.TypingStartMsg{RecipientID: "bob"})

	f.hub.OnDisconnect(conn)

	evts := f.bus.published()
	var stops, offline []pubEvent
	for _, e := range evts {
		switch e.Event {
		case protocol.TypeUserStoppedTyping, protocol.TypeUserStoppedTypingTeam:
			stops = append(stops, e)
		case protocol.TypeUserOffline:
			offline = append(offline, e)
		}
	}

	if len(stops) != 1 || stops[0].Room != "user:bob" {
		t.Errorf("expected 1 typing stop to user:bob, got %+v", stops)
	}
	if len(offline) != 2 {
		t.Fatalf("expected user_offline in 2 team rooms, got %d", len(offline))
	}
	for _, e := range offline {
		if _, ok := map[string]bool{"team:t1": true, "team:t2": true}[e.Room]; !ok {
			t.Errorf("user_offline published to non-team room %s", e.Room)
		}
		if e.Origin != "alice" {
			t.Errorf("user_offline must carry origin alice, got %q", e.Origin)
		}
	}

	if len(f.presence.offline) != 1 || f.presence.offline[0] != "alice" {
		t.Errorf("expected presence offline for alice, got %v", f.presence.offline)
	}
	if f.store.status["alice"] {
		t.Error("expected offline status recorded in store")
	}
}

func TestOnDisconnectSkipsTeardownWithOtherSessions(t *testing.T) {
	f := newFixture(t, 0)
	c1 := newConn("c1", "alice", "Alice")
	c2 := newConn("c2", "alice", "Alice")
	f.conns.Add(c1)
	f.conns.Add(c2)
	f.conns.JoinRoom(c1, "team:t1")
	f.conns.JoinRoom(c2, "team:t1")

	// c1 drops but c2 is still registered: no offline fan-out.
	f.conns.Remove(c1.ID)
	f.hub.OnDisconnect(c1)

	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected no envelopes while another session is live, got %d", n)
	}
	if len(f.presence.offline) != 0 {
		t.Errorf("presence must not be cleared while another session is live")
	}
}

func TestOnAliveRefreshesPresence(t *testing.T) {
	f := newFixture(t, 0)
	conn := newConn("c1", "alice", "Alice")

	f.hub.OnAlive(conn)

	if len(f.presence.refreshed) != 1 || f.presence.refreshed[0] != "alice" {
		t.Errorf("expected presence refresh for alice, got %v", f.presence.refreshed)
	}
}

// ---------------------------------------------------------------------------
// Envelope delivery
// ---------------------------------------------------------------------------

func TestEnvelopeDeliverySkipsOrigin(t *testing.T) {
	f := newFixture(t, 0)
	alice := newConn("c1", "alice", "Alice")
	bob := newConn("c2", "bob", "Bob")
	f.conns.Add(alice)
	f.conns.Add(bob)
	f.conns.JoinRoom(alice, "team:t1")
	f.conns.JoinRoom(bob, "team:t1")

	payload, _ := json.Marshal(protocol.UserTypingTeamMsg{
		UserID:   "alice",
		Username: "Alice",
		TeamID:   "t1",
	})
	f.hub.handleEnvelope(messaging.Envelope{
		Room:    "team:t1",
		Event:   protocol.TypeUserTypingTeam,
		Payload: payload,
		Origin:  "alice",
	})

	frames := f.sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected delivery only to bob, got %d frames", len(frames))
	}
	if frames[0].ConnID != "c2" {
		t.Errorf("expected delivery to c2, got %s", frames[0].ConnID)
	}
	m := decodeFrame(t, frames[0].Data)
	if m["type"] != protocol.TypeUserTypingTeam || m["userId"] != "alice" {
		t.Errorf("unexpected delivered frame: %v", m)
	}
}

func TestEnvelopeDeliveryIncludesEveryoneWithoutOrigin(t *testing.T) {
	f := newFixture(t, 0)
	alice := newConn("c1", "alice", "Alice")
	bob := newConn("c2", "bob", "Bob")
	f.conns.Add(alice)
	f.conns.Add(bob)
	f.conns.JoinRoom(alice, "team:t1")
	f.conns.JoinRoom(bob, "team:t1")

	payload, _ := json.Marshal(protocol.NewTeamMessageMsg{Message: protocol.Message{ID: "m1"}})
	f.hub.handleEnvelope(messaging.Envelope{
		Room:    "team:t1",
		Event:   protocol.TypeNewTeamMessage,
		Payload: payload,
	})

	if n := len(f.sender.sent()); n != 2 {
		t.Errorf("expected delivery to both members, got %d frames", n)
	}
}

func TestEnvelopeForRoomWithNoLocalMembers(t *testing.T) {
	f := newFixture(t, 0)

	payload, _ := json.Marshal(protocol.UserOfflineMsg{UserID: "alice"})
	// Must not panic or send anything.
	f.hub.handleEnvelope(messaging.Envelope{
		Room:    "team:elsewhere",
		Event:   protocol.TypeUserOffline,
		Payload: payload,
		Origin:  "alice",
	})

	if n := len(f.sender.sent()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// join_team
// ---------------------------------------------------------------------------

func TestJoinTeamMember(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addTeam("t1", "Platform", "alice")
	conn := newConn("c1", "alice", "Alice")
	f.conns.Add(conn)

	f.hub.handleJoinTeam(conn, protocol.JoinTeamMsg{TeamID: "t1"})

	if members := f.conns.RoomMembers("team:t1"); len(members) != 1 {
		t.Errorf("expected connection joined to team:t1, got %d members", len(members))
	}
}

func TestJoinTeamNonMemberDenied(t *testing.T) {
	f := newFixture(t, 0)
	f.store.addTeam("t1", "Platform", "bob")
	conn := newConn("c1", "mallory", "Mallory")
	f.conns.Add(conn)

	f.hub.handleJoinTeam(conn, protocol.JoinTeamMsg{TeamID: "t1"})

	if members := f.conns.RoomMembers("team:t1"); len(members) != 0 {
		t.Errorf("non-member must not join team room, got %d members", len(members))
	}
	requireError(t, f.sender, "c1", protocol.CodeAccessDenied)
}
