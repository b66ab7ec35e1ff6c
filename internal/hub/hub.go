// Package hub is the session controller: it ties the WebSocket layer to the
// durable store, the presence registry, the typing tracker, and the fan-out
// bus. One Hub per process. Every client event lands here after the
// dispatcher parses it, and every bus envelope lands here before local
// delivery.
package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/teamline/chat-app/internal/messaging"
	"github.com/teamline/chat-app/internal/metrics"
	"github.com/teamline/chat-app/internal/protocol"
	"github.com/teamline/chat-app/internal/ratelimit"
	"github.com/teamline/chat-app/internal/rooms"
	"github.com/teamline/chat-app/internal/store"
	"github.com/teamline/chat-app/internal/typing"
	"github.com/teamline/chat-app/internal/ws"
)

// MessageStore is the slice of the durable store the hub needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.PopulatedMessage, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetTeam(ctx context.Context, id string) (*store.Team, error)
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
	TeamsForUser(ctx context.Context, userID string) ([]string, error)
	UpdateUserStatus(ctx context.Context, userID string, isOnline bool, lastSeen time.Time) error
}

// Bus is the fan-out channel between serving processes. Satisfied by
// *messaging.Bus; test doubles capture the published envelopes instead.
type Bus interface {
	PublishRoomEvent(room, event string, payload interface{}, origin string) error
	SubscribeRoomEvents(handler messaging.EnvelopeHandler) error
}

// Presence is the slice of the presence registry the hub needs. All calls
// are best-effort: a failure is logged, never surfaced to the client.
type Presence interface {
	SetOnline(ctx context.Context, userID, connID string) error
	SetOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
}

// Limiter throttles message sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Sender writes frames to local connections. Satisfied by *ws.Server.
type Sender interface {
	SendToConnection(c *ws.Connection, data []byte) error
}

// Config holds hub tunables.
type Config struct {
	// OpTimeout bounds each store/presence/limiter call made on behalf of a
	// single client event.
	OpTimeout time.Duration

	// TypingWindow is how long a typing session lives without a fresh
	// typing_start.
	TypingWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout:    5 * time.Second,
		TypingWindow: typing.DefaultWindow,
	}
}

// Hub coordinates one process's connections. It has no module-level state;
// everything it touches is injected.
type Hub struct {
	cfg      Config
	store    MessageStore
	bus      Bus
	presence Presence
	limiter  Limiter
	conns    *ws.ConnectionManager
	sender   Sender
	rooms    *rooms.Tracker
	typing   *typing.Tracker
}

// New creates a Hub wired to the given collaborators. The typing tracker is
// owned by the hub so that expiry events flow back through the bus like
// explicit stops do.
func New(cfg Config, st MessageStore, bus Bus, pres Presence, lim Limiter, conns *ws.ConnectionManager, sender Sender) *Hub {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	h := &Hub{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		presence: pres,
		limiter:  lim,
		conns:    conns,
		sender:   sender,
		rooms:    rooms.NewTracker(st),
	}
	h.typing = typing.NewTracker(cfg.TypingWindow, func(key typing.Key) {
		h.publishTypingStop(key, "expired")
	})
	return h
}

// Start subscribes to the fan-out bus. It must complete before the server
// accepts connections, otherwise envelopes published by other processes
// during startup would be lost.
func (h *Hub) Start() error {
	return h.bus.SubscribeRoomEvents(h.handleEnvelope)
}

// RegisterHandlers binds the hub's client-event handlers to the dispatcher.
// Ping is handled inside the dispatcher itself.
func (h *Hub) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSendDirectMessage, h.handleDirectMessage)
	d.Register(protocol.TypeSendTeamMessage, h.handleTeamMessage)
	d.Register(protocol.TypeTypingStart, h.handleTypingStart)
	d.Register(protocol.TypeTypingStop, h.handleTypingStop)
	d.Register(protocol.TypeJoinTeam, h.handleJoinTeam)
}

func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.OpTimeout)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// OnConnect registers presence, joins the connection to its deterministic
// room set (personal room plus one room per team), and sends the connected
// handshake message.
func (h *Hub) OnConnect(c *ws.Connection) {
	ctx, cancel := h.opCtx()
	defer cancel()

	if err := h.presence.SetOnline(ctx, c.UserID, c.ID); err != nil {
		log.Printf("hub: presence online user=%s: %v", c.UserID, err)
	}
	if err := h.store.UpdateUserStatus(ctx, c.UserID, true, time.Now()); err != nil {
		log.Printf("hub: status online user=%s: %v", c.UserID, err)
	}

	roomSet, err := h.rooms.RoomsFor(ctx, c.UserID)
	if err != nil {
		// Degraded: the personal room still works, team fan-out resumes
		// after a reconnect.
		log.Printf("hub: room resolution user=%s: %v", c.UserID, err)
		roomSet = []string{rooms.UserRoom(c.UserID)}
	}
	for _, room := range roomSet {
		h.conns.JoinRoom(c, room)
	}

	data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: c.UserID})
	if err != nil {
		log.Printf("hub: build connected message user=%s: %v", c.UserID, err)
		return
	}
	if err := h.sender.SendToConnection(c, data); err != nil {
		log.Printf("hub: send connected message conn=%s: %v", c.ID, err)
	}
}

// OnDisconnect tears down the connection's transient state: pending typing
// sessions emit their stop events, the presence record is removed, and the
// user's shared team rooms are told the user went offline. Rooms where no
// one else knows the user (strangers' personal rooms) hear nothing.
func (h *Hub) OnDisconnect(c *ws.Connection) {
	for _, key := range h.typing.StopAllForUser(c.UserID) {
		h.publishTypingStop(key, "stop")
	}

	// Another live session for the same user on this process keeps the user
	// online; skip the offline teardown.
	if len(h.conns.UserConnections(c.UserID)) > 0 {
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if err := h.presence.SetOffline(ctx, c.UserID); err != nil {
		log.Printf("hub: presence offline user=%s: %v", c.UserID, err)
	}
	if err := h.store.UpdateUserStatus(ctx, c.UserID, false, time.Now()); err != nil {
		log.Printf("hub: status offline user=%s: %v", c.UserID, err)
	}

	for _, room := range c.Rooms() {
		if _, ok := rooms.TeamID(room); !ok {
			continue
		}
		h.publish(room, protocol.TypeUserOffline, protocol.UserOfflineMsg{
			Type:   protocol.TypeUserOffline,
			UserID: c.UserID,
		}, c.UserID)
	}
}

// OnAlive refreshes the presence TTL for a connection the heartbeat has
// confirmed live.
func (h *Hub) OnAlive(c *ws.Connection) {
	ctx, cancel := h.opCtx()
	defer cancel()

	if err := h.presence.Refresh(ctx, c.UserID); err != nil {
		log.Printf("hub: presence refresh user=%s: %v", c.UserID, err)
	}
}

// ---------------------------------------------------------------------------
// Client event handlers
// ---------------------------------------------------------------------------

// handleDirectMessage validates, persists, and fans out a direct message.
// Exactly two envelopes leave this function on success: the delivery to the
// recipient's personal room and the acknowledgement to the sender's.
func (h *Hub) handleDirectMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendDirectMessageMsg)
	if !ok {
		return
	}

	if m.RecipientID == "" {
		h.sendError(conn, protocol.CodeInvalidMessage, "Recipient is required")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	content, err := store.ValidateContent(m.Content)
	if err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if allowed, _ := h.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
		h.sendError(conn, protocol.CodeRateLimited, "Too many messages, slow down")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if _, err := h.store.GetUser(ctx, m.RecipientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(conn, protocol.CodeNotFound, "Recipient not found")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
		log.Printf("hub: recipient lookup user=%s: %v", m.RecipientID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	// Sending a message is an implicit typing stop toward the recipient.
	h.stopTypingIfActive(typing.Key{UserID: conn.UserID, Room: rooms.UserRoom(m.RecipientID)})

	record := &store.Message{
		SenderID:    conn.UserID,
		RecipientID: m.RecipientID,
		Content:     content,
		MessageType: store.TypeDirect,
	}
	if err := h.store.CreateMessage(ctx, record); err != nil {
		log.Printf("hub: persist direct message sender=%s: %v", conn.UserID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	pm, err := h.store.GetMessage(ctx, record.ID)
	if err != nil {
		log.Printf("hub: load direct message id=%s: %v", record.ID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}
	wire := toWireMessage(pm)

	if err := h.publish(rooms.UserRoom(m.RecipientID), protocol.TypeNewDirectMessage, protocol.NewDirectMessageMsg{
		Type:    protocol.TypeNewDirectMessage,
		Message: wire,
	}, ""); err != nil {
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}
	if err := h.publish(rooms.UserRoom(conn.UserID), protocol.TypeMessageSent, protocol.MessageSentMsg{
		Type:    protocol.TypeMessageSent,
		Message: wire,
	}, ""); err != nil {
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	metrics.MessagesTotal.WithLabelValues("direct").Inc()
}

// handleTeamMessage validates, authorizes, persists, and fans out a team
// message. Membership is checked against the store on every send; a
// non-member's message is rejected before anything is persisted or
// published.
func (h *Hub) handleTeamMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendTeamMessageMsg)
	if !ok {
		return
	}

	if m.TeamID == "" {
		h.sendError(conn, protocol.CodeInvalidMessage, "Team is required")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	content, err := store.ValidateContent(m.Content)
	if err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if allowed, _ := h.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
		h.sendError(conn, protocol.CodeRateLimited, "Too many messages, slow down")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if _, err := h.store.GetTeam(ctx, m.TeamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(conn, protocol.CodeNotFound, "Team not found")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
		log.Printf("hub: team lookup team=%s: %v", m.TeamID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	member, err := h.store.IsTeamMember(ctx, m.TeamID, conn.UserID)
	if err != nil {
		log.Printf("hub: membership check team=%s user=%s: %v", m.TeamID, conn.UserID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}
	if !member {
		h.sendError(conn, protocol.CodeAccessDenied, "Access denied to this team")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	h.stopTypingIfActive(typing.Key{UserID: conn.UserID, Room: rooms.TeamRoom(m.TeamID)})

	record := &store.Message{
		SenderID:    conn.UserID,
		TeamID:      m.TeamID,
		Content:     content,
		MessageType: store.TypeTeam,
	}
	if err := h.store.CreateMessage(ctx, record); err != nil {
		log.Printf("hub: persist team message sender=%s team=%s: %v", conn.UserID, m.TeamID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	pm, err := h.store.GetMessage(ctx, record.ID)
	if err != nil {
		log.Printf("hub: load team message id=%s: %v", record.ID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	if err := h.publish(rooms.TeamRoom(m.TeamID), protocol.TypeNewTeamMessage, protocol.NewTeamMessageMsg{
		Type:    protocol.TypeNewTeamMessage,
		Message: toWireMessage(pm),
	}, ""); err != nil {
		h.sendError(conn, protocol.CodeInternal, "Failed to send message")
		return
	}

	metrics.MessagesTotal.WithLabelValues("team").Inc()
}

// handleTypingStart records a typing_start. Only a fresh Idle -> Typing
// transition publishes an event; repeated starts just push the expiry out.
func (h *Hub) handleTypingStart(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingStartMsg)
	if !ok {
		return
	}

	room, err := typingRoom(m.RecipientID, m.TeamID)
	if err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}

	key := typing.Key{UserID: conn.UserID, Room: room}
	if !h.typing.Start(key) {
		return
	}
	metrics.TypingEvents.WithLabelValues("start").Inc()

	if teamID, ok := rooms.TeamID(room); ok {
		h.publish(room, protocol.TypeUserTypingTeam, protocol.UserTypingTeamMsg{
			Type:     protocol.TypeUserTypingTeam,
			UserID:   conn.UserID,
			Username: conn.Username,
			TeamID:   teamID,
		}, conn.UserID)
		return
	}
	h.publish(room, protocol.TypeUserTyping, protocol.UserTypingMsg{
		Type:     protocol.TypeUserTyping,
		UserID:   conn.UserID,
		Username: conn.Username,
	}, conn.UserID)
}

// handleTypingStop records an explicit typing_stop. The stop event is
// published only when a live session existed, so stop after expiry (or a
// duplicate stop) is silent.
func (h *Hub) handleTypingStop(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingStopMsg)
	if !ok {
		return
	}

	room, err := typingRoom(m.RecipientID, m.TeamID)
	if err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}

	h.stopTypingIfActive(typing.Key{UserID: conn.UserID, Room: room})
}

// handleJoinTeam joins the connection to a team room it wasn't a member of
// at connect time (the client sends this after the user is added to a team).
// Membership is verified so a connection cannot subscribe itself to a team
// it doesn't belong to.
func (h *Hub) handleJoinTeam(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinTeamMsg)
	if !ok {
		return
	}

	if m.TeamID == "" {
		h.sendError(conn, protocol.CodeInvalidMessage, "Team is required")
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	member, err := h.store.IsTeamMember(ctx, m.TeamID, conn.UserID)
	if err != nil {
		log.Printf("hub: membership check team=%s user=%s: %v", m.TeamID, conn.UserID, err)
		h.sendError(conn, protocol.CodeInternal, "Failed to join team")
		return
	}
	if !member {
		h.sendError(conn, protocol.CodeAccessDenied, "Access denied to this team")
		return
	}

	h.conns.JoinRoom(conn, rooms.TeamRoom(m.TeamID))
	log.Printf("hub: conn=%s user=%s joined room %s", conn.ID, conn.UserID, rooms.TeamRoom(m.TeamID))
}

// ---------------------------------------------------------------------------
// Bus fan-out
// ---------------------------------------------------------------------------

// handleEnvelope delivers a bus envelope to the local members of its room.
// Envelopes carrying an origin skip the originator's own connections, so
// typing and offline notifications never echo back to the acting user.
func (h *Hub) handleEnvelope(env messaging.Envelope) {
	start := time.Now()

	data, err := protocol.NewServerMessage(env.Event, env.Payload)
	if err != nil {
		log.Printf("hub: bad envelope payload event=%s room=%s: %v", env.Event, env.Room, err)
		return
	}

	for _, c := range h.conns.RoomMembers(env.Room) {
		if env.Origin != "" && c.UserID == env.Origin {
			continue
		}
		if err := h.sender.SendToConnection(c, data); err != nil {
			log.Printf("hub: deliver %s to conn=%s: %v", env.Event, c.ID, err)
		}
	}

	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}

// publish sends one room-targeted event to the bus. Local members of the
// room receive it when the envelope comes back through handleEnvelope, the
// same path remote members use.
func (h *Hub) publish(room, event string, payload interface{}, origin string) error {
	if err := h.bus.PublishRoomEvent(room, event, payload, origin); err != nil {
		log.Printf("hub: publish %s to %s: %v", event, room, err)
		return err
	}
	metrics.EnvelopesPublished.Inc()
	return nil
}

// stopTypingIfActive stops the typing session for key if one is live and
// publishes the stop event. No-op otherwise.
func (h *Hub) stopTypingIfActive(key typing.Key) {
	if h.typing.Stop(key) {
		h.publishTypingStop(key, "stop")
	}
}

// publishTypingStop emits the stop event for an ended typing session. kind
// is "stop" for explicit/implicit stops and "expired" for timer expiry.
func (h *Hub) publishTypingStop(key typing.Key, kind string) {
	metrics.TypingEvents.WithLabelValues(kind).Inc()

	if teamID, ok := rooms.TeamID(key.Room); ok {
		h.publish(key.Room, protocol.TypeUserStoppedTypingTeam, protocol.UserStoppedTypingTeamMsg{
			Type:   protocol.TypeUserStoppedTypingTeam,
			UserID: key.UserID,
			TeamID: teamID,
		}, key.UserID)
		return
	}
	h.publish(key.Room, protocol.TypeUserStoppedTyping, protocol.UserStoppedTypingMsg{
		Type:   protocol.TypeUserStoppedTyping,
		UserID: key.UserID,
	}, key.UserID)
}

// sendError sends a structured error frame directly to the connection.
func (h *Hub) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("hub: build error message conn=%s: %v", conn.ID, err)
		return
	}
	if err := h.sender.SendToConnection(conn, data); err != nil {
		log.Printf("hub: send error message conn=%s: %v", conn.ID, err)
	}
}

// typingRoom resolves a typing target to its room name. Exactly one of
// recipientID / teamID must be set.
func typingRoom(recipientID, teamID string) (string, error) {
	switch {
	case recipientID != "" && teamID != "":
		return "", errors.New("Typing target must be a recipient or a team, not both")
	case recipientID != "":
		return rooms.UserRoom(recipientID), nil
	case teamID != "":
		return rooms.TeamRoom(teamID), nil
	default:
		return "", errors.New("Typing target is required")
	}
}

// toWireMessage projects a populated store message into its client-facing
// shape.
func toWireMessage(pm *store.PopulatedMessage) protocol.Message {
	msg := protocol.Message{
		ID: pm.ID,
		Sender: protocol.UserRef{
			ID:       pm.Sender.ID,
			Username: pm.Sender.Username,
			Avatar:   pm.Sender.Avatar,
		},
		TeamID:      pm.TeamID,
		Content:     pm.Content,
		MessageType: pm.MessageType,
		CreatedAt:   pm.CreatedAt.UnixMilli(),
	}
	if pm.Recipient != nil {
		msg.Recipient = &protocol.UserRef{
			ID:       pm.Recipient.ID,
			Username: pm.Recipient.Username,
			Avatar:   pm.Recipient.Avatar,
		}
	}
	return msg
}
