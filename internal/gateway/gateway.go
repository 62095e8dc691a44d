// Package gateway implements the realtime messaging and presence backbone:
// per-socket authentication, room membership authorization, fan-out, online
// presence and read receipts. Everything here is scoped to one connection
// or one operation; no failure is fatal to the process.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/respondware/station/internal/auth"
	"github.com/respondware/station/internal/chat"
	"github.com/respondware/station/internal/identity"
)

const maxFrameSize = 16 * 1024

// Generic client-facing failure messages. Identity failures stay vague on
// purpose: callers must not learn whether the user or the tenant was wrong.
const (
	msgAuthFailed       = "authentication failed"
	msgAlreadyAuthed    = "already authenticated"
	msgNotAuthenticated = "not authenticated"
	msgRoomAccessDenied = "room access denied"
	msgInvalidPayload   = "invalid payload"
	msgUnknownEvent     = "unknown event"
	msgSendFailed       = "failed to send message"
	msgMarkReadFailed   = "failed to mark message as read"
)

// IdentityVerifier validates a claimed (userId, tenantId) pair.
type IdentityVerifier interface {
	Verify(ctx context.Context, userID, tenantID string) (identity.User, error)
}

// MessageStore is the persistence surface the gateway writes through.
type MessageStore interface {
	IsMember(ctx context.Context, kind chat.RoomKind, roomID, userID string) (bool, error)
	AppendMessage(ctx context.Context, kind chat.RoomKind, roomID, senderID, tenantID, content, contentType string) (chat.Message, error)
	MarkMessageRead(ctx context.Context, kind chat.RoomKind, roomID, messageID, userID string) (chat.ReadReceipt, error)
}

// Config describes the gateway's dependencies.
type Config struct {
	Identity   IdentityVerifier
	Store      MessageStore
	Hub        *Hub
	Presence   *Presence
	Sanitizer  Sanitizer
	Logger     *zap.Logger
	IDProvider func() string
}

// Gateway owns the socket protocol: it upgrades connections, dispatches
// inbound events and coordinates the hub, presence tracker and store.
type Gateway struct {
	verifier  IdentityVerifier
	store     MessageStore
	hub       *Hub
	presence  *Presence
	sanitizer Sanitizer
	logger    *zap.Logger
	newID     func() string
	upgrader  websocket.Upgrader
}

// NewGateway constructs the gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("gateway: identity verifier required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: message store required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("gateway: hub required")
	}
	if cfg.Presence == nil {
		return nil, fmt.Errorf("gateway: presence tracker required")
	}
	sanitizer := cfg.Sanitizer
	if sanitizer == nil {
		sanitizer = NewStripSanitizer(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Gateway{
		verifier:  cfg.Identity,
		store:     cfg.Store,
		hub:       cfg.Hub,
		presence:  cfg.Presence,
		sanitizer: sanitizer,
		logger:    logger,
		newID:     newID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// HandleWS upgrades the HTTP request and serves the connection until it
// disconnects. Authentication happens on the socket via the authenticate
// event, not at upgrade time.
func (g *Gateway) HandleWS(c *gin.Context) {
	sock, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(g.newID(), sock)
	go conn.writePump()
	g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *Conn) {
	defer g.disconnect(conn)

	conn.sock.SetReadLimit(maxFrameSize)
	conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		conn.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.sendError(msgInvalidPayload)
			continue
		}
		g.dispatch(conn, frame)
	}
}

// dispatch routes one inbound frame. A panicking handler is contained to
// its connection; the socket keeps serving.
func (g *Gateway) dispatch(conn *Conn, frame Frame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("handler panic", zap.String("event", frame.Event), zap.Any("panic", recovered))
			conn.sendError("internal error")
		}
	}()

	switch frame.Event {
	case EventAuthenticate:
		g.handleAuthenticate(conn, frame.Data)
	case EventJoinConversation:
		g.handleJoin(conn, frame.Data, chat.RoomKindConversation)
	case EventLeaveConversation:
		g.handleLeave(conn, frame.Data, chat.RoomKindConversation)
	case EventJoinChannel:
		g.handleJoin(conn, frame.Data, chat.RoomKindChannel)
	case EventLeaveChannel:
		g.handleLeave(conn, frame.Data, chat.RoomKindChannel)
	case EventSendMessage:
		g.handleSendMessage(conn, frame.Data)
	case EventTypingStart:
		g.handleTyping(conn, frame.Data, true)
	case EventTypingStop:
		g.handleTyping(conn, frame.Data, false)
	case EventMarkAsRead:
		g.handleMarkAsRead(conn, frame.Data)
	case EventGetOnlineUsers:
		g.handleGetOnlineUsers(conn)
	default:
		conn.sendError(msgUnknownEvent)
	}
}

// handleAuthenticate validates the claimed identity. Failure closes the
// connection: no partial trust. Success joins the implicit tenant and user
// rooms, records presence and announces the user to the tenant.
func (g *Gateway) handleAuthenticate(conn *Conn, data json.RawMessage) {
	// An established identity never changes; bail out before payload
	// validation so an authed connection can never be torn down here.
	if _, authed := conn.Identity(); authed {
		conn.sendError(msgAlreadyAuthed)
		return
	}

	var payload authenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" || payload.TenantID == "" {
		conn.sendError(msgAuthFailed)
		conn.close()
		return
	}

	user, err := g.verifier.Verify(context.Background(), payload.UserID, payload.TenantID)
	if err != nil {
		if !errors.Is(err, identity.ErrIdentityMismatch) {
			g.logger.Error("identity verification failed", zap.Error(err))
		}
		conn.sendError(msgAuthFailed)
		conn.close()
		return
	}

	conn.setIdentity(auth.Identity{UserID: user.ID, TenantID: user.TenantID, Role: user.Role})
	g.hub.Join(TenantRoom(user.TenantID), conn)
	g.hub.Join(UserRoom(user.ID), conn)
	newlyOnline := g.presence.Track(user.ID, user.TenantID, conn.id)

	conn.sendEvent(EventAuthenticated, authenticatedPayload{UserID: user.ID})
	if newlyOnline {
		g.hub.Broadcast(TenantRoom(user.TenantID), EventUserOnline, presencePayload{UserID: user.ID}, conn.id)
	}
}

// handleJoin authorizes a room join against the membership rows. Refusal
// keeps the connection open: unauthorized joins are not authentication
// failures.
func (g *Gateway) handleJoin(conn *Conn, data json.RawMessage, kind chat.RoomKind) {
	who, ok := conn.Identity()
	if !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}
	roomID, ok := decodeRoomID(data, kind)
	if !ok {
		conn.sendError(msgInvalidPayload)
		return
	}

	member, err := g.store.IsMember(context.Background(), kind, roomID, who.UserID)
	if err != nil {
		g.logger.Error("membership lookup failed", zap.String("room", roomID), zap.Error(err))
		conn.sendError(msgRoomAccessDenied)
		return
	}
	if !member {
		conn.sendError(msgRoomAccessDenied)
		return
	}
	g.hub.Join(roomName(kind, roomID), conn)
}

// handleLeave removes the connection from the room. Idempotent.
func (g *Gateway) handleLeave(conn *Conn, data json.RawMessage, kind chat.RoomKind) {
	if _, ok := conn.Identity(); !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}
	roomID, ok := decodeRoomID(data, kind)
	if !ok {
		conn.sendError(msgInvalidPayload)
		return
	}
	g.hub.Leave(roomName(kind, roomID), conn)
}

// handleSendMessage validates, sanitizes and persists the message, then
// fans it out. Fan-out happens only after the persistence transaction
// commits: a failed write must never surface to other participants as a
// phantom message.
func (g *Gateway) handleSendMessage(conn *Conn, data json.RawMessage) {
	who, ok := conn.Identity()
	if !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}

	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		conn.sendError(msgInvalidPayload)
		return
	}
	kind, roomID, err := resolveRoom(payload.ConversationID, payload.ChannelID)
	if err != nil {
		conn.sendError(msgInvalidPayload)
		return
	}

	// Membership could have been revoked since the join; the check runs
	// again on every send.
	member, err := g.store.IsMember(context.Background(), kind, roomID, who.UserID)
	if err != nil {
		g.logger.Error("membership lookup failed", zap.String("room", roomID), zap.Error(err))
		conn.sendError(msgSendFailed)
		return
	}
	if !member {
		conn.sendError(msgRoomAccessDenied)
		return
	}

	content, err := g.sanitizer.Sanitize(payload.Content)
	if err != nil {
		conn.sendError(msgInvalidPayload)
		return
	}

	message, err := g.store.AppendMessage(context.Background(), kind, roomID, who.UserID, who.TenantID, content, payload.Type)
	if err != nil {
		g.logger.Error("message persistence failed", zap.String("room", roomID), zap.Error(err))
		conn.sendError(msgSendFailed)
		return
	}

	g.hub.Broadcast(roomName(kind, roomID), EventNewMessage, newMessagePayload(message), "")
}

// handleTyping relays ephemeral typing indicators straight to the room,
// skipping persistence. Lost on disconnect by design.
func (g *Gateway) handleTyping(conn *Conn, data json.RawMessage, started bool) {
	who, ok := conn.Identity()
	if !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}
	roomID, ok := decodeRoomID(data, chat.RoomKindConversation)
	if !ok {
		conn.sendError(msgInvalidPayload)
		return
	}
	room := ConversationRoom(roomID)
	if !g.hub.InRoom(room, conn.id) {
		conn.sendError(msgRoomAccessDenied)
		return
	}

	event := EventUserTyping
	if !started {
		event = EventUserStoppedTyping
	}
	g.hub.Broadcast(room, event, typingPayload{UserID: who.UserID, ConversationID: roomID}, conn.id)
}

// handleMarkAsRead upserts the read receipt and tells the room, so other
// participants can render receipt indicators.
func (g *Gateway) handleMarkAsRead(conn *Conn, data json.RawMessage) {
	who, ok := conn.Identity()
	if !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}

	var payload markAsReadPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		conn.sendError(msgInvalidPayload)
		return
	}
	kind, roomID, err := resolveRoom(payload.ConversationID, payload.ChannelID)
	if err != nil {
		conn.sendError(msgInvalidPayload)
		return
	}

	member, err := g.store.IsMember(context.Background(), kind, roomID, who.UserID)
	if err != nil || !member {
		conn.sendError(msgRoomAccessDenied)
		return
	}

	receipt, err := g.store.MarkMessageRead(context.Background(), kind, roomID, payload.MessageID, who.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			conn.sendError(msgInvalidPayload)
			return
		}
		g.logger.Error("read receipt persistence failed", zap.String("message", payload.MessageID), zap.Error(err))
		conn.sendError(msgMarkReadFailed)
		return
	}

	g.hub.Broadcast(roomName(kind, roomID), EventMessageRead, messageReadPayload{
		MessageID: receipt.MessageID,
		UserID:    receipt.UserID,
	}, "")
}

// handleGetOnlineUsers answers from the in-memory presence map; no
// persistence read.
func (g *Gateway) handleGetOnlineUsers(conn *Conn) {
	who, ok := conn.Identity()
	if !ok {
		conn.sendError(msgNotAuthenticated)
		return
	}
	conn.sendEvent(EventOnlineUsers, g.presence.OnlineUsers(who.TenantID))
}

// disconnect tears down everything derived from the connection. The
// presence entry is removed only if this connection still owns it, so a
// superseded session's disconnect cannot knock a newer one offline.
func (g *Gateway) disconnect(conn *Conn) {
	g.hub.LeaveAll(conn)
	if who, ok := conn.Identity(); ok {
		if _, removed := g.presence.Remove(who.UserID, conn.id); removed {
			g.hub.Broadcast(TenantRoom(who.TenantID), EventUserOffline, presencePayload{UserID: who.UserID}, conn.id)
		}
	}
	conn.close()
}

func roomName(kind chat.RoomKind, roomID string) string {
	if kind == chat.RoomKindChannel {
		return ChannelRoom(roomID)
	}
	return ConversationRoom(roomID)
}

func resolveRoom(conversationID, channelID string) (chat.RoomKind, string, error) {
	switch {
	case conversationID != "" && channelID == "":
		return chat.RoomKindConversation, conversationID, nil
	case channelID != "" && conversationID == "":
		return chat.RoomKindChannel, channelID, nil
	default:
		return "", "", errors.New("gateway: exactly one room reference required")
	}
}

// decodeRoomID accepts either a bare string id or a {conversationId} /
// {channelId} object, matching what clients actually send.
func decodeRoomID(data json.RawMessage, kind chat.RoomKind) (string, bool) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, true
	}
	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	if kind == chat.RoomKindChannel {
		if payload.ChannelID == "" {
			return "", false
		}
		return payload.ChannelID, true
	}
	if payload.ConversationID == "" {
		return "", false
	}
	return payload.ConversationID, true
}
