package gateway

import (
	"encoding/json"
	"time"

	"github.com/respondware/station/internal/chat"
)

// Client-to-server events.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventJoinChannel       = "join_channel"
	EventLeaveChannel      = "leave_channel"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkAsRead        = "mark_as_read"
	EventGetOnlineUsers    = "get_online_users"
)

// Server-to-client events.
const (
	EventAuthenticated     = "authenticated"
	EventError             = "error"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessageRead       = "message_read"
	EventOnlineUsers       = "online_users"
)

// Frame is the JSON envelope for every message on the socket, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound frame with its payload.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type authenticatePayload struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
	ChannelID      string `json:"channelId"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ChannelID      string `json:"channelId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
}

type markAsReadPayload struct {
	ConversationID string `json:"conversationId"`
	ChannelID      string `json:"channelId"`
	MessageID      string `json:"messageId"`
}

type authenticatedPayload struct {
	UserID string `json:"userId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type presencePayload struct {
	UserID string `json:"userId"`
}

type typingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type messageReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// messagePayload is the full message record delivered on new_message.
type messagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	ChannelID      string    `json:"channelId,omitempty"`
	SenderID       string    `json:"senderId"`
	TenantID       string    `json:"tenantId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newMessagePayload(message chat.Message) messagePayload {
	payload := messagePayload{
		ID:        message.ID,
		SenderID:  message.SenderID,
		TenantID:  message.TenantID,
		Content:   message.Content,
		Type:      message.ContentType,
		CreatedAt: message.CreatedAt,
	}
	switch message.RoomKind {
	case chat.RoomKindConversation:
		payload.ConversationID = message.RoomID
	case chat.RoomKindChannel:
		payload.ChannelID = message.RoomID
	}
	return payload
}
