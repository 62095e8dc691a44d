package chat

import "time"

// RoomKind distinguishes the two persisted room flavors. Tenant and user
// rooms are fan-out-only and have no rows of their own.
type RoomKind string

const (
	RoomKindConversation RoomKind = "conversation"
	RoomKindChannel      RoomKind = "channel"
)

// Conversation is a direct-messaging room between a fixed set of members.
type Conversation struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	TenantID      string    `gorm:"column:tenant_id;size:190;not null;index"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	LastMessageAt time.Time `gorm:"column:last_message_at;index"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Channel is a named room visible to its member roster.
type Channel struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	TenantID      string    `gorm:"column:tenant_id;size:190;not null;index"`
	Name          string    `gorm:"column:name;size:190;not null"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	LastMessageAt time.Time `gorm:"column:last_message_at;index"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Channel) TableName() string {
	return "channels"
}

// ConversationMember authorizes one user to participate in a conversation.
type ConversationMember struct {
	ConversationID string     `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	LastReadAt     *time.Time `gorm:"column:last_read_at"`
	JoinedAt       time.Time  `gorm:"column:joined_at;autoCreateTime"`
}

func (ConversationMember) TableName() string {
	return "conversation_members"
}

// ChannelMember authorizes one user to participate in a channel.
type ChannelMember struct {
	ChannelID  string     `gorm:"column:channel_id;primaryKey;size:190;not null"`
	UserID     string     `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	LastReadAt *time.Time `gorm:"column:last_read_at"`
	JoinedAt   time.Time  `gorm:"column:joined_at;autoCreateTime"`
}

func (ChannelMember) TableName() string {
	return "channel_members"
}

// Message is immutable once created.
type Message struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	RoomKind    RoomKind  `gorm:"column:room_kind;size:32;not null;index:idx_messages_room"`
	RoomID      string    `gorm:"column:room_id;size:190;not null;index:idx_messages_room"`
	SenderID    string    `gorm:"column:sender_id;size:190;not null;index"`
	TenantID    string    `gorm:"column:tenant_id;size:190;not null"`
	Content     string    `gorm:"column:content;not null"`
	ContentType string    `gorm:"column:content_type;size:32;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (Message) TableName() string {
	return "messages"
}

// ReadReceipt records that a user has read a message. Upserted, never deleted.
type ReadReceipt struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ReadAt    time.Time `gorm:"column:read_at;not null"`
}

func (ReadReceipt) TableName() string {
	return "read_receipts"
}
