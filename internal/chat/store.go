package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRoomNotFound    = errors.New("chat: room not found")
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrEmptyContent    = errors.New("chat: message content required")
	ErrNoMembers       = errors.New("chat: at least one member required")
)

// StoreConfig describes the dependencies of the chat store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider func() string
}

// Store owns conversations, channels, messages, memberships and receipts.
type Store struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() string
}

// NewStore constructs the chat store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("chat: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Store{db: cfg.Database, now: clock, newID: newID}, nil
}

// IsMember reports whether the user holds a membership row for the room.
func (s *Store) IsMember(ctx context.Context, kind RoomKind, roomID, userID string) (bool, error) {
	var count int64
	query := s.db.WithContext(ctx)
	switch kind {
	case RoomKindConversation:
		query = query.Model(&ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", roomID, userID)
	case RoomKindChannel:
		query = query.Model(&ChannelMember{}).
			Where("channel_id = ? AND user_id = ?", roomID, userID)
	default:
		return false, fmt.Errorf("chat: unknown room kind %q", kind)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MemberIDs returns the user ids on the room's roster.
func (s *Store) MemberIDs(ctx context.Context, kind RoomKind, roomID string) ([]string, error) {
	var ids []string
	query := s.db.WithContext(ctx)
	switch kind {
	case RoomKindConversation:
		query = query.Model(&ConversationMember{}).Where("conversation_id = ?", roomID)
	case RoomKindChannel:
		query = query.Model(&ChannelMember{}).Where("channel_id = ?", roomID)
	default:
		return nil, fmt.Errorf("chat: unknown room kind %q", kind)
	}
	if err := query.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateConversation creates a conversation and its membership rows in one transaction.
func (s *Store) CreateConversation(ctx context.Context, tenantID, creatorID string, memberIDs []string) (Conversation, error) {
	members := normalizeRoster(creatorID, memberIDs)
	if len(members) == 0 {
		return Conversation{}, ErrNoMembers
	}

	conversation := Conversation{
		ID:            s.newID(),
		TenantID:      tenantID,
		CreatedBy:     creatorID,
		LastMessageAt: s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		rows := make([]ConversationMember, 0, len(members))
		for _, memberID := range members {
			rows = append(rows, ConversationMember{ConversationID: conversation.ID, UserID: memberID})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

// CreateChannel creates a channel and its membership rows in one transaction.
func (s *Store) CreateChannel(ctx context.Context, tenantID, name, creatorID string, memberIDs []string) (Channel, error) {
	if strings.TrimSpace(name) == "" {
		return Channel{}, fmt.Errorf("chat: channel name required")
	}
	members := normalizeRoster(creatorID, memberIDs)
	if len(members) == 0 {
		return Channel{}, ErrNoMembers
	}

	channel := Channel{
		ID:            s.newID(),
		TenantID:      tenantID,
		Name:          strings.TrimSpace(name),
		CreatedBy:     creatorID,
		LastMessageAt: s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&channel).Error; err != nil {
			return err
		}
		rows := make([]ChannelMember, 0, len(members))
		for _, memberID := range members {
			rows = append(rows, ChannelMember{ChannelID: channel.ID, UserID: memberID})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

// AppendMessage persists a message and touches the parent room's
// last_message_at in the same transaction. Fan-out must only happen after
// this returns without error.
func (s *Store) AppendMessage(ctx context.Context, kind RoomKind, roomID, senderID, tenantID, content, contentType string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if contentType == "" {
		contentType = "text"
	}

	message := Message{
		ID:          s.newID(),
		RoomKind:    kind,
		RoomID:      roomID,
		SenderID:    senderID,
		TenantID:    tenantID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var touch *gorm.DB
		switch kind {
		case RoomKindConversation:
			touch = tx.Model(&Conversation{}).Where("id = ?", roomID)
		case RoomKindChannel:
			touch = tx.Model(&Channel{}).Where("id = ?", roomID)
		default:
			return fmt.Errorf("chat: unknown room kind %q", kind)
		}
		result := touch.Update("last_message_at", message.CreatedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		return tx.Create(&message).Error
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// MarkMessageRead upserts the (message, user) read receipt and advances the
// member's last_read_at marker. Idempotent: re-reading the same message
// rewrites the same row.
func (s *Store) MarkMessageRead(ctx context.Context, kind RoomKind, roomID, messageID, userID string) (ReadReceipt, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND room_kind = ? AND room_id = ?", messageID, kind, roomID).
		First(&message).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReadReceipt{}, ErrMessageNotFound
	}
	if err != nil {
		return ReadReceipt{}, err
	}

	readAt := s.now().UTC()
	receipt := ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: readAt}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"read_at": readAt}),
		}).Create(&receipt).Error; err != nil {
			return err
		}
		switch kind {
		case RoomKindConversation:
			return tx.Model(&ConversationMember{}).
				Where("conversation_id = ? AND user_id = ?", roomID, userID).
				Update("last_read_at", readAt).
				Error
		case RoomKindChannel:
			return tx.Model(&ChannelMember{}).
				Where("channel_id = ? AND user_id = ?", roomID, userID).
				Update("last_read_at", readAt).
				Error
		default:
			return fmt.Errorf("chat: unknown room kind %q", kind)
		}
	})
	if err != nil {
		return ReadReceipt{}, err
	}
	return receipt, nil
}

// UnreadCounts returns the per-room count of messages authored by someone
// other than the requesting user, for every room id in the page, using a
// single grouped query. The count deliberately ignores last_read_at: it is
// the source system's cheap approximation, kept intentionally.
func (s *Store) UnreadCounts(ctx context.Context, kind RoomKind, roomIDs []string, userID string) (map[string]int64, error) {
	counts := make(map[string]int64, len(roomIDs))
	if len(roomIDs) == 0 {
		return counts, nil
	}

	type roomCount struct {
		RoomID string
		Total  int64
	}
	var rows []roomCount
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Select("room_id, COUNT(*) AS total").
		Where("room_kind = ? AND room_id IN ? AND sender_id <> ?", kind, roomIDs, userID).
		Group("room_id").
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.RoomID] = row.Total
	}
	return counts, nil
}

// ListConversations returns one page of the user's conversations, most
// recently active first, plus the total for pagination.
func (s *Store) ListConversations(ctx context.Context, tenantID, userID string, page, limit int) ([]Conversation, int64, error) {
	page, limit = normalizePage(page, limit)

	base := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Joins("JOIN conversation_members ON conversation_members.conversation_id = conversations.id").
		Where("conversations.tenant_id = ? AND conversation_members.user_id = ?", tenantID, userID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Conversation
	err := base.
		Order("conversations.last_message_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&items).
		Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListChannels returns one page of the user's channels, most recently active
// first, plus the total for pagination.
func (s *Store) ListChannels(ctx context.Context, tenantID, userID string, page, limit int) ([]Channel, int64, error) {
	page, limit = normalizePage(page, limit)

	base := s.db.WithContext(ctx).
		Model(&Channel{}).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channels.tenant_id = ? AND channel_members.user_id = ?", tenantID, userID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Channel
	err := base.
		Order("channels.last_message_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&items).
		Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListMessages returns one page of a room's history, newest first.
func (s *Store) ListMessages(ctx context.Context, kind RoomKind, roomID string, page, limit int) ([]Message, int64, error) {
	page, limit = normalizePage(page, limit)

	base := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("room_kind = ? AND room_id = ?", kind, roomID)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Message
	err := base.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&items).
		Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func normalizeRoster(creatorID string, memberIDs []string) []string {
	seen := map[string]bool{}
	roster := make([]string, 0, len(memberIDs)+1)
	for _, id := range append([]string{creatorID}, memberIDs...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		roster = append(roster, id)
	}
	return roster
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
