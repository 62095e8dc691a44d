package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(
		&Conversation{}, &Channel{}, &ConversationMember{}, &ChannelMember{}, &Message{}, &ReadReceipt{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	sequence := 0
	store, err := NewStore(StoreConfig{
		Database: db,
		IDProvider: func() string {
			sequence++
			return fmt.Sprintf("id-%d", sequence)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestCreateConversationRegistersRoster(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2", "u2", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, userID := range []string{"u1", "u2"} {
		member, err := store.IsMember(ctx, RoomKindConversation, conversation.ID, userID)
		if err != nil {
			t.Fatalf("membership check failed: %v", err)
		}
		if !member {
			t.Fatalf("expected %s to be a member", userID)
		}
	}

	if member, _ := store.IsMember(ctx, RoomKindConversation, conversation.ID, "u3"); member {
		t.Fatal("did not expect u3 to be a member")
	}
}

func TestAppendMessageTouchesParent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := conversation.LastMessageAt
	time.Sleep(5 * time.Millisecond)

	message, err := store.AppendMessage(ctx, RoomKindConversation, conversation.ID, "u1", "t1", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.ContentType != "text" {
		t.Fatalf("expected default content type text, got %s", message.ContentType)
	}

	var reloaded Conversation
	if err := store.db.First(&reloaded, "id = ?", conversation.ID).Error; err != nil {
		t.Fatalf("failed to reload conversation: %v", err)
	}
	if !reloaded.LastMessageAt.After(before) {
		t.Fatal("expected last_message_at to advance with the message")
	}
}

func TestAppendMessageToMissingRoomFails(t *testing.T) {
	store := testStore(t)

	_, err := store.AppendMessage(context.Background(), RoomKindConversation, "missing", "u1", "t1", "hello", "")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	var count int64
	if err := store.db.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted messages, got %d", count)
	}
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	message, err := store.AppendMessage(ctx, RoomKindConversation, conversation.ID, "u1", "t1", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := store.MarkMessageRead(ctx, RoomKindConversation, conversation.ID, message.ID, "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.MarkMessageRead(ctx, RoomKindConversation, conversation.ID, message.ID, "u2")
	if err != nil {
		t.Fatalf("unexpected error on repeat: %v", err)
	}
	if first.MessageID != second.MessageID || first.UserID != second.UserID {
		t.Fatalf("expected identical receipt shape, got %+v then %+v", first, second)
	}

	var count int64
	if err := store.db.Model(&ReadReceipt{}).Where("message_id = ? AND user_id = ?", message.ID, "u2").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one receipt row, got %d", count)
	}

	var member ConversationMember
	if err := store.db.First(&member, "conversation_id = ? AND user_id = ?", conversation.ID, "u2").Error; err != nil {
		t.Fatalf("failed to reload member: %v", err)
	}
	if member.LastReadAt == nil {
		t.Fatal("expected last_read_at to be set")
	}
}

func TestMarkMessageReadRejectsUnknownMessage(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = store.MarkMessageRead(ctx, RoomKindConversation, conversation.ID, "ghost", "u2")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestUnreadCountsExcludeOwnMessages(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.CreateConversation(ctx, "t1", "u1", []string{"u3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(ctx, RoomKindConversation, first.ID, "u2", "t1", "from u2", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := store.AppendMessage(ctx, RoomKindConversation, first.ID, "u1", "t1", "own message", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.AppendMessage(ctx, RoomKindConversation, second.ID, "u3", "t1", "from u3", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := store.UnreadCounts(ctx, RoomKindConversation, []string{first.ID, second.ID, "empty"}, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[first.ID] != 3 {
		t.Fatalf("expected 3 unread in first conversation, got %d", counts[first.ID])
	}
	if counts[second.ID] != 1 {
		t.Fatalf("expected 1 unread in second conversation, got %d", counts[second.ID])
	}
	if counts["empty"] != 0 {
		t.Fatalf("expected zero count for room with no messages, got %d", counts["empty"])
	}
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	stale, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, err := store.CreateConversation(ctx, "t1", "u1", []string{"u3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.AppendMessage(ctx, RoomKindConversation, active.ID, "u3", "t1", "bump", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, total, err := store.ListConversations(ctx, "t1", "u1", 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}
	if len(items) != 2 || items[0].ID != active.ID || items[1].ID != stale.ID {
		t.Fatalf("expected most recently active first, got %+v", items)
	}
}

func TestListConversationsScopedToMemberAndTenant(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CreateConversation(ctx, "t2", "other", []string{"u9"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, total, err := store.ListConversations(ctx, "t1", "u3", 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty listing for non-member, got %d items", len(items))
	}
}

func TestListChannelsPaginates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.CreateChannel(ctx, "t1", fmt.Sprintf("ops-%d", i), "u1", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, total, err := store.ListChannels(ctx, "t1", "u1", 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(items) != 2 {
		t.Fatalf("expected page of 2, got %d", len(items))
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(ctx, RoomKindConversation, conversation.ID, "u1", "t1", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	messages, total, err := store.ListMessages(ctx, RoomKindConversation, conversation.ID, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(messages) != 2 || messages[0].Content != "m2" {
		t.Fatalf("expected newest message first, got %+v", messages)
	}
}
