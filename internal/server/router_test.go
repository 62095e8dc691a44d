package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/respondware/station/internal/auth"
	"github.com/respondware/station/internal/cache"
	"github.com/respondware/station/internal/chat"
	"github.com/respondware/station/internal/identity"
)

type stubGateway struct{}

func (stubGateway) HandleWS(c *gin.Context) {}

// countingStore wraps the real store to observe persistence traffic.
type countingStore struct {
	*chat.Store
	mu        sync.Mutex
	listCalls int
}

func (c *countingStore) ListConversations(ctx context.Context, tenantID, userID string, page, limit int) ([]chat.Conversation, int64, error) {
	c.mu.Lock()
	c.listCalls++
	c.mu.Unlock()
	return c.Store.ListConversations(ctx, tenantID, userID, page, limit)
}

func (c *countingStore) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// memBackend is an in-memory cache backend for router tests.
type memBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memBackend) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := strconv.ParseInt(m.values[key], 10, 64)
	current++
	m.values[key] = strconv.FormatInt(current, 10)
	return current, nil
}

type routerFixture struct {
	handler      http.Handler
	store        *countingStore
	conversation chat.Conversation
}

func newRouterFixture(t *testing.T, withCache bool) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(
		&identity.User{}, &chat.Conversation{}, &chat.Channel{},
		&chat.ConversationMember{}, &chat.ChannelMember{}, &chat.Message{}, &chat.ReadReceipt{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}
	ctx := context.Background()
	for _, user := range []identity.User{
		{ID: "u1", TenantID: "t1"},
		{ID: "u2", TenantID: "t1"},
		{ID: "u3", TenantID: "t1"},
	} {
		if err := identityService.CreateUser(ctx, user); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
	}

	chatStore, err := chat.NewStore(chat.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct chat store: %v", err)
	}
	conversation, err := chatStore.CreateConversation(ctx, "t1", "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	if _, err := chatStore.AppendMessage(ctx, chat.RoomKindConversation, conversation.ID, "u2", "t1", "welcome", ""); err != nil {
		t.Fatalf("failed to append message: %v", err)
	}

	store := &countingStore{Store: chatStore}

	var listingCache *cache.ListingCache
	if withCache {
		listingCache, err = cache.NewListingCache(cache.ListingCacheConfig{
			Backend: &memBackend{values: make(map[string]string)},
		})
		if err != nil {
			t.Fatalf("failed to construct cache: %v", err)
		}
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "station-auth",
		Audience:      "station-gateway",
	})

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   tokens,
		Identity: identityService,
		Store:    store,
		Cache:    listingCache,
		Gateway:  stubGateway{},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{handler: handler, store: store, conversation: conversation}
}

func (f *routerFixture) issueToken(t *testing.T, userID, tenantID string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"userId": userID, "tenantId": tenantID})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token issuance failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed token response: %v", err)
	}
	return response.AccessToken
}

func (f *routerFixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) post(t *testing.T, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

type listingResponse struct {
	Items []struct {
		ID          string `json:"id"`
		UnreadCount int64  `json:"unreadCount"`
	} `json:"items"`
	Pagination struct {
		Page       int   `json:"page"`
		Limit      int   `json:"limit"`
		Total      int64 `json:"total"`
		TotalPages int   `json:"totalPages"`
	} `json:"pagination"`
}

func TestListingRequiresToken(t *testing.T) {
	fixture := newRouterFixture(t, false)

	if code := fixture.get(t, "/api/conversations", "").Code; code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := fixture.get(t, "/api/conversations", "garbage").Code; code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", code)
	}
}

func TestTokenIssuanceRejectsCrossTenantClaim(t *testing.T) {
	fixture := newRouterFixture(t, false)

	body, _ := json.Marshal(map[string]string{"userId": "u1", "tenantId": "t2"})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for cross-tenant claim, got %d", recorder.Code)
	}
}

func TestConversationListingWithUnreadCounts(t *testing.T) {
	fixture := newRouterFixture(t, false)
	token := fixture.issueToken(t, "u1", "t1")

	recorder := fixture.get(t, "/api/conversations?page=1&limit=10", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response listingResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed listing: %v", err)
	}
	if len(response.Items) != 1 || response.Items[0].ID != fixture.conversation.ID {
		t.Fatalf("unexpected items: %+v", response.Items)
	}
	if response.Items[0].UnreadCount != 1 {
		t.Fatalf("expected unread count 1 (u2's message), got %d", response.Items[0].UnreadCount)
	}
	if response.Pagination.Total != 1 || response.Pagination.TotalPages != 1 || response.Pagination.Limit != 10 {
		t.Fatalf("unexpected pagination: %+v", response.Pagination)
	}
}

func TestListingCacheHitSkipsPersistence(t *testing.T) {
	fixture := newRouterFixture(t, true)
	token := fixture.issueToken(t, "u1", "t1")

	first := fixture.get(t, "/api/conversations?page=1&limit=10", token)
	second := fixture.get(t, "/api/conversations?page=1&limit=10", token)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("expected byte-identical pages before any mutation")
	}
	if calls := fixture.store.calls(); calls != 1 {
		t.Fatalf("expected exactly one persistence read, got %d", calls)
	}
}

func TestMutationInvalidatesTenantNamespace(t *testing.T) {
	fixture := newRouterFixture(t, true)
	token := fixture.issueToken(t, "u1", "t1")

	fixture.get(t, "/api/conversations?page=1&limit=10", token)

	created := fixture.post(t, "/api/conversations", token, map[string]interface{}{
		"memberIds": []string{"u3"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}

	recorder := fixture.get(t, "/api/conversations?page=1&limit=10", token)
	var response listingResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed listing: %v", err)
	}
	if len(response.Items) != 2 {
		t.Fatalf("expected the new conversation to appear after invalidation, got %+v", response.Items)
	}
	if calls := fixture.store.calls(); calls != 2 {
		t.Fatalf("expected a fresh persistence read after invalidation, got %d calls", calls)
	}
}

func TestCreateChannelAndList(t *testing.T) {
	fixture := newRouterFixture(t, false)
	token := fixture.issueToken(t, "u1", "t1")

	created := fixture.post(t, "/api/channels", token, map[string]interface{}{
		"name":      "dispatch",
		"memberIds": []string{"u2"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}

	recorder := fixture.get(t, "/api/channels", token)
	var response listingResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed listing: %v", err)
	}
	if len(response.Items) != 1 {
		t.Fatalf("expected one channel, got %+v", response.Items)
	}
}

func TestMessageHistoryRequiresMembership(t *testing.T) {
	fixture := newRouterFixture(t, false)

	outsider := fixture.issueToken(t, "u3", "t1")
	if code := fixture.get(t, "/api/conversations/"+fixture.conversation.ID+"/messages", outsider).Code; code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", code)
	}

	member := fixture.issueToken(t, "u1", "t1")
	recorder := fixture.get(t, "/api/conversations/"+fixture.conversation.ID+"/messages", member)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for member, got %d", recorder.Code)
	}
	var response struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("malformed history: %v", err)
	}
	if len(response.Items) != 1 || response.Items[0].Content != "welcome" {
		t.Fatalf("unexpected history: %+v", response.Items)
	}
}

func TestHealthz(t *testing.T) {
	fixture := newRouterFixture(t, false)
	if code := fixture.get(t, "/healthz", "").Code; code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", code)
	}
}
