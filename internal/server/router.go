// Package server exposes the REST listing endpoints and the websocket
// upgrade route. It shares the listing cache and the persistence layer with
// the socket gateway but holds no realtime state of its own.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/respondware/station/internal/auth"
	"github.com/respondware/station/internal/cache"
	"github.com/respondware/station/internal/chat"
	"github.com/respondware/station/internal/identity"
)

const (
	userIDContextKey   = "station_user_id"
	tenantIDContextKey = "station_tenant_id"

	defaultPageLimit = 20
)

var (
	errMissingTokens    = errors.New("token manager dependency required")
	errMissingIdentity  = errors.New("identity service dependency required")
	errMissingChatStore = errors.New("chat store dependency required")
	errMissingGateway   = errors.New("gateway dependency required")
)

// TokenManager issues and validates tenant-scoped session tokens.
type TokenManager interface {
	IssueToken(identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// IdentityService verifies claimed identities for token issuance.
type IdentityService interface {
	Verify(ctx context.Context, userID, tenantID string) (identity.User, error)
}

// ListingStore is the persistence surface behind the listing endpoints.
type ListingStore interface {
	ListConversations(ctx context.Context, tenantID, userID string, page, limit int) ([]chat.Conversation, int64, error)
	ListChannels(ctx context.Context, tenantID, userID string, page, limit int) ([]chat.Channel, int64, error)
	ListMessages(ctx context.Context, kind chat.RoomKind, roomID string, page, limit int) ([]chat.Message, int64, error)
	UnreadCounts(ctx context.Context, kind chat.RoomKind, roomIDs []string, userID string) (map[string]int64, error)
	IsMember(ctx context.Context, kind chat.RoomKind, roomID, userID string) (bool, error)
	CreateConversation(ctx context.Context, tenantID, creatorID string, memberIDs []string) (chat.Conversation, error)
	CreateChannel(ctx context.Context, tenantID, name, creatorID string, memberIDs []string) (chat.Channel, error)
}

// WebsocketHandler upgrades a request into a gateway connection.
type WebsocketHandler interface {
	HandleWS(c *gin.Context)
}

// Dependencies wires the HTTP surface together. Cache is optional: without
// it every listing request goes straight to persistence.
type Dependencies struct {
	Tokens   TokenManager
	Identity IdentityService
	Store    ListingStore
	Cache    *cache.ListingCache
	Gateway  WebsocketHandler
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Store == nil {
		return nil, errMissingChatStore
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		identity: deps.Identity,
		store:    deps.Store,
		cache:    deps.Cache,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws", deps.Gateway.HandleWS)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/conversations", handler.handleListConversations)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.GET("/channels", handler.handleListChannels)
	protected.POST("/channels", handler.handleCreateChannel)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	identity IdentityService
	store    ListingStore
	cache    *cache.ListingCache
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.TenantID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.identity.Verify(c.Request.Context(), request.UserID, request.TenantID)
	if err != nil {
		if !errors.Is(err, identity.ErrIdentityMismatch) {
			h.logger.Error("identity verification failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(auth.Identity{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Role:     user.Role,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	who, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, who.UserID)
	c.Set(tenantIDContextKey, who.TenantID)
	c.Next()
}

type paginationPayload struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

type conversationItem struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	CreatedBy     string    `json:"createdBy"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UnreadCount   int64     `json:"unreadCount"`
}

type channelItem struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Name          string    `json:"name"`
	CreatedBy     string    `json:"createdBy"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UnreadCount   int64     `json:"unreadCount"`
}

type listingPayload[T any] struct {
	Items      []T               `json:"items"`
	Pagination paginationPayload `json:"pagination"`
}

// handleListConversations serves a page of the caller's conversations,
// read-through cached. Unread counts for the whole page come from one
// grouped query regardless of page size.
func (h *httpHandler) handleListConversations(c *gin.Context) {
	who := h.requestIdentity(c)
	page, limit := parsePagination(c)
	queryKey := fmt.Sprintf("conversations:p%d:l%d", page, limit)

	if cached, ok := h.cachedPage(c, who, queryKey); ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
		return
	}

	items, total, err := h.store.ListConversations(c.Request.Context(), who.TenantID, who.UserID, page, limit)
	if err != nil {
		h.logger.Error("conversation listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	roomIDs := make([]string, 0, len(items))
	for _, item := range items {
		roomIDs = append(roomIDs, item.ID)
	}
	unread, err := h.store.UnreadCounts(c.Request.Context(), chat.RoomKindConversation, roomIDs, who.UserID)
	if err != nil {
		h.logger.Error("unread count query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	payload := listingPayload[conversationItem]{
		Items:      make([]conversationItem, 0, len(items)),
		Pagination: paginate(page, limit, total),
	}
	for _, item := range items {
		payload.Items = append(payload.Items, conversationItem{
			ID:            item.ID,
			TenantID:      item.TenantID,
			CreatedBy:     item.CreatedBy,
			LastMessageAt: item.LastMessageAt,
			CreatedAt:     item.CreatedAt,
			UnreadCount:   unread[item.ID],
		})
	}

	h.respondAndCache(c, who, queryKey, payload)
}

// handleListChannels mirrors handleListConversations for channels.
func (h *httpHandler) handleListChannels(c *gin.Context) {
	who := h.requestIdentity(c)
	page, limit := parsePagination(c)
	queryKey := fmt.Sprintf("channels:p%d:l%d", page, limit)

	if cached, ok := h.cachedPage(c, who, queryKey); ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
		return
	}

	items, total, err := h.store.ListChannels(c.Request.Context(), who.TenantID, who.UserID, page, limit)
	if err != nil {
		h.logger.Error("channel listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	roomIDs := make([]string, 0, len(items))
	for _, item := range items {
		roomIDs = append(roomIDs, item.ID)
	}
	unread, err := h.store.UnreadCounts(c.Request.Context(), chat.RoomKindChannel, roomIDs, who.UserID)
	if err != nil {
		h.logger.Error("unread count query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	payload := listingPayload[channelItem]{
		Items:      make([]channelItem, 0, len(items)),
		Pagination: paginate(page, limit, total),
	}
	for _, item := range items {
		payload.Items = append(payload.Items, channelItem{
			ID:            item.ID,
			TenantID:      item.TenantID,
			Name:          item.Name,
			CreatedBy:     item.CreatedBy,
			LastMessageAt: item.LastMessageAt,
			CreatedAt:     item.CreatedAt,
			UnreadCount:   unread[item.ID],
		})
	}

	h.respondAndCache(c, who, queryKey, payload)
}

type messageItem struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleListMessages serves persisted history over the regular query
// interface. Not cached: history pages shift with every send.
func (h *httpHandler) handleListMessages(c *gin.Context) {
	who := h.requestIdentity(c)
	conversationID := c.Param("id")
	page, limit := parsePagination(c)

	member, err := h.store.IsMember(c.Request.Context(), chat.RoomKindConversation, conversationID, who.UserID)
	if err != nil {
		h.logger.Error("membership lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	messages, total, err := h.store.ListMessages(c.Request.Context(), chat.RoomKindConversation, conversationID, page, limit)
	if err != nil {
		h.logger.Error("message listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	payload := listingPayload[messageItem]{
		Items:      make([]messageItem, 0, len(messages)),
		Pagination: paginate(page, limit, total),
	}
	for _, message := range messages {
		payload.Items = append(payload.Items, messageItem{
			ID:        message.ID,
			SenderID:  message.SenderID,
			Content:   message.Content,
			Type:      message.ContentType,
			CreatedAt: message.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, payload)
}

type createConversationPayload struct {
	MemberIDs []string `json:"memberIds"`
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	who := h.requestIdentity(c)

	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.MemberIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	conversation, err := h.store.CreateConversation(c.Request.Context(), who.TenantID, who.UserID, request.MemberIDs)
	if err != nil {
		h.logger.Error("conversation creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "creation_failed"})
		return
	}

	h.invalidateTenant(c, who.TenantID)
	c.JSON(http.StatusCreated, conversationItem{
		ID:            conversation.ID,
		TenantID:      conversation.TenantID,
		CreatedBy:     conversation.CreatedBy,
		LastMessageAt: conversation.LastMessageAt,
		CreatedAt:     conversation.CreatedAt,
	})
}

type createChannelPayload struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

func (h *httpHandler) handleCreateChannel(c *gin.Context) {
	who := h.requestIdentity(c)

	var request createChannelPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	channel, err := h.store.CreateChannel(c.Request.Context(), who.TenantID, request.Name, who.UserID, request.MemberIDs)
	if err != nil {
		h.logger.Error("channel creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "creation_failed"})
		return
	}

	h.invalidateTenant(c, who.TenantID)
	c.JSON(http.StatusCreated, channelItem{
		ID:            channel.ID,
		TenantID:      channel.TenantID,
		Name:          channel.Name,
		CreatedBy:     channel.CreatedBy,
		LastMessageAt: channel.LastMessageAt,
		CreatedAt:     channel.CreatedAt,
	})
}

func (h *httpHandler) requestIdentity(c *gin.Context) auth.Identity {
	return auth.Identity{
		UserID:   c.GetString(userIDContextKey),
		TenantID: c.GetString(tenantIDContextKey),
	}
}

func (h *httpHandler) cachedPage(c *gin.Context, who auth.Identity, queryKey string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.GetPage(c.Request.Context(), who.TenantID, who.UserID, queryKey)
}

// respondAndCache serializes the page once so the cached bytes and the
// response body are identical.
func (h *httpHandler) respondAndCache(c *gin.Context, who auth.Identity, queryKey string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("listing serialization failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	if h.cache != nil {
		h.cache.StorePage(c.Request.Context(), who.TenantID, who.UserID, queryKey, body)
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (h *httpHandler) invalidateTenant(c *gin.Context, tenantID string) {
	if h.cache != nil {
		h.cache.InvalidateTenant(c.Request.Context(), tenantID)
	}
}

func parsePagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func paginate(page, limit int, total int64) paginationPayload {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return paginationPayload{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}
}
