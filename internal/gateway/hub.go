package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Room name helpers. Tenant and user rooms are joined implicitly on
// authentication; conversation and channel rooms require membership.
func TenantRoom(tenantID string) string { return "tenant:" + tenantID }
func UserRoom(userID string) string     { return "user:" + userID }
func ConversationRoom(id string) string { return "conversation:" + id }
func ChannelRoom(id string) string      { return "channel:" + id }

// HubConfig configures the fan-out router.
type HubConfig struct {
	InstanceID string
	Bridge     Bridge
	Logger     *zap.Logger
}

// Hub maps room names to the set of live connections joined to them and
// delivers events to exactly those connections. Broadcasts for one room are
// serialized under the hub lock, so every member observes them in enqueue
// order. There is no cross-room ordering guarantee.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Conn

	instanceID string
	bridge     Bridge
	logger     *zap.Logger
}

// NewHub constructs the hub and, when a bridge is configured, starts
// receiving remote fan-out envelopes from other gateway instances.
func NewHub(cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		rooms:      make(map[string]map[string]*Conn),
		instanceID: cfg.InstanceID,
		bridge:     cfg.Bridge,
		logger:     logger,
	}
	if hub.bridge != nil {
		if hub.instanceID == "" {
			return nil, fmt.Errorf("gateway: instance id required when bridging")
		}
		if err := hub.bridge.Subscribe(hub.handleRemote); err != nil {
			return nil, err
		}
	}
	return hub, nil
}

// Join adds the connection to a room. Joining twice is a no-op.
func (h *Hub) Join(room string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[conn.id] = conn
}

// Leave removes the connection from a room. Leaving a room the connection
// is not in is a no-op.
func (h *Hub) Leave(room string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, conn.id)
}

// LeaveAll removes the connection from every room it joined. Called on
// disconnect; derived room memberships vanish with the connection.
func (h *Hub) LeaveAll(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.removeLocked(room, conn.id)
	}
}

// InRoom reports whether the connection currently belongs to the room.
func (h *Hub) InRoom(room string, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Broadcast delivers an event to every connection in the room, excluding
// the given connection id when the semantics call for it (typing,
// presence). Pass an empty exclude id to include the sender (new messages:
// the sender's other tabs must see them too). When a bridge is configured
// the envelope is also published for other gateway instances.
func (h *Hub) Broadcast(room, event string, payload interface{}, excludeConnID string) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode fan-out frame", zap.String("event", event), zap.Error(err))
		return
	}

	h.deliver(room, frame, excludeConnID)

	if h.bridge != nil {
		envelope := Envelope{
			Origin: h.instanceID,
			Room:   room,
			Event:  event,
			Data:   json.RawMessage(frame),
		}
		if err := h.bridge.Publish(envelope); err != nil {
			h.logger.Warn("fan-out bridge publish failed", zap.String("room", room), zap.Error(err))
		}
	}
}

// Close releases the bridge subscription, if any.
func (h *Hub) Close() error {
	if h.bridge != nil {
		return h.bridge.Close()
	}
	return nil
}

// removeLocked deletes the connection from the room's member set and drops
// the room entry once empty. Caller holds h.mu.
func (h *Hub) removeLocked(room, connID string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) deliver(room string, frame []byte, excludeConnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID, conn := range h.rooms[room] {
		if connID == excludeConnID {
			continue
		}
		if !conn.enqueue(frame) {
			h.logger.Warn("dropping frame for slow consumer", zap.String("conn", connID), zap.String("room", room))
		}
	}
}

// handleRemote re-delivers an envelope published by another instance to the
// local members of the room. Envelopes from this instance were already
// delivered locally and are skipped.
func (h *Hub) handleRemote(envelope Envelope) {
	if envelope.Origin == h.instanceID {
		return
	}
	h.deliver(envelope.Room, []byte(envelope.Data), "")
}
