package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"property-chat/internal/models"
	"property-chat/internal/observability"
	"property-chat/internal/store"
)

// Relay owns the connection registry and property-scoped group membership.
// All event handling is serialized behind one mutex; each connection feeds
// events from a single read loop, so per-connection order is preserved.
type Relay struct {
	events store.EventStore

	mu       sync.Mutex
	sessions map[int]*Session     // userID -> session
	groups   map[int]map[int]bool // propertyID -> set of userIDs
}

// New constructs a Relay over the given event store.
func New(events store.EventStore) *Relay {
	return &Relay{
		events:   events,
		sessions: make(map[int]*Session),
		groups:   make(map[int]map[int]bool),
	}
}

// NewSession wraps an accepted transport with its verified identity. The
// session holds no group membership until a join event arrives.
func NewSession(userID int, username string, t Transport) *Session {
	return newSession(userID, username, t)
}

// Dispatch routes one inbound event. Malformed events are logged and dropped
// without tearing down the connection.
func (r *Relay) Dispatch(ctx context.Context, s *Session, ev models.ChatEvent) {
	switch ev.Kind {
	case models.KindJoin:
		r.handleJoin(ctx, s, ev)
	case models.KindMessage:
		r.handleMessage(ctx, s, ev)
	case models.KindLeave:
		r.handleLeave(ctx, s)
	case models.KindDelete:
		r.handleDelete(ctx, s, ev)
	default:
		log.Printf("relay: dropping event with unknown kind %q from user %d", ev.Kind, s.UserID)
		observability.IncProtocolError()
	}
}

// Disconnect tears down a session after its transport is gone. Unknown or
// already-removed sessions are a no-op.
func (r *Relay) Disconnect(ctx context.Context, s *Session) {
	s.markClosed()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.UserID] != s {
		return
	}
	r.removeLocked(ctx, s, "disconnected from the chat")
}

func (r *Relay) handleJoin(ctx context.Context, s *Session, ev models.ChatEvent) {
	if !models.ValidRole(ev.Role) {
		log.Printf("relay: join without valid role from user %d, dropping", s.UserID)
		observability.IncProtocolError()
		return
	}
	if ev.PropertyID == 0 {
		log.Printf("relay: join without property id from user %d, dropping", s.UserID)
		observability.IncProtocolError()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Idempotent join: a racing reconnect must not register twice. Only a
	// dead predecessor is superseded.
	if existing, ok := r.sessions[s.UserID]; ok {
		if existing.IsOpen() {
			return
		}
		r.removeFromGroupLocked(existing)
	}

	s.Role = ev.Role
	s.PropertyID = ev.PropertyID
	r.sessions[s.UserID] = s
	if _, ok := r.groups[s.PropertyID]; !ok {
		r.groups[s.PropertyID] = make(map[int]bool)
	}
	r.groups[s.PropertyID][s.UserID] = true

	// History is queried before the join notice is persisted, so the replay
	// window never contains the notice the joiner is about to receive live.
	history, err := r.events.RecentEvents(ctx, s.PropertyID, store.HistoryWindow)
	if err != nil {
		log.Printf("relay: history query failed for property %d: %v", s.PropertyID, err)
		history = nil
	}

	notice := models.ChatEvent{
		Kind:       models.KindJoin,
		UserID:     s.UserID,
		Username:   s.Username,
		Content:    fmt.Sprintf("%s (%s) joined the chat", s.Username, s.Role),
		PropertyID: s.PropertyID,
		Timestamp:  stamp(ev.Timestamp),
	}
	r.persist(ctx, notice)

	if err := s.send(models.ChatEvent{
		Kind:       models.KindHistory,
		PropertyID: s.PropertyID,
		Timestamp:  time.Now().UnixMilli(),
		Messages:   history,
	}); err != nil {
		log.Printf("relay: history send failed for user %d: %v", s.UserID, err)
	}

	r.broadcastLocked(s.PropertyID, notice)
	observability.IncRelayEvent(models.KindJoin)
}

func (r *Relay) handleMessage(ctx context.Context, s *Session, ev models.ChatEvent) {
	if ev.Content == "" {
		log.Printf("relay: empty message from user %d, dropping", s.UserID)
		observability.IncProtocolError()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.joinedLocked(s) {
		log.Printf("relay: message from user %d before join, dropping", s.UserID)
		observability.IncProtocolError()
		return
	}

	msg := models.ChatEvent{
		Kind:       models.KindMessage,
		UserID:     s.UserID,
		Username:   s.Username,
		Content:    ev.Content,
		PropertyID: s.PropertyID,
		Timestamp:  stamp(ev.Timestamp),
	}
	r.persist(ctx, msg)
	r.broadcastLocked(s.PropertyID, msg)
	observability.IncRelayEvent(models.KindMessage)
}

func (r *Relay) handleLeave(ctx context.Context, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.UserID] != s {
		return
	}
	r.removeLocked(ctx, s, "left the chat")
}

func (r *Relay) handleDelete(ctx context.Context, s *Session, ev models.ChatEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.joinedLocked(s) {
		log.Printf("relay: delete from user %d before join, dropping", s.UserID)
		observability.IncProtocolError()
		return
	}

	// The lookup is keyed on the requester's verified id, so deleting someone
	// else's message comes back not-found. Fail closed: private reply, no
	// broadcast, no state change.
	target, err := r.events.FindLastMessage(ctx, s.PropertyID, s.UserID, ev.Timestamp)
	if err != nil {
		if !errors.Is(err, store.ErrEventNotFound) {
			log.Printf("relay: delete lookup failed for user %d: %v", s.UserID, err)
		}
		if sendErr := s.send(models.ChatEvent{
			Kind:       models.KindError,
			Content:    "message not found or not yours to delete",
			PropertyID: s.PropertyID,
			Timestamp:  ev.Timestamp,
		}); sendErr != nil {
			log.Printf("relay: error reply failed for user %d: %v", s.UserID, sendErr)
		}
		return
	}

	if err := r.events.MarkDeleted(ctx, target.ID, models.Tombstone); err != nil {
		log.Printf("relay: mark deleted failed for event %d: %v", target.ID, err)
	}

	r.broadcastLocked(s.PropertyID, models.ChatEvent{
		Kind:       models.KindDelete,
		UserID:     s.UserID,
		Username:   s.Username,
		Content:    models.Tombstone,
		PropertyID: s.PropertyID,
		Timestamp:  target.Timestamp,
		IsDeleted:  true,
	})
	observability.IncRelayEvent(models.KindDelete)
}

// removeLocked drops the session from the registry and its group, then
// persists and broadcasts a leave notice to the remaining members.
func (r *Relay) removeLocked(ctx context.Context, s *Session, reason string) {
	delete(r.sessions, s.UserID)
	r.removeFromGroupLocked(s)

	if s.PropertyID == 0 {
		return
	}
	notice := models.ChatEvent{
		Kind:       models.KindLeave,
		UserID:     s.UserID,
		Username:   s.Username,
		Content:    fmt.Sprintf("%s (%s) %s", s.Username, s.Role, reason),
		PropertyID: s.PropertyID,
		Timestamp:  time.Now().UnixMilli(),
	}
	r.persist(ctx, notice)
	r.broadcastLocked(s.PropertyID, notice)
	observability.IncRelayEvent(models.KindLeave)

	s.Role = ""
	s.PropertyID = 0
}

func (r *Relay) removeFromGroupLocked(s *Session) {
	if s.PropertyID == 0 {
		return
	}
	if group, ok := r.groups[s.PropertyID]; ok {
		delete(group, s.UserID)
	}
}

func (r *Relay) joinedLocked(s *Session) bool {
	return r.sessions[s.UserID] == s && s.PropertyID != 0
}

// persist appends synchronously but never lets a storage failure block the
// live broadcast; a reconnecting client recovers through history replay only
// when the write succeeded, which is the accepted trade-off.
func (r *Relay) persist(ctx context.Context, ev models.ChatEvent) {
	if !ev.Persistable() {
		log.Printf("relay: refusing to persist malformed %s event for user %d", ev.Kind, ev.UserID)
		return
	}
	if _, err := r.events.Append(ctx, ev); err != nil {
		log.Printf("relay: persist %s event failed for property %d: %v", ev.Kind, ev.PropertyID, err)
	}
}

// broadcastLocked fans out best-effort: members whose transport is no longer
// open are skipped without retry.
func (r *Relay) broadcastLocked(propertyID int, ev models.ChatEvent) {
	for userID := range r.groups[propertyID] {
		member, ok := r.sessions[userID]
		if !ok || !member.IsOpen() {
			continue
		}
		if err := member.send(ev); err != nil {
			log.Printf("relay: broadcast to user %d failed: %v", userID, err)
		}
	}
}

// GroupSize reports current membership of a property group.
func (r *Relay) GroupSize(propertyID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[propertyID])
}

func stamp(ts int64) int64 {
	if ts != 0 {
		return ts
	}
	return time.Now().UnixMilli()
}
