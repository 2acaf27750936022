package models

// Event kinds exchanged over the relay. All but "history" and "error" are
// persisted; "history" is a server-to-client envelope and "error" a private
// server-to-requester reply.
const (
	KindMessage = "message"
	KindJoin    = "join"
	KindLeave   = "leave"
	KindHistory = "history"
	KindDelete  = "delete"
	KindError   = "error"
)

// Roles a participant may claim in a join event.
const (
	RoleTenant    = "tenant"
	RoleLandowner = "landowner"
)

// Tombstone replaces the content of a deleted message.
const Tombstone = "This message was deleted"

// ChatEvent is the unit exchanged over websockets and persisted in the store.
// Timestamp is Unix milliseconds; clients stamp message/join/leave at emission.
type ChatEvent struct {
	ID         int         `db:"id" json:"-"`
	Kind       string      `db:"kind" json:"kind"`
	UserID     int         `db:"user_id" json:"userId"`
	Username   string      `db:"username" json:"username"`
	Role       string      `db:"-" json:"role,omitempty"`
	Content    string      `db:"content" json:"content"`
	PropertyID int         `db:"property_id" json:"propertyId"`
	Timestamp  int64       `db:"ts" json:"timestamp"`
	IsDeleted  bool        `db:"is_deleted" json:"isDeleted"`
	Messages   []ChatEvent `db:"-" json:"messages,omitempty"`
}

// ValidRole reports whether role is one of the accepted participant roles.
func ValidRole(role string) bool {
	return role == RoleTenant || role == RoleLandowner
}

// Persistable reports whether the event satisfies the invariants required of
// stored events: a known persisted kind and non-zero identity, property and
// timestamp fields.
func (e ChatEvent) Persistable() bool {
	switch e.Kind {
	case KindMessage, KindJoin, KindLeave, KindDelete:
	default:
		return false
	}
	return e.UserID != 0 && e.Username != "" && e.PropertyID != 0 && e.Timestamp != 0
}
