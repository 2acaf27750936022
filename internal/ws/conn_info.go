package ws

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ConnInfo is the identity snapshot attached to a websocket connection for
// lifecycle events and logs.
type ConnInfo struct {
	ConnID      string
	UserID      int
	Username    string
	PropertyID  int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
