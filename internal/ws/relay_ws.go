package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"property-chat/internal/auth"
	"property-chat/internal/models"
	"property-chat/internal/observability"
	"property-chat/internal/relay"
	"property-chat/internal/store"
)

// RelayHandler admits websocket connections into the chat relay.
type RelayHandler struct {
	relay      *relay.Relay
	properties store.PropertyStore
	verifier   *auth.Manager
}

// NewRelayHandler constructs a RelayHandler.
func NewRelayHandler(r *relay.Relay, properties store.PropertyStore, verifier *auth.Manager) *RelayHandler {
	return &RelayHandler{relay: r, properties: properties, verifier: verifier}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle verifies identity and property membership, upgrades the connection
// and runs its read loop. Events are processed to completion in arrival order
// for each connection.
func (h *RelayHandler) Handle(c *gin.Context) {
	propertyID, err := strconv.Atoi(c.Param("property_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	ctx, span := otel.Tracer("property-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}

	identity, err := h.validateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	member, err := h.properties.IsParticipant(c.Request.Context(), propertyID, identity.UserID)
	if err != nil || !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for property chat"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		Username:    identity.Username,
		PropertyID:  propertyID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	publishLifecycleEvent(ctx, "ws_connect", info, "")

	session := relay.NewSession(identity.UserID, identity.Username, conn)

	// The request context dies when this handler returns; the read loop
	// outlives it but keeps the trace values.
	go h.readLoop(context.WithoutCancel(ctx), session, conn, info)
}

func (h *RelayHandler) readLoop(ctx context.Context, session *relay.Session, conn *websocket.Conn, info ConnInfo) {
	var closeReason string
	defer func() {
		h.relay.Disconnect(ctx, session)
		conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		publishLifecycleEvent(ctx, "ws_disconnect", info, closeReason)
	}()

	for {
		var ev models.ChatEvent
		if err := conn.ReadJSON(&ev); err != nil {
			closeReason = err.Error()
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// Garbage frame, not a dead peer: drop it and keep reading.
				observability.IncProtocolError()
				closeReason = ""
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				publishLifecycleEvent(ctx, "ws_error", info, closeReason)
			}
			return
		}
		h.relay.Dispatch(ctx, session, ev)
	}
}

func (h *RelayHandler) validateToken(header string) (auth.Identity, error) {
	parts := strings.Split(header, " ")
	if len(parts) == 2 {
		return h.verifier.Verify(parts[1])
	}
	return auth.Identity{}, errors.New("invalid token")
}

func publishLifecycleEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	observability.PublishEvent(ctx, "ws_events.properties", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"property_id": info.PropertyID,
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	})
}
