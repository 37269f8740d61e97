package ws

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mkoohi/pejvak/internal/presence"
	"github.com/mkoohi/pejvak/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Gateway turns authenticated HTTP requests into live sessions.
type Gateway struct {
	registry *Registry
	store    *store.Store
	presence *presence.Tracker
}

func NewGateway(registry *Registry, st *store.Store, tracker *presence.Tracker) *Gateway {
	return &Gateway{registry: registry, store: st, presence: tracker}
}

func (g *Gateway) Registry() *Registry {
	return g.registry
}

// IsUserOnline satisfies the handlers' online checker.
func (g *Gateway) IsUserOnline(userID int) bool {
	return g.registry.IsUserOnline(userID)
}

// HandleWebSocket upgrades the connection and runs the session. The auth
// middleware has already resolved the credential; a request without a user
// id is refused before the upgrade. A missing contact_id is only detected
// after the upgrade, so that connection is accepted and immediately closed
// with a policy violation code.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := g.store.GetUser(userID.(int))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error for user %d: %v", user.ID, err)
		return
	}

	contactID := c.Query("contact_id")
	if contactID == "" {
		log.Printf("ws: user %d connected without contact_id, closing", user.ID)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "contact_id required"))
		conn.Close()
		return
	}

	session := newSession(user, contactID, conn, g.registry, g.store, g.presence)
	session.join()

	go session.writePump()
	go session.readPump()
}
