package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one live websocket connection bound to an authenticated user.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	userID   uint
	name     string
	publicID string
	verified bool
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	// room subscriptions, guarded by hub.mu
	rooms map[uint]struct{}
}

// shutdown tells both pumps to tear the connection down. The send channel is
// never closed, so queueing a payload stays safe from any goroutine.
func (c *Client) shutdown() {
	c.stopOnce.Do(func() { close(c.done) })
}

// ServeWS upgrades an authenticated request into a realtime session. The
// JWT verifier middleware has already run; a missing or unknown principal
// refuses the connection, the only fatal failure on this surface.
func ServeWS(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(iris.StatusUnauthorized)
		return
	}
	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		ctx.StopWithStatus(iris.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
	if err != nil {
		log.Printf("websocket upgrade failed for user %d: %v", user.ID, err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		hub:      Default(),
		conn:     conn,
		userID:   user.ID,
		name:     user.Name,
		publicID: user.PublicID,
		verified: claims.Verified,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		rooms:    make(map[uint]struct{}),
	}
	client.hub.add(client)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error for user %d: %v", c.userID, err)
			}
			return
		}
		c.handleEvent(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError delivers a scoped error event to this connection only. Bad
// events never close the connection.
func (c *Client) sendError(message string) {
	payload := encodeEvent(EventError, map[string]string{"message": message})
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

func (c *Client) handleEvent(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("malformed event")
		return
	}

	switch env.Event {
	case EventJoinChat:
		var data joinChatData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.ChatID == 0 {
			c.sendError("chatId is required")
			return
		}
		c.hub.join(c, data.ChatID)
	case EventLeaveChat:
		var data joinChatData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.ChatID == 0 {
			c.sendError("chatId is required")
			return
		}
		c.hub.leave(c, data.ChatID)
	case EventSendMessage:
		c.handleSendMessage(env.Data)
	case EventTyping:
		c.handleTyping(env.Data)
	case EventMarkAsRead:
		c.handleMarkAsRead(env.Data)
	case EventUpdateLocation:
		c.handleUpdateLocation(env.Data)
	default:
		c.sendError("unknown event: " + env.Event)
	}
}

func (c *Client) handleSendMessage(raw json.RawMessage) {
	var data sendMessageData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChatID == 0 {
		c.sendError("chatId and text are required")
		return
	}
	text := strings.TrimSpace(data.Text)
	if text == "" {
		c.sendError("message text must not be empty")
		return
	}
	// Membership is re-validated on every send, join_chat is not an
	// authorization step.
	if !isParticipant(data.ChatID, c.userID) {
		c.sendError("you are not a participant of this chat room")
		return
	}
	if _, err := c.hub.sendChatMessage(data.ChatID, c.userID, text); err != nil {
		log.Printf("websocket message persist failed for user %d: %v", c.userID, err)
		c.sendError("failed to send message")
	}
}

func (c *Client) handleTyping(raw json.RawMessage) {
	var data typingData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChatID == 0 {
		c.sendError("chatId is required")
		return
	}
	// Ephemeral: broadcast to the other subscribers, never persisted.
	c.hub.broadcastToRoom(data.ChatID, encodeEvent(EventUserTyping, map[string]interface{}{
		"chatId":   data.ChatID,
		"user":     eventUser{ID: c.userID, Name: c.name, UserID: c.publicID},
		"isTyping": data.IsTyping,
	}), c)
}

func (c *Client) handleMarkAsRead(raw json.RawMessage) {
	var data markAsReadData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChatID == 0 {
		c.sendError("chatId is required")
		return
	}
	if !isParticipant(data.ChatID, c.userID) {
		c.sendError("you are not a participant of this chat room")
		return
	}
	if _, err := MarkMessagesRead(data.ChatID, c.userID, data.MessageIDs); err != nil {
		log.Printf("websocket mark-as-read failed for user %d: %v", c.userID, err)
		c.sendError("failed to update read status")
	}
}

func (c *Client) handleUpdateLocation(raw json.RawMessage) {
	var data updateLocationData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Coordinates) != 2 {
		c.sendError("coordinates must be [longitude, latitude]")
		return
	}
	now := time.Now()
	err := storage.DB.Model(&models.User{}).Where("id = ?", c.userID).Updates(map[string]interface{}{
		"longitude":           data.Coordinates[0],
		"latitude":            data.Coordinates[1],
		"location_updated_at": &now,
	}).Error
	if err != nil {
		log.Printf("websocket location update failed for user %d: %v", c.userID, err)
		c.sendError("failed to update location")
	}
}
