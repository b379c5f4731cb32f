package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/services"
	"github.com/betweentabin/settee/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var bgContext = context.Background()

// Hub is the process-wide connection registry: every live connection, its
// user, and its room subscriptions live here and nowhere else. Other
// packages interact with it only through the exported functions below.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[uint]map[*Client]struct{}
	rooms   map[uint]*room
}

// room groups the subscribers of one chat room. Its own mutex serializes the
// persist-then-broadcast sequence so broadcast order equals commit order,
// which in turn equals the room's canonical message order.
type room struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

var defaultHub = NewHub()

// Default returns the process-wide hub.
func Default() *Hub { return defaultHub }

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		users:   make(map[uint]map[*Client]struct{}),
		rooms:   make(map[uint]*room),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	conns := h.users[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[c.userID] = conns
	}
	first := len(conns) == 0
	conns[c] = struct{}{}
	h.mu.Unlock()

	if first {
		setPresence(c.userID, true)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for roomID := range c.rooms {
		if r, ok := h.rooms[roomID]; ok {
			delete(r.clients, c)
		}
	}
	last := false
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	// The send channel is deliberately left open: handlers queue on it from
	// other goroutines and must never race a close. Teardown is signaled
	// instead, and the write pump closes the connection.
	c.shutdown()

	if last {
		setPresence(c.userID, false)
	}
}

// roomFor returns the room entry, creating it on first use.
func (h *Hub) roomFor(roomID uint) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{clients: make(map[*Client]struct{})}
		h.rooms[roomID] = r
	}
	return r
}

func (h *Hub) join(c *Client, roomID uint) {
	r := h.roomFor(roomID)
	h.mu.Lock()
	r.clients[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(c *Client, roomID uint) {
	h.mu.Lock()
	if r, ok := h.rooms[roomID]; ok {
		delete(r.clients, c)
	}
	delete(c.rooms, roomID)
	h.mu.Unlock()
}

// broadcastToRoom queues payload on every subscriber of the room, except
// the optional excluded client. Slow consumers are dropped rather than
// allowed to stall the room.
func (h *Hub) broadcastToRoom(roomID uint, payload []byte, except *Client) {
	if payload == nil {
		return
	}
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	stalled := make([]*Client, 0)
	for c := range r.clients {
		if c == except {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.remove(c)
	}
}

// SendChatMessage persists a message and broadcasts it to the room's
// subscribers. The room lock is held across persist, snapshot update and
// broadcast, so two messages in one room can never be observed out of
// commit order. Both the REST handler and the websocket channel go through
// here.
func SendChatMessage(chatID, senderID uint, text string) (*models.Message, error) {
	return defaultHub.sendChatMessage(chatID, senderID, text)
}

func (h *Hub) sendChatMessage(chatID, senderID uint, text string) (*models.Message, error) {
	r := h.roomFor(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	msg := models.Message{
		ChatRoomID: chatID,
		SenderID:   senderID,
		Text:       text,
	}
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		// The sender has read their own message from the start.
		if err := tx.Create(&models.MessageRead{MessageID: msg.ID, UserID: senderID}).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatRoom{}).Where("id = ?", chatID).Updates(map[string]interface{}{
			"last_message_text":      text,
			"last_message_sender_id": senderID,
			"last_message_at":        now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if err := storage.DB.Preload("Sender").Preload("Reads").First(&msg, msg.ID).Error; err != nil {
		return nil, err
	}

	h.broadcastToRoom(chatID, encodeEvent(EventNewMessage, map[string]interface{}{
		"chatId":  chatID,
		"message": &msg,
	}), nil)

	go notifyMessageRecipients(chatID, &msg)

	return &msg, nil
}

func notifyMessageRecipients(chatID uint, msg *models.Message) {
	var roomFull models.ChatRoom
	if err := storage.DB.Preload("Participants").First(&roomFull, chatID).Error; err != nil {
		log.Printf("message notification: room %d load failed: %v", chatID, err)
		return
	}
	services.NewNotificationService().Dispatch(services.MessageReceivedIntent{
		Room:    &roomFull,
		Message: msg,
		Sender:  &msg.Sender,
	})
}

// MarkMessagesRead applies an idempotent set union: every targeted unread
// message gains a read row for the user, then the room is told. When
// messageIDs is empty all unread messages not authored by the user are
// targeted. Returns how many messages became read.
func MarkMessagesRead(chatID, userID uint, messageIDs []uint) (int, error) {
	q := storage.DB.Model(&models.Message{}).
		Where("chat_room_id = ?", chatID).
		Where("id NOT IN (SELECT message_id FROM message_reads WHERE user_id = ?)", userID)
	if len(messageIDs) > 0 {
		q = q.Where("id IN ?", messageIDs)
	} else {
		q = q.Where("sender_id != ?", userID)
	}

	var ids []uint
	if err := q.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	rows := make([]models.MessageRead, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, models.MessageRead{MessageID: id, UserID: userID})
	}
	if err := storage.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return 0, err
	}

	BroadcastMessagesRead(chatID, userID, ids)
	return len(ids), nil
}

// BroadcastMessagesRead emits the read-receipt event to room subscribers.
func BroadcastMessagesRead(chatID, userID uint, messageIDs []uint) {
	defaultHub.broadcastToRoom(chatID, encodeEvent(EventMessagesRead, map[string]interface{}{
		"chatId":     chatID,
		"userId":     userID,
		"messageIds": messageIDs,
	}), nil)
}

func isParticipant(chatID, userID uint) bool {
	var count int64
	storage.DB.Model(&models.ChatRoomParticipant{}).
		Where("chat_room_id = ? AND user_id = ?", chatID, userID).
		Count(&count)
	return count > 0
}

// setPresence maintains the user's online flag in Redis. Best effort: a
// missing or unreachable Redis never affects the connection.
func setPresence(userID uint, online bool) {
	if storage.Redis == nil {
		return
	}
	key := fmt.Sprintf("presence:%d", userID)
	if online {
		storage.Redis.Set(bgContext, key, "1", 0)
	} else {
		storage.Redis.Del(bgContext, key)
	}
}
