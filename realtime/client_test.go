package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRealtimeDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	storage.DB = db
	storage.PerformMigrations(db)
}

// startWSServer serves /ws behind the same token-in-query verifier main uses.
func startWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	os.Setenv("ACCESS_TOKEN_SECRET", "testsecret")

	app := iris.New()
	verifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	verifier.Extractors = append(verifier.Extractors, func(ctx iris.Context) string {
		return ctx.URLParam("token")
	})
	app.Get("/ws", verifier.Verify(func() interface{} { return new(utils.AccessToken) }), ServeWS)
	if err := app.Build(); err != nil {
		t.Fatalf("build app: %v", err)
	}

	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	return srv
}

func signToken(id uint) string {
	signer := jwt.NewSigner(jwt.HS256, os.Getenv("ACCESS_TOKEN_SECRET"), time.Hour)
	token, _ := signer.Sign(utils.AccessToken{ID: id, Verified: true})
	return string(token)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode event %q: %v", raw, err)
	}
	return env.Event, env.Data
}

// waitForSubscribers blocks until the hub registers n subscribers for the
// room. Joins from different connections are processed by independent
// goroutines, so on a single-CPU scheduler a later send can otherwise be
// handled before an earlier join is visible.
func waitForSubscribers(t *testing.T, roomID uint, n int) {
	t.Helper()
	h := Default()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		count := 0
		if r, ok := h.rooms[roomID]; ok {
			count = len(r.clients)
		}
		h.mu.RUnlock()
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %d never reached %d subscribers", roomID, n)
}

func seedRoom(t *testing.T, userIDs ...uint) uint {
	t.Helper()
	room := models.ChatRoom{RoomKey: models.RoomKeyFor(nil, userIDs)}
	if err := storage.DB.Create(&room).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}
	for _, id := range userIDs {
		p := models.ChatRoomParticipant{ChatRoomID: room.ID, UserID: id}
		if err := storage.DB.Create(&p).Error; err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
	return room.ID
}

func seedWSUser(t *testing.T, name string) *models.User {
	t.Helper()
	v := true
	user := models.User{
		Name:       name,
		PublicID:   "pub-" + name,
		Email:      name + "@example.com",
		IsVerified: &v,
		InviteCode: "INV-" + name,
	}
	if err := storage.DB.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user
}

func TestServeWSRefusesWithoutToken(t *testing.T) {
	setupRealtimeDB(t)
	srv := startWSServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refusal, got %+v", resp)
	}
}

func TestSendMessageBroadcastsToRoom(t *testing.T) {
	setupRealtimeDB(t)
	srv := startWSServer(t)
	alice := seedWSUser(t, "alice")
	bob := seedWSUser(t, "bob")
	roomID := seedRoom(t, alice.ID, bob.ID)

	aliceConn := dialWS(t, srv, signToken(alice.ID))
	bobConn := dialWS(t, srv, signToken(bob.ID))

	sendEvent(t, aliceConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	sendEvent(t, bobConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	waitForSubscribers(t, roomID, 2)

	// Typing handshake proves both subscriptions are live before the
	// ordering-sensitive part of the test.
	sendEvent(t, bobConn, EventTyping, map[string]interface{}{"chatId": roomID, "isTyping": true})
	if event, _ := readEvent(t, aliceConn); event != EventUserTyping {
		t.Fatalf("expected %s, got %s", EventUserTyping, event)
	}

	sendEvent(t, aliceConn, EventSendMessage, map[string]interface{}{"chatId": roomID, "text": "hello bob"})

	event, data := readEvent(t, bobConn)
	if event != EventNewMessage {
		t.Fatalf("expected %s, got %s", EventNewMessage, event)
	}
	message := data["message"].(map[string]interface{})
	if message["text"] != "hello bob" {
		t.Fatalf("unexpected broadcast payload: %v", data)
	}
	if sender := uint(message["senderId"].(float64)); sender != alice.ID {
		t.Fatalf("expected sender %d, got %d", alice.ID, sender)
	}

	// Persisted with the sender pre-seeded into the read set.
	var stored models.Message
	if err := storage.DB.Preload("Reads").Where("chat_room_id = ?", roomID).First(&stored).Error; err != nil {
		t.Fatalf("load stored message: %v", err)
	}
	if stored.Text != "hello bob" {
		t.Fatalf("unexpected stored text %q", stored.Text)
	}
	if len(stored.Reads) != 1 || stored.Reads[0].UserID != alice.ID {
		t.Fatalf("expected sender read row, got %+v", stored.Reads)
	}

	var room models.ChatRoom
	storage.DB.First(&room, roomID)
	if room.LastMessageText != "hello bob" || room.LastMessageAt == nil {
		t.Fatalf("lastMessage snapshot not updated: %+v", room)
	}
}

func TestSendMessageRequiresMembership(t *testing.T) {
	setupRealtimeDB(t)
	srv := startWSServer(t)
	alice := seedWSUser(t, "alice")
	bob := seedWSUser(t, "bob")
	mallory := seedWSUser(t, "mallory")
	roomID := seedRoom(t, alice.ID, bob.ID)

	malloryConn := dialWS(t, srv, signToken(mallory.ID))

	// Joining is not an authorization step; the send itself is refused.
	sendEvent(t, malloryConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	sendEvent(t, malloryConn, EventSendMessage, map[string]interface{}{"chatId": roomID, "text": "let me in"})

	event, data := readEvent(t, malloryConn)
	if event != EventError {
		t.Fatalf("expected %s, got %s", EventError, event)
	}
	if msg := data["message"].(string); !strings.Contains(msg, "participant") {
		t.Fatalf("unexpected error message %q", msg)
	}

	var count int64
	storage.DB.Model(&models.Message{}).Where("chat_room_id = ?", roomID).Count(&count)
	if count != 0 {
		t.Fatalf("non-participant persisted %d messages", count)
	}
}

func TestStalledSubscriberEvictionKeepsSendersSafe(t *testing.T) {
	h := NewHub()
	c := &Client{
		hub:    h,
		userID: 7,
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		rooms:  make(map[uint]struct{}),
	}
	h.add(c)
	h.join(c, 42)

	payload := encodeEvent(EventUserTyping, map[string]interface{}{"chatId": 42})
	h.broadcastToRoom(42, payload, nil) // fills the one-slot buffer
	h.broadcastToRoom(42, payload, nil) // stalls and evicts

	select {
	case <-c.done:
	default:
		t.Fatal("expected eviction to signal shutdown")
	}
	if _, ok := h.clients[c]; ok {
		t.Fatal("evicted client still registered")
	}

	// An inbound event racing the eviction still queues its error through
	// sendError; the channel stays open so this must never panic.
	c.sendError("too slow")
	h.remove(c)
}

func TestBroadcastPreservesSendOrder(t *testing.T) {
	setupRealtimeDB(t)
	srv := startWSServer(t)
	alice := seedWSUser(t, "alice")
	bob := seedWSUser(t, "bob")
	roomID := seedRoom(t, alice.ID, bob.ID)

	aliceConn := dialWS(t, srv, signToken(alice.ID))
	bobConn := dialWS(t, srv, signToken(bob.ID))
	sendEvent(t, aliceConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	sendEvent(t, bobConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	waitForSubscribers(t, roomID, 2)

	sendEvent(t, bobConn, EventTyping, map[string]interface{}{"chatId": roomID, "isTyping": true})
	if event, _ := readEvent(t, aliceConn); event != EventUserTyping {
		t.Fatalf("expected %s first", EventUserTyping)
	}

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		sendEvent(t, bobConn, EventSendMessage, map[string]interface{}{"chatId": roomID, "text": text})
	}

	for i, want := range texts {
		event, data := readEvent(t, aliceConn)
		if event != EventNewMessage {
			t.Fatalf("event %d: expected %s, got %s", i, EventNewMessage, event)
		}
		message := data["message"].(map[string]interface{})
		if message["text"] != want {
			t.Fatalf("broadcast %d out of order: want %q, got %v", i, want, message["text"])
		}
	}

	// The canonical order matches what subscribers saw.
	var stored []models.Message
	if err := storage.DB.Where("chat_room_id = ?", roomID).
		Order("created_at ASC, id ASC").Find(&stored).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(stored) != len(texts) {
		t.Fatalf("expected %d stored messages, got %d", len(texts), len(stored))
	}
	for i, msg := range stored {
		if msg.Text != texts[i] {
			t.Fatalf("stored order diverged at %d: %q", i, msg.Text)
		}
		if i > 0 && stored[i].CreatedAt.Before(stored[i-1].CreatedAt) {
			t.Fatalf("createdAt regressed at %d", i)
		}
	}
}

func TestMarkAsReadBroadcastsReceipt(t *testing.T) {
	setupRealtimeDB(t)
	srv := startWSServer(t)
	alice := seedWSUser(t, "alice")
	bob := seedWSUser(t, "bob")
	roomID := seedRoom(t, alice.ID, bob.ID)

	if _, err := SendChatMessage(roomID, alice.ID, "unread until bob looks"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	aliceConn := dialWS(t, srv, signToken(alice.ID))
	bobConn := dialWS(t, srv, signToken(bob.ID))
	sendEvent(t, aliceConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	sendEvent(t, bobConn, EventJoinChat, map[string]interface{}{"chatId": roomID})
	waitForSubscribers(t, roomID, 2)

	sendEvent(t, bobConn, EventTyping, map[string]interface{}{"chatId": roomID, "isTyping": false})
	if event, _ := readEvent(t, aliceConn); event != EventUserTyping {
		t.Fatalf("expected %s first", EventUserTyping)
	}

	sendEvent(t, bobConn, EventMarkAsRead, map[string]interface{}{"chatId": roomID})

	event, data := readEvent(t, aliceConn)
	if event != EventMessagesRead {
		t.Fatalf("expected %s, got %s", EventMessagesRead, event)
	}
	if reader := uint(data["userId"].(float64)); reader != bob.ID {
		t.Fatalf("expected reader %d, got %d", bob.ID, reader)
	}

	var reads int64
	storage.DB.Model(&models.MessageRead{}).Where("user_id = ?", bob.ID).Count(&reads)
	if reads != 1 {
		t.Fatalf("expected 1 read row for bob, got %d", reads)
	}
}
