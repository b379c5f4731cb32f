package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChatRoom is a persistent container for messages among a fixed participant
// set, optionally tied to one pin. RoomKey is the canonical identity of
// (pin, participant set); its unique index is what keeps concurrent
// create-or-get calls from producing duplicate rooms.
type ChatRoom struct {
	ID    uint  `json:"id" gorm:"primaryKey"`
	PinID *uint `json:"pinId" gorm:"index"`
	Pin   *Pin  `json:"pin,omitempty" gorm:"foreignKey:PinID"`

	RoomKey string `json:"-" gorm:"size:256;uniqueIndex"`

	Participants []ChatRoomParticipant `json:"participants" gorm:"foreignKey:ChatRoomID"`

	// Cached snapshot of the newest message for room-list ordering.
	LastMessageText     string     `json:"-"`
	LastMessageSenderID *uint      `json:"-"`
	LastMessageAt       *time.Time `json:"-" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LastMessage is the wire shape of the cached snapshot.
type LastMessage struct {
	Text      string     `json:"text"`
	SenderID  *uint      `json:"senderId"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r *ChatRoom) MarshalJSON() ([]byte, error) {
	type Alias ChatRoom
	aux := &struct {
		LastMessage *LastMessage `json:"lastMessage,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}
	if r.LastMessageAt != nil {
		aux.LastMessage = &LastMessage{
			Text:      r.LastMessageText,
			SenderID:  r.LastMessageSenderID,
			Timestamp: r.LastMessageAt,
		}
	}
	return json.Marshal(aux)
}

// LastMessageSnapshot returns the cached newest-message snapshot, or nil
// when the room has never seen a message.
func (r *ChatRoom) LastMessageSnapshot() *LastMessage {
	if r.LastMessageAt == nil {
		return nil
	}
	return &LastMessage{
		Text:      r.LastMessageText,
		SenderID:  r.LastMessageSenderID,
		Timestamp: r.LastMessageAt,
	}
}

// RoomKeyFor builds the canonical key for a (pin, participant set) pair.
// Participant ids are sorted so the key is order-independent.
func RoomKeyFor(pinID *uint, userIDs []uint) string {
	ids := append([]uint(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("u%d", id)
	}
	prefix := "direct"
	if pinID != nil {
		prefix = fmt.Sprintf("pin%d", *pinID)
	}
	return prefix + ":" + strings.Join(parts, "-")
}

// ChatRoomParticipant links a user to a room.
type ChatRoomParticipant struct {
	ID         uint `json:"-" gorm:"primaryKey"`
	ChatRoomID uint `json:"-" gorm:"not null;uniqueIndex:idx_room_participant"`
	UserID     uint `json:"userId" gorm:"not null;uniqueIndex:idx_room_participant"`
	User       User `json:"user" gorm:"foreignKey:UserID"`

	CreatedAt time.Time `json:"joinedAt"`
}

// Message is an immutable unit of chat text. Only its read set grows.
type Message struct {
	ID         uint     `json:"id" gorm:"primaryKey"`
	ChatRoomID uint     `json:"chatId" gorm:"not null;index"`
	ChatRoom   ChatRoom `json:"-" gorm:"foreignKey:ChatRoomID"`

	SenderID uint `json:"senderId" gorm:"not null;index"`
	Sender   User `json:"sender" gorm:"foreignKey:SenderID"`

	Text string `json:"text" gorm:"type:text"`

	Reads []MessageRead `json:"-" gorm:"foreignKey:MessageID"`

	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	readBy := make([]uint, 0, len(m.Reads))
	for _, r := range m.Reads {
		readBy = append(readBy, r.UserID)
	}
	return json.Marshal(&struct {
		ReadBy []uint `json:"readBy"`
		*Alias
	}{
		ReadBy: readBy,
		Alias:  (*Alias)(m),
	})
}

// MessageRead is one entry of a message's read set. The unique index turns
// repeated mark-as-read calls into no-ops, which keeps the set monotonic.
type MessageRead struct {
	ID        uint `gorm:"primaryKey"`
	MessageID uint `gorm:"not null;uniqueIndex:idx_message_reader"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_message_reader"`

	CreatedAt time.Time
}
