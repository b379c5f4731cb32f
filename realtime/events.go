package realtime

import "encoding/json"

// Client -> server events.
const (
	EventJoinChat       = "join_chat"
	EventLeaveChat      = "leave_chat"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventMarkAsRead     = "mark_as_read"
	EventUpdateLocation = "update_location"
)

// Server -> client events.
const (
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
	EventError        = "error"
)

// envelope frames every event in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEvent(event string, data interface{}) []byte {
	payload, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return payload
}

type joinChatData struct {
	ChatID uint `json:"chatId"`
}

type sendMessageData struct {
	ChatID uint   `json:"chatId"`
	Text   string `json:"text"`
}

type typingData struct {
	ChatID   uint `json:"chatId"`
	IsTyping bool `json:"isTyping"`
}

type markAsReadData struct {
	ChatID     uint   `json:"chatId"`
	MessageIDs []uint `json:"messageIds"`
}

type updateLocationData struct {
	Coordinates []float64 `json:"coordinates"`
}

// eventUser identifies the acting user inside broadcast payloads.
type eventUser struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"userId"`
}
