package routes

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/realtime"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/kataras/iris/v12"
	"gorm.io/gorm/clause"
)

// getOrCreateChatRoom returns the room identified by the deterministic
// room key, creating it on first use. Concurrent callers race on the
// room_key unique index; the loser reuses the winner's row. Participant
// membership is upserted on every call so a reused room always covers
// the given users.
func getOrCreateChatRoom(pinID *uint, userIDs []uint) (*models.ChatRoom, error) {
	key := models.RoomKeyFor(pinID, userIDs)

	room := models.ChatRoom{PinID: pinID, RoomKey: key}
	if err := storage.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&room).Error; err != nil {
		return nil, err
	}
	if err := storage.DB.Where("room_key = ?", key).First(&room).Error; err != nil {
		return nil, err
	}

	participants := make([]models.ChatRoomParticipant, 0, len(userIDs))
	for _, id := range userIDs {
		participants = append(participants, models.ChatRoomParticipant{ChatRoomID: room.ID, UserID: id})
	}
	if err := storage.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func isRoomParticipant(roomID, userID uint) bool {
	var count int64
	storage.DB.Model(&models.ChatRoomParticipant{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Count(&count)
	return count > 0
}

type chatRoomSummary struct {
	ID           uint                         `json:"id"`
	PinID        *uint                        `json:"pinId"`
	PinTitle     string                       `json:"pinTitle,omitempty"`
	Participants []models.ChatRoomParticipant `json:"participants"`
	LastMessage  *models.LastMessage          `json:"lastMessage"`
	UnreadCount  int64                        `json:"unreadCount"`
	CreatedAt    time.Time                    `json:"createdAt"`
}

// GetChatRooms lists the caller's rooms, most recently active first.
// Rooms that never saw a message sort last by creation time.
func GetChatRooms(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var rooms []models.ChatRoom
	err := storage.DB.
		Joins("JOIN chat_room_participants crp ON crp.chat_room_id = chat_rooms.id").
		Where("crp.user_id = ?", claims.ID).
		Preload("Pin").
		Preload("Participants.User").
		Find(&rooms).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	summaries := make([]chatRoomSummary, 0, len(rooms))
	for i := range rooms {
		room := &rooms[i]

		var unread int64
		storage.DB.Model(&models.Message{}).
			Where("chat_room_id = ? AND sender_id != ?", room.ID, claims.ID).
			Where("id NOT IN (SELECT message_id FROM message_reads WHERE user_id = ?)", claims.ID).
			Count(&unread)

		summary := chatRoomSummary{
			ID:           room.ID,
			PinID:        room.PinID,
			Participants: room.Participants,
			LastMessage:  room.LastMessageSnapshot(),
			UnreadCount:  unread,
			CreatedAt:    room.CreatedAt,
		}
		if room.Pin != nil {
			summary.PinTitle = room.Pin.Title
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			return a.LastMessage.Timestamp.After(*b.LastMessage.Timestamp)
		case a.LastMessage != nil:
			return true
		case b.LastMessage != nil:
			return false
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})

	ctx.JSON(iris.Map{"success": true, "count": len(summaries), "data": summaries})
}

// GetChatRoomByID returns one room to one of its participants.
func GetChatRoomByID(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var room models.ChatRoom
	err = storage.DB.
		Preload("Pin").
		Preload("Participants.User").
		First(&room, roomID).Error
	if err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if !isRoomParticipant(room.ID, claims.ID) {
		utils.CreateForbidden(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "data": &room})
}

// GetMessages pages a room's history oldest-first and marks everything
// returned as read for the caller, so fetching history is also the read
// receipt.
func GetMessages(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var room models.ChatRoom
	if err := storage.DB.First(&room, roomID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if !isRoomParticipant(room.ID, claims.ID) {
		utils.CreateForbidden(ctx)
		return
	}

	limit, _ := ctx.URLParamInt("limit")
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := storage.DB.
		Where("chat_room_id = ?", roomID).
		Preload("Sender").
		Preload("Reads").
		Order("created_at DESC, id DESC").
		Limit(limit)
	if before := ctx.URLParam("before"); before != "" {
		cursor, err := time.Parse(time.RFC3339, before)
		if err != nil {
			utils.JSONError(ctx, http.StatusBadRequest, "validation", "before must be an RFC 3339 timestamp")
			return
		}
		query = query.Where("created_at < ?", cursor)
	}

	var messages []models.Message
	if err := query.Find(&messages).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if _, err := realtime.MarkMessagesRead(roomID, claims.ID, nil); err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "count": len(messages), "data": messages})
}

type sendMessageInput struct {
	Text string `json:"text" validate:"required,max=1000"`
}

// SendMessage persists and broadcasts a message through the same path the
// websocket channel uses, so REST and socket senders share ordering.
func SendMessage(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var input sendMessageInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		utils.JSONError(ctx, http.StatusBadRequest, "validation", "message text cannot be empty")
		return
	}

	var room models.ChatRoom
	if err := storage.DB.First(&room, roomID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if !isRoomParticipant(room.ID, claims.ID) {
		utils.CreateForbidden(ctx)
		return
	}

	message, err := realtime.SendChatMessage(roomID, claims.ID, text)
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"success": true, "data": message})
}

type markAsReadInput struct {
	MessageIDs []uint `json:"messageIds"`
}

// MarkAsRead records read receipts for the caller. Without explicit ids
// it covers every unread message in the room.
func MarkAsRead(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var input markAsReadInput
	ctx.ReadJSON(&input) // body is optional

	var room models.ChatRoom
	if err := storage.DB.First(&room, roomID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if !isRoomParticipant(room.ID, claims.ID) {
		utils.CreateForbidden(ctx)
		return
	}

	updated, err := realtime.MarkMessagesRead(roomID, claims.ID, input.MessageIDs)
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"updatedCount": updated}})
}
