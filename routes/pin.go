package routes

import (
	"log"
	"net/http"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/services"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type pinLocationInput struct {
	Coordinates []float64 `json:"coordinates" validate:"required,len=2"`
	Address     string    `json:"address"`
}

type createPinInput struct {
	Title       string           `json:"title" validate:"required,min=3,max=100"`
	Description string           `json:"description" validate:"required,min=10,max=1000"`
	Location    pinLocationInput `json:"location" validate:"required"`
	DateTime    time.Time        `json:"dateTime" validate:"required"`
}

// CreatePin inserts a pin with its creator as first participant, then
// triggers the creation bonus and the nearby-users notification. The pin
// is returned even when the bonus path fails.
func CreatePin(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var input createPinInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	pin := models.Pin{
		CreatorID:   claims.ID,
		Title:       input.Title,
		Description: input.Description,
		Longitude:   input.Location.Coordinates[0],
		Latitude:    input.Location.Coordinates[1],
		Address:     input.Location.Address,
		DateTime:    input.DateTime,
		Status:      models.PinStatusActive,
	}
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&pin).Error; err != nil {
			return err
		}
		return tx.Create(&models.PinParticipant{PinID: pin.ID, UserID: claims.ID}).Error
	})
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	// Bonus and fan-out are non-fatal: the pin already exists.
	points := 0
	if balance, err := services.AddPoints(claims.ID, 20, "Pin creation bonus", &pin.ID); err != nil {
		log.Printf("pin creation bonus failed for user %d: %v", claims.ID, err)
	} else {
		points = balance
	}
	go services.NewNotificationService().Dispatch(services.PinCreatedIntent{Pin: &pin})

	storage.DB.Preload("Creator").Preload("Participants.User").First(&pin, pin.ID)

	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"pin": &pin, "points": points}})
}

// GetPins lists active future pins near a point, closest-in-time first.
// The distance filter runs in Go over the candidate rows.
func GetPins(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	lat, latErr := ctx.URLParamFloat64("latitude")
	lng, lngErr := ctx.URLParamFloat64("longitude")
	if latErr != nil || lngErr != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "validation", "latitude and longitude are required")
		return
	}
	radius, err := ctx.URLParamFloat64("radius")
	if err != nil || radius <= 0 {
		radius = 5000
	}
	limit, _ := ctx.URLParamInt("limit")
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	skip, _ := ctx.URLParamInt("skip")
	if skip < 0 {
		skip = 0
	}

	var pins []models.Pin
	err = storage.DB.
		Where("status = ?", models.PinStatusActive).
		Where("date_time >= ?", time.Now()).
		Preload("Creator").
		Preload("Participants.User").
		Order("date_time ASC").
		Find(&pins).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	nearby := pins[:0]
	for i := range pins {
		if services.CalculateDistance(lat, lng, pins[i].Latitude, pins[i].Longitude) <= radius {
			nearby = append(nearby, pins[i])
		}
	}
	total := len(nearby)
	if skip > total {
		skip = total
	}
	nearby = nearby[skip:]
	if len(nearby) > limit {
		nearby = nearby[:limit]
	}

	utils.JSONPage(ctx, nearby, len(nearby), int64(total))
}

// GetPinByID returns one pin with its creator, participants and requests.
func GetPinByID(ctx iris.Context) {
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var pin models.Pin
	err = storage.DB.
		Preload("Creator").
		Preload("Participants.User").
		Preload("Requests.Requester").
		First(&pin, pinID).Error
	if err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "data": &pin})
}

type updatePinInput struct {
	Title       *string           `json:"title" validate:"omitempty,min=3,max=100"`
	Description *string           `json:"description" validate:"omitempty,min=10,max=1000"`
	Location    *pinLocationInput `json:"location"`
	DateTime    *time.Time        `json:"dateTime"`
	Status      *string           `json:"status" validate:"omitempty,oneof=active completed cancelled"`
}

// UpdatePin applies partial updates; creator only. Status transitions are
// creator-initiated and never automatic.
func UpdatePin(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var pin models.Pin
	if err := storage.DB.First(&pin, pinID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if pin.CreatorID != claims.ID {
		utils.CreateForbidden(ctx)
		return
	}

	var input updatePinInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	updates := map[string]interface{}{}
	if input.Title != nil {
		updates["title"] = *input.Title
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.Location != nil {
		if len(input.Location.Coordinates) != 2 {
			utils.JSONError(ctx, http.StatusBadRequest, "validation", "location coordinates must be [longitude, latitude]")
			return
		}
		updates["longitude"] = input.Location.Coordinates[0]
		updates["latitude"] = input.Location.Coordinates[1]
		updates["address"] = input.Location.Address
	}
	if input.DateTime != nil {
		updates["date_time"] = *input.DateTime
	}
	if input.Status != nil {
		updates["status"] = *input.Status
	}

	if len(updates) > 0 {
		if err := storage.DB.Model(&pin).Updates(updates).Error; err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
	}

	storage.DB.Preload("Creator").Preload("Participants.User").First(&pin, pin.ID)
	ctx.JSON(iris.Map{"success": true, "data": &pin})
}

// DeletePin hard-removes a pin with its requests and participant rows.
// Chat rooms created from the pin survive; they only lose their pin
// reference.
func DeletePin(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var pin models.Pin
	if err := storage.DB.First(&pin, pinID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if pin.CreatorID != claims.ID {
		utils.CreateForbidden(ctx)
		return
	}

	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pin_id = ?", pinID).Delete(&models.PinRequest{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pin_id = ?", pinID).Delete(&models.PinParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ChatRoom{}).Where("pin_id = ?", pinID).Update("pin_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&pin).Error
	})
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "message": "pin deleted"})
}

type sendPinRequestInput struct {
	Message string `json:"message" validate:"required,max=500"`
}

// SendPinRequest files a join request. One request per (pin, requester)
// ever: a terminal request, approved or rejected, blocks a retry.
func SendPinRequest(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var input sendPinRequestInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var pin models.Pin
	if err := storage.DB.First(&pin, pinID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	if pin.CreatorID == claims.ID {
		utils.JSONError(ctx, http.StatusBadRequest, "self_request", "you cannot request to join your own pin")
		return
	}

	var participantCount int64
	storage.DB.Model(&models.PinParticipant{}).
		Where("pin_id = ? AND user_id = ?", pinID, claims.ID).
		Count(&participantCount)
	if participantCount > 0 {
		utils.JSONError(ctx, http.StatusConflict, "already_participant", "you already participate in this pin")
		return
	}

	var existing models.PinRequest
	if err := storage.DB.Where("pin_id = ? AND requester_id = ?", pinID, claims.ID).First(&existing).Error; err == nil {
		utils.JSONError(ctx, http.StatusConflict, "duplicate_request", "you already sent a request for this pin")
		return
	}

	request := models.PinRequest{
		PinID:       pinID,
		RequesterID: claims.ID,
		Message:     input.Message,
		Status:      models.RequestStatusPending,
	}
	if err := storage.DB.Create(&request).Error; err != nil {
		// Unique index on (pin, requester): a concurrent duplicate lost the race.
		utils.JSONError(ctx, http.StatusConflict, "duplicate_request", "you already sent a request for this pin")
		return
	}

	go services.NewNotificationService().Dispatch(services.RequestReceivedIntent{Pin: &pin, Request: &request})

	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"requestId": request.ID}})
}

// GetPinRequests lists a pin's join requests, oldest first. Creator only.
func GetPinRequests(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var pin models.Pin
	if err := storage.DB.First(&pin, pinID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if pin.CreatorID != claims.ID {
		utils.CreateForbidden(ctx)
		return
	}

	var requests []models.PinRequest
	storage.DB.Where("pin_id = ?", pinID).
		Preload("Requester").
		Order("created_at ASC, id ASC").
		Find(&requests)

	ctx.JSON(iris.Map{"success": true, "count": len(requests), "data": requests})
}

type respondToRequestInput struct {
	Status string `json:"status" validate:"required,oneof=approved rejected"`
}

// RespondToPinRequest resolves a pending request. The pending->terminal
// transition is a conditional update, so a second respond call is a no-op
// with no duplicate credits or rooms. On approval the requester joins the
// participant set idempotently and the chat room is created or reused.
func RespondToPinRequest(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	pinID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	requestID, err := ctx.Params().GetUint("reqId")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	var input respondToRequestInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var pin models.Pin
	if err := storage.DB.First(&pin, pinID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if pin.CreatorID != claims.ID {
		utils.CreateForbidden(ctx)
		return
	}

	var request models.PinRequest
	if err := storage.DB.Where("id = ? AND pin_id = ?", requestID, pinID).First(&request).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	now := time.Now()
	res := storage.DB.Model(&models.PinRequest{}).
		Where("id = ? AND status = ?", requestID, models.RequestStatusPending).
		Updates(map[string]interface{}{"status": input.Status, "responded_at": &now})
	if res.Error != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	if res.RowsAffected == 0 {
		utils.JSONError(ctx, http.StatusConflict, "request_already_processed", "this request was already responded to")
		return
	}
	request.Status = input.Status
	request.RespondedAt = &now

	var roomID *uint
	if input.Status == models.RequestStatusApproved {
		participant := models.PinParticipant{PinID: pinID, UserID: request.RequesterID}
		if err := storage.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&participant).Error; err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}

		room, err := getOrCreateChatRoom(&pin.ID, []uint{pin.CreatorID, request.RequesterID})
		if err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
		roomID = &room.ID

		// Approval bonuses are non-fatal: the approval itself stands.
		if _, err := services.AddPoints(pin.CreatorID, 10, "Pin request approval bonus", &request.RequesterID); err != nil {
			log.Printf("approval bonus failed for creator %d: %v", pin.CreatorID, err)
		}
		if _, err := services.AddPoints(request.RequesterID, 5, "Pin participation bonus", &pin.ID); err != nil {
			log.Printf("participation bonus failed for requester %d: %v", request.RequesterID, err)
		}
	}

	go services.NewNotificationService().Dispatch(services.RequestDecidedIntent{
		Pin:     &pin,
		Request: &request,
		Status:  input.Status,
	})

	data := iris.Map{"requestId": requestID, "status": input.Status}
	if roomID != nil {
		data["chatRoomId"] = *roomID
	}
	ctx.JSON(iris.Map{"success": true, "data": data})
}
