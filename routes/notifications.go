package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/kataras/iris/v12"
	"gorm.io/datatypes"
)

// ListNotifications pages the caller's notifications, newest first.
func ListNotifications(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	limit, _ := ctx.URLParamInt("limit")
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	skip, _ := ctx.URLParamInt("skip")
	if skip < 0 {
		skip = 0
	}

	query := storage.DB.Model(&models.Notification{}).Where("user_id = ?", claims.ID)
	if ctx.URLParam("unreadOnly") == "true" {
		query = query.Where("is_read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	var notifications []models.Notification
	err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(skip).
		Find(&notifications).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	utils.JSONPage(ctx, notifications, len(notifications), total)
}

// MarkNotificationRead flags one of the caller's notifications as read.
func MarkNotificationRead(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}
	notificationID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}

	now := time.Now()
	res := storage.DB.Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", notificationID, claims.ID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": &now})
	if res.Error != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	if res.RowsAffected == 0 {
		var count int64
		storage.DB.Model(&models.Notification{}).
			Where("id = ? AND user_id = ?", notificationID, claims.ID).
			Count(&count)
		if count == 0 {
			utils.CreateNotFound(ctx)
			return
		}
	}

	ctx.JSON(iris.Map{"success": true, "message": "notification read"})
}

// GetNotificationSettings returns the caller's per-category preferences.
// Categories never written come back enabled.
func GetNotificationSettings(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	prefs := models.NotificationPreferences{}
	if user.NotificationSettings != nil {
		json.Unmarshal(user.NotificationSettings, &prefs)
	}
	enabled := true
	if user.AllowsNotifications != nil {
		enabled = *user.AllowsNotifications
	}

	ctx.JSON(iris.Map{"success": true, "data": iris.Map{
		"allowsNotifications": enabled,
		"settings":            prefs,
	}})
}

type updateNotificationSettingsInput struct {
	AllowsNotifications *bool  `json:"allowsNotifications"`
	Messages            *bool  `json:"messages"`
	Requests            *bool  `json:"requests"`
	Pins                *bool  `json:"pins"`
	System              *bool  `json:"system"`
	PushToken           string `json:"pushToken" validate:"omitempty,max=256"`
}

// UpdateNotificationSettings merges the given flags into the stored
// preferences and optionally registers a push token. Omitted flags keep
// their previous value.
func UpdateNotificationSettings(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var input updateNotificationSettingsInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	prefs := models.NotificationPreferences{}
	if user.NotificationSettings != nil {
		json.Unmarshal(user.NotificationSettings, &prefs)
	}
	if input.Messages != nil {
		prefs.Messages = input.Messages
	}
	if input.Requests != nil {
		prefs.Requests = input.Requests
	}
	if input.Pins != nil {
		prefs.Pins = input.Pins
	}
	if input.System != nil {
		prefs.System = input.System
	}

	updates := map[string]interface{}{}
	if raw, err := json.Marshal(prefs); err == nil {
		updates["notification_settings"] = datatypes.JSON(raw)
	}
	if input.AllowsNotifications != nil {
		updates["allows_notifications"] = *input.AllowsNotifications
	}
	if input.PushToken != "" {
		var tokens []string
		if user.PushTokens != nil {
			json.Unmarshal(user.PushTokens, &tokens)
		}
		known := false
		for _, t := range tokens {
			if t == input.PushToken {
				known = true
				break
			}
		}
		if !known {
			tokens = append(tokens, input.PushToken)
			if raw, err := json.Marshal(tokens); err == nil {
				updates["push_tokens"] = datatypes.JSON(raw)
			}
		}
	}

	if err := storage.DB.Model(&user).Updates(updates).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	storage.DB.First(&user, claims.ID)
	ctx.JSON(iris.Map{"success": true, "data": &user})
}
