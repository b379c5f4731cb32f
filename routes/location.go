package routes

import (
	"net/http"
	"sort"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/services"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/kataras/iris/v12"
)

type updateLocationInput struct {
	Coordinates []float64 `json:"coordinates" validate:"required,len=2"`
	Address     string    `json:"address"`
}

// UpdateUserLocation stores the caller's last known position. Coordinates
// arrive as [longitude, latitude].
func UpdateUserLocation(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var input updateLocationInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	now := time.Now()
	err := storage.DB.Model(&models.User{}).
		Where("id = ?", claims.ID).
		Updates(map[string]interface{}{
			"longitude":           input.Coordinates[0],
			"latitude":            input.Coordinates[1],
			"address":             input.Address,
			"location_updated_at": &now,
		}).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "message": "location updated"})
}

type nearbyUser struct {
	User     *models.User `json:"user"`
	Distance float64      `json:"distance"`
}

// GetNearbyUsers lists verified users with a known location within the
// radius, closest first. The center defaults to the caller's stored
// position but can be overridden with latitude/longitude params.
func GetNearbyUsers(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	radius, err := ctx.URLParamFloat64("radius")
	if err != nil || radius <= 0 {
		radius = 5000
	}

	lat, latErr := ctx.URLParamFloat64("latitude")
	lng, lngErr := ctx.URLParamFloat64("longitude")
	if latErr != nil || lngErr != nil {
		var self models.User
		if err := storage.DB.First(&self, claims.ID).Error; err != nil {
			utils.CreateNotFound(ctx)
			return
		}
		if self.LocationUpdatedAt == nil {
			utils.JSONError(ctx, http.StatusBadRequest, "no_location", "update your location or pass latitude and longitude")
			return
		}
		lat, lng = self.Latitude, self.Longitude
	}

	var candidates []models.User
	err = storage.DB.
		Where("id != ?", claims.ID).
		Where("is_verified = ?", true).
		Where("location_updated_at IS NOT NULL").
		Find(&candidates).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	nearby := make([]nearbyUser, 0, len(candidates))
	for i := range candidates {
		d := services.CalculateDistance(lat, lng, candidates[i].Latitude, candidates[i].Longitude)
		if d <= radius {
			nearby = append(nearby, nearbyUser{User: &candidates[i], Distance: d})
		}
	}
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].Distance < nearby[j].Distance })

	ctx.JSON(iris.Map{"success": true, "count": len(nearby), "data": nearby})
}
