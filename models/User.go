package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is the principal handed in by the external identity boundary.
// This server never creates or authenticates users; it only mutates the
// points balance cache, the location fields and the settings blobs.
type User struct {
	gorm.Model
	Name         string `json:"name"`
	PublicID     string `json:"userId" gorm:"size:32;uniqueIndex"`
	Email        string `json:"email" gorm:"uniqueIndex"`
	ProfileImage string `json:"profileImage"`

	IsVerified *bool `json:"isVerified"`

	// Cached balance; must always equal the signed sum of the user's
	// point transactions. Mutated only through services.AddPoints/UsePoints.
	Points int `json:"points" gorm:"default:0"`

	Longitude         float64    `json:"-"`
	Latitude          float64    `json:"-"`
	Address           string     `json:"-"`
	LocationUpdatedAt *time.Time `json:"-"`

	PushTokens           datatypes.JSON `json:"pushTokens"`
	AllowsNotifications  *bool          `json:"allowsNotifications"`
	NotificationSettings datatypes.JSON `json:"notificationSettings"`

	InviteCode  string `json:"inviteCode" gorm:"size:16;uniqueIndex"`
	InvitedByID *uint  `json:"invitedBy"`
	InvitedBy   *User  `json:"-" gorm:"foreignKey:InvitedByID"`
}

// NotificationPreferences mirrors the NotificationSettings JSON column.
// Missing keys default to enabled.
type NotificationPreferences struct {
	Messages *bool `json:"messages"`
	Requests *bool `json:"requests"`
	Pins     *bool `json:"pins"`
	System   *bool `json:"system"`
}

// AllowsCategory reports whether the user accepts notifications of the
// given category ("messages", "requests", "pins", "system").
func (u *User) AllowsCategory(category string) bool {
	if u.AllowsNotifications != nil && !*u.AllowsNotifications {
		return false
	}
	if u.NotificationSettings == nil {
		return true
	}
	var prefs NotificationPreferences
	if err := json.Unmarshal(u.NotificationSettings, &prefs); err != nil {
		return true
	}
	var flag *bool
	switch category {
	case "messages":
		flag = prefs.Messages
	case "requests":
		flag = prefs.Requests
	case "pins":
		flag = prefs.Pins
	case "system":
		flag = prefs.System
	}
	return flag == nil || *flag
}

// Custom JSON marshaling so JSON columns render as structured values and
// the geo fields come out in [longitude, latitude] order.
func (u *User) MarshalJSON() ([]byte, error) {
	type Alias User
	aux := &struct {
		PushTokens           []string    `json:"pushTokens,omitempty"`
		NotificationSettings interface{} `json:"notificationSettings,omitempty"`
		Location             *GeoPoint   `json:"location,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(u),
	}

	if u.PushTokens != nil {
		var tokens []string
		if err := json.Unmarshal(u.PushTokens, &tokens); err == nil {
			aux.PushTokens = tokens
		}
	}
	if u.NotificationSettings != nil {
		var prefs NotificationPreferences
		if err := json.Unmarshal(u.NotificationSettings, &prefs); err == nil {
			aux.NotificationSettings = prefs
		}
	}
	if u.Longitude != 0 || u.Latitude != 0 {
		aux.Location = &GeoPoint{
			Coordinates: [2]float64{u.Longitude, u.Latitude},
			Address:     u.Address,
			UpdatedAt:   u.LocationUpdatedAt,
		}
	}

	return json.Marshal(aux)
}

// GeoPoint is the wire shape for coordinates, always [longitude, latitude].
type GeoPoint struct {
	Coordinates [2]float64 `json:"coordinates"`
	Address     string     `json:"address,omitempty"`
	UpdatedAt   *time.Time `json:"lastUpdated,omitempty"`
}
