package models

import (
	"encoding/json"
	"time"
)

// Pin statuses. Transitions are creator-initiated only; pins whose
// scheduled time has passed are filtered from listings, never auto-expired.
const (
	PinStatusActive    = "active"
	PinStatusCompleted = "completed"
	PinStatusCancelled = "cancelled"
)

// Pin is a geolocated, time-boxed meetup proposal.
type Pin struct {
	ID        uint `json:"id" gorm:"primaryKey"`
	CreatorID uint `json:"creatorId" gorm:"not null;index"`
	Creator   User `json:"creator" gorm:"foreignKey:CreatorID"`

	Title       string `json:"title" gorm:"size:100"`
	Description string `json:"description" gorm:"size:1000"`

	Longitude float64 `json:"-"`
	Latitude  float64 `json:"-"`
	Address   string  `json:"-" gorm:"size:256"`

	DateTime time.Time `json:"dateTime" gorm:"index"`
	Status   string    `json:"status" gorm:"size:16;default:active;index"`

	// The creator is a participant from the moment the pin exists.
	Participants []PinParticipant `json:"participants" gorm:"foreignKey:PinID"`
	Requests     []PinRequest     `json:"requests,omitempty" gorm:"foreignKey:PinID"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p *Pin) MarshalJSON() ([]byte, error) {
	type Alias Pin
	return json.Marshal(&struct {
		Location GeoPoint `json:"location"`
		*Alias
	}{
		Location: GeoPoint{
			Coordinates: [2]float64{p.Longitude, p.Latitude},
			Address:     p.Address,
		},
		Alias: (*Alias)(p),
	})
}

// PinParticipant links a user to a pin. The unique index makes the
// participant add on approval idempotent.
type PinParticipant struct {
	ID     uint `json:"-" gorm:"primaryKey"`
	PinID  uint `json:"-" gorm:"not null;uniqueIndex:idx_pin_participant"`
	UserID uint `json:"userId" gorm:"not null;uniqueIndex:idx_pin_participant"`
	User   User `json:"user" gorm:"foreignKey:UserID"`

	CreatedAt time.Time `json:"joinedAt"`
}

// Request statuses; pending -> approved|rejected is terminal.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
)

// PinRequest is a user's petition to join a pin. At most one request per
// (pin, requester) ever exists, regardless of status: a rejected request
// blocks a retry.
type PinRequest struct {
	ID    uint `json:"id" gorm:"primaryKey"`
	PinID uint `json:"pinId" gorm:"not null;uniqueIndex:idx_pin_requester"`
	Pin   Pin  `json:"-" gorm:"foreignKey:PinID"`

	RequesterID uint `json:"requesterId" gorm:"not null;uniqueIndex:idx_pin_requester"`
	Requester   User `json:"requester" gorm:"foreignKey:RequesterID"`

	Message string `json:"message" gorm:"size:500"`
	Status  string `json:"status" gorm:"size:16;default:pending;index"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	RespondedAt *time.Time `json:"respondedAt"`
}
