package models

import "time"

// Notification is the persisted trace of a dispatched notification intent.
// Transport delivery (push, email) happens outside this server; these rows
// are what the dispatcher hands over the boundary.
type Notification struct {
	ID     uint `json:"id" gorm:"primaryKey"`
	UserID uint `json:"userID" gorm:"not null;index"`
	User   User `json:"-" gorm:"foreignKey:UserID"`

	Type    string `json:"type" gorm:"size:32;index"`
	Title   string `json:"title" gorm:"size:100"`
	Message string `json:"message" gorm:"size:500"`

	// Reference data for client-side navigation.
	RefType string `json:"refType" gorm:"size:32"`
	RefID   uint   `json:"refID"`

	IsRead    bool       `json:"isRead" gorm:"default:false"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt"`
}
