package models

import "time"

// Point transaction types.
const (
	PointTypeEarn  = "earn"
	PointTypeSpend = "spend"
)

// PointTransaction is one immutable entry of the points ledger. The signed
// sum of a user's entries must always equal the user's cached balance.
type PointTransaction struct {
	ID     uint `json:"id" gorm:"primaryKey"`
	UserID uint `json:"userId" gorm:"not null;index"`
	User   User `json:"-" gorm:"foreignKey:UserID"`

	Type        string `json:"type" gorm:"size:8;not null;index"`
	Amount      int    `json:"amount" gorm:"not null"`
	Description string `json:"description" gorm:"size:255;not null"`

	// Optional reference to the entity that earned or spent the points
	// (a pin, a request, an inviting user).
	RelatedID *uint `json:"relatedId"`

	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}
