package services

import (
	"errors"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
	"gorm.io/gorm"
)

// ErrInsufficientBalance is the business failure of a refused debit.
// Callers report it; nothing has been written when it is returned.
var ErrInsufficientBalance = errors.New("insufficient point balance")

// AddPoints appends an earn transaction and bumps the cached balance in one
// database transaction. The balance mutation is a single atomic UPDATE, never
// a read-modify-write, so concurrent credits and debits cannot lose updates.
func AddPoints(userID uint, amount int, description string, relatedID *uint) (int, error) {
	if userID == 0 || amount <= 0 || description == "" {
		return 0, errors.New("invalid point credit parameters")
	}

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ?", userID).
			UpdateColumn("points", gorm.Expr("points + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		txn := models.PointTransaction{
			UserID:      userID,
			Type:        models.PointTypeEarn,
			Amount:      amount,
			Description: description,
			RelatedID:   relatedID,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return 0, err
	}

	return Balance(userID)
}

// UsePoints appends a spend transaction only when the balance covers the
// amount. The guard and the decrement are one conditional UPDATE: when it
// affects no row the whole transaction rolls back with ErrInsufficientBalance
// and no ledger entry is written.
func UsePoints(userID uint, amount int, description string, relatedID *uint) (int, error) {
	if userID == 0 || amount <= 0 || description == "" {
		return 0, errors.New("invalid point debit parameters")
	}

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND points >= ?", userID, amount).
			UpdateColumn("points", gorm.Expr("points - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return ErrInsufficientBalance
		}

		txn := models.PointTransaction{
			UserID:      userID,
			Type:        models.PointTypeSpend,
			Amount:      amount,
			Description: description,
			RelatedID:   relatedID,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return 0, err
	}

	return Balance(userID)
}

// Balance returns the cached balance for a user.
func Balance(userID uint) (int, error) {
	var user models.User
	if err := storage.DB.Select("id, points").First(&user, userID).Error; err != nil {
		return 0, err
	}
	return user.Points, nil
}
