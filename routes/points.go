package routes

import (
	"errors"
	"log"
	"net/http"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/services"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

// GetPointBalance returns the caller's current balance.
func GetPointBalance(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	balance, err := services.Balance(claims.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.CreateNotFound(ctx)
			return
		}
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"points": balance}})
}

// GetPointTransactions pages the caller's ledger, newest first, with an
// optional earn/spend filter.
func GetPointTransactions(ctx iris.Context) {
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

	query := storage.DB.Model(&models.PointTransaction{}).Where("user_id = ?", claims.ID)
	if kind := ctx.URLParam("type"); kind != "" {
		if kind != models.PointTypeEarn && kind != models.PointTypeSpend {
			utils.JSONError(ctx, http.StatusBadRequest, "validation", "type must be earn or spend")
			return
		}
		query = query.Where("type = ?", kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	var transactions []models.PointTransaction
	err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(skip).
		Find(&transactions).Error
	if err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	utils.JSONPage(ctx, transactions, len(transactions), total)
}

// GetInviteCode returns the caller's invite code, minting one on first use.
func GetInviteCode(ctx iris.Context) {
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

	if user.InviteCode == "" {
		code := utils.GenerateShortToken(4)
		// The conditional write keeps two concurrent mints from
		// overwriting each other; the loser re-reads the winner's code.
		res := storage.DB.Model(&models.User{}).
			Where("id = ? AND (invite_code = '' OR invite_code IS NULL)", user.ID).
			Update("invite_code", code)
		if res.Error != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
		if err := storage.DB.First(&user, claims.ID).Error; err != nil {
			utils.CreateInternalServerError(ctx)
			return
		}
	}

	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"inviteCode": user.InviteCode}})
}

type applyInviteCodeInput struct {
	InviteCode string `json:"inviteCode" validate:"required"`
}

// ApplyInviteCode links the caller to the code's owner and credits both
// sides. A user can apply a code at most once, ever, and never their own.
func ApplyInviteCode(ctx iris.Context) {
	claims := utils.CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(http.StatusUnauthorized)
		return
	}

	var input applyInviteCodeInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var invitee models.User
	if err := storage.DB.First(&invitee, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}
	if invitee.InvitedByID != nil {
		utils.JSONError(ctx, http.StatusBadRequest, "invite_already_applied", "you already used an invite code")
		return
	}

	var inviter models.User
	if err := storage.DB.Where("invite_code = ?", input.InviteCode).First(&inviter).Error; err != nil {
		utils.JSONError(ctx, http.StatusNotFound, "invalid_invite_code", "no user owns this invite code")
		return
	}
	if inviter.ID == invitee.ID {
		utils.JSONError(ctx, http.StatusBadRequest, "own_invite_code", "you cannot apply your own invite code")
		return
	}

	// Claim the code before crediting; the conditional write keeps a
	// concurrent double-apply from crediting twice.
	res := storage.DB.Model(&models.User{}).
		Where("id = ? AND invited_by_id IS NULL", invitee.ID).
		Update("invited_by_id", inviter.ID)
	if res.Error != nil {
		utils.CreateInternalServerError(ctx)
		return
	}
	if res.RowsAffected == 0 {
		utils.JSONError(ctx, http.StatusBadRequest, "invite_already_applied", "you already used an invite code")
		return
	}

	if _, err := services.AddPoints(inviter.ID, 100, "Invite bonus", &invitee.ID); err != nil {
		log.Printf("invite bonus failed for inviter %d: %v", inviter.ID, err)
	}
	inviteePoints := 0
	if balance, err := services.AddPoints(invitee.ID, 50, "Invite code applied bonus", &inviter.ID); err != nil {
		log.Printf("invite bonus failed for invitee %d: %v", invitee.ID, err)
	} else {
		inviteePoints = balance
	}

	go services.NewNotificationService().Dispatch(services.InviteRewardedIntent{
		InviterID:   inviter.ID,
		InviteeID:   invitee.ID,
		InviteeName: invitee.Name,
	})

	ctx.JSON(iris.Map{"success": true, "data": iris.Map{"invitedBy": inviter.PublicID, "points": inviteePoints}})
}
