package services

import (
	"fmt"
	"log"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
)

// NotificationService is the in-process side of the notification boundary.
// It turns intents into persisted notification rows; the actual transport
// (push, email) consumes those rows outside this server. Dispatch failures
// are logged and swallowed - they never fail the action that raised them.
type NotificationService struct{}

func NewNotificationService() *NotificationService {
	return &NotificationService{}
}

// Intent is the closed set of notification events the core can emit.
// The dispatcher pattern-matches on the concrete type.
type Intent interface {
	kind() string
}

// PinCreatedIntent fans out to verified users near the new pin.
type PinCreatedIntent struct {
	Pin *models.Pin
}

// RequestReceivedIntent targets the pin creator.
type RequestReceivedIntent struct {
	Pin     *models.Pin
	Request *models.PinRequest
}

// RequestDecidedIntent targets the requester with the approve/reject outcome.
type RequestDecidedIntent struct {
	Pin     *models.Pin
	Request *models.PinRequest
	Status  string
}

// MessageReceivedIntent targets room participants other than the sender.
type MessageReceivedIntent struct {
	Room    *models.ChatRoom
	Message *models.Message
	Sender  *models.User
}

// VerificationCompletedIntent rewards and notifies a freshly verified user.
type VerificationCompletedIntent struct {
	UserID uint
}

// InviteRewardedIntent notifies both sides of an applied invite code.
type InviteRewardedIntent struct {
	InviterID   uint
	InviteeID   uint
	InviteeName string
}

func (PinCreatedIntent) kind() string            { return "pin_created" }
func (RequestReceivedIntent) kind() string       { return "request_received" }
func (RequestDecidedIntent) kind() string        { return "request_decided" }
func (MessageReceivedIntent) kind() string       { return "message_received" }
func (VerificationCompletedIntent) kind() string { return "verification_completed" }
func (InviteRewardedIntent) kind() string        { return "invite_rewarded" }

// NearbyNotificationRadiusM bounds the pin-created fan-out.
const NearbyNotificationRadiusM = 5000.0

// Dispatch hands an intent over the notification boundary. Errors are
// logged, never returned: the triggering action has already succeeded.
func (ns *NotificationService) Dispatch(intent Intent) {
	switch it := intent.(type) {
	case PinCreatedIntent:
		ns.dispatchPinCreated(it)
	case RequestReceivedIntent:
		title := "New pin request"
		body := fmt.Sprintf("Your pin %q received a join request", it.Pin.Title)
		ns.deliver(it.Pin.CreatorID, "requests", intent.kind(), title, body, "pin", it.Pin.ID)
	case RequestDecidedIntent:
		decision := "rejected"
		if it.Status == models.RequestStatusApproved {
			decision = "approved"
		}
		title := fmt.Sprintf("Pin request %s", decision)
		body := fmt.Sprintf("Your request to join %q was %s", it.Pin.Title, decision)
		ns.deliver(it.Request.RequesterID, "requests", intent.kind(), title, body, "pin", it.Pin.ID)
	case MessageReceivedIntent:
		title := fmt.Sprintf("Message from %s", it.Sender.Name)
		body := it.Message.Text
		if len(body) > 50 {
			body = body[:50] + "..."
		}
		for _, p := range it.Room.Participants {
			if p.UserID == it.Sender.ID {
				continue
			}
			ns.deliver(p.UserID, "messages", intent.kind(), title, body, "chat", it.Room.ID)
		}
	case VerificationCompletedIntent:
		if _, err := AddPoints(it.UserID, 100, "Identity verification bonus", nil); err != nil {
			log.Printf("verification bonus credit failed for user %d: %v", it.UserID, err)
		}
		ns.deliver(it.UserID, "system", intent.kind(),
			"Verification completed",
			"Your identity verification is complete and 100 points were added", "user", it.UserID)
	case InviteRewardedIntent:
		ns.deliver(it.InviterID, "system", intent.kind(),
			"Invite bonus awarded",
			fmt.Sprintf("%s used your invite code and you earned 100 points", it.InviteeName),
			"user", it.InviteeID)
		ns.deliver(it.InviteeID, "system", intent.kind(),
			"Invite bonus awarded",
			"Your invite code was applied and you earned 50 points", "user", it.InviterID)
	default:
		log.Printf("unknown notification intent %T", intent)
	}
}

func (ns *NotificationService) dispatchPinCreated(it PinCreatedIntent) {
	var users []models.User
	err := storage.DB.
		Where("id != ? AND is_verified = ?", it.Pin.CreatorID, true).
		Where("location_updated_at IS NOT NULL").
		Find(&users).Error
	if err != nil {
		log.Printf("pin created fan-out query failed: %v", err)
		return
	}

	body := it.Pin.Description
	if len(body) > 50 {
		body = body[:50] + "..."
	}
	for i := range users {
		u := &users[i]
		if CalculateDistance(u.Latitude, u.Longitude, it.Pin.Latitude, it.Pin.Longitude) > NearbyNotificationRadiusM {
			continue
		}
		ns.deliver(u.ID, "pins", it.kind(),
			"A new pin was created nearby",
			fmt.Sprintf("%s - %s", it.Pin.Title, body), "pin", it.Pin.ID)
	}
}

// deliver persists one notification row for one recipient, honoring the
// recipient's per-category settings.
func (ns *NotificationService) deliver(userID uint, category, kind, title, body, refType string, refID uint) {
	var user models.User
	if err := storage.DB.First(&user, userID).Error; err != nil {
		log.Printf("notification recipient %d not found: %v", userID, err)
		return
	}
	if !user.AllowsCategory(category) {
		return
	}

	n := models.Notification{
		UserID:  userID,
		Type:    kind,
		Title:   title,
		Message: body,
		RefType: refType,
		RefID:   refID,
	}
	if err := storage.DB.Create(&n).Error; err != nil {
		log.Printf("failed to persist notification for user %d: %v", userID, err)
	}
}
