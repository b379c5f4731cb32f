package routes

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/betweentabin/settee/models"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"
	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB swaps storage.DB for an isolated in-memory database.
// A single pooled connection keeps sqlite from returning busy errors
// under the concurrent tests.
func setupTestDB(t *testing.T) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	storage.DB = db
	storage.PerformMigrations(db)
}

// buildTestApp wires the API surface the way main does, minus CORS and
// compression.
func buildTestApp(t *testing.T) *iris.Application {
	t.Helper()
	os.Setenv("ACCESS_TOKEN_SECRET", "testsecret")

	app := iris.New()
	app.Validator = validator.New()
	// The recorder in doJSON does not follow redirects the way a real
	// client would, so serve path-corrected routes directly.
	app.Configure(iris.WithoutPathCorrectionRedirection)

	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	pins := app.Party("/api/pins", accessTokenVerifierMiddleware)
	{
		pins.Post("/", utils.RequireVerification, CreatePin)
		pins.Get("/", GetPins)
		pins.Get("/{id:uint}", GetPinByID)
		pins.Put("/{id:uint}", utils.RequireVerification, UpdatePin)
		pins.Delete("/{id:uint}", DeletePin)
		pins.Post("/{id:uint}/requests", utils.RequireVerification, SendPinRequest)
		pins.Get("/{id:uint}/requests", GetPinRequests)
		pins.Put("/{id:uint}/requests/{reqId:uint}", RespondToPinRequest)
	}

	chat := app.Party("/api/chats", accessTokenVerifierMiddleware)
	{
		chat.Get("/", GetChatRooms)
		chat.Get("/{id:uint}", GetChatRoomByID)
		chat.Get("/{id:uint}/messages", GetMessages)
		chat.Post("/{id:uint}/messages", utils.RequireVerification, SendMessage)
		chat.Put("/{id:uint}/read", MarkAsRead)
	}

	points := app.Party("/api/points", accessTokenVerifierMiddleware)
	{
		points.Get("/balance", GetPointBalance)
		points.Get("/transactions", GetPointTransactions)
		points.Get("/invite-code", GetInviteCode)
		points.Post("/invite", ApplyInviteCode)
	}

	location := app.Party("/api/location", accessTokenVerifierMiddleware)
	{
		location.Put("/update", utils.RequireVerification, UpdateUserLocation)
		location.Get("/nearby", utils.RequireVerification, GetNearbyUsers)
	}

	notifications := app.Party("/api/notifications", accessTokenVerifierMiddleware)
	{
		notifications.Get("/", ListNotifications)
		notifications.Patch("/{id:uint}/read", MarkNotificationRead)
		notifications.Get("/settings", GetNotificationSettings)
		notifications.Put("/settings", UpdateNotificationSettings)
	}

	if err := app.Build(); err != nil {
		t.Fatalf("build test app: %v", err)
	}
	return app
}

// signTestToken returns a signed JWT for the given user id.
func signTestToken(id uint, verified bool) string {
	signer := jwt.NewSigner(jwt.HS256, os.Getenv("ACCESS_TOKEN_SECRET"), time.Hour)
	token, _ := signer.Sign(utils.AccessToken{ID: id, Verified: verified})
	return string(token)
}

// createTestUser inserts a user with a deterministic invite code.
func createTestUser(t *testing.T, name string, verified bool) *models.User {
	t.Helper()
	v := verified
	user := models.User{
		Name:       name,
		PublicID:   fmt.Sprintf("pub-%s", name),
		Email:      fmt.Sprintf("%s@example.com", name),
		IsVerified: &v,
		InviteCode: fmt.Sprintf("INV-%s", name),
	}
	if err := storage.DB.Create(&user).Error; err != nil {
		t.Fatalf("create test user %s: %v", name, err)
	}
	return &user
}

func setTestLocation(t *testing.T, userID uint, lng, lat float64) {
	t.Helper()
	now := time.Now()
	err := storage.DB.Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{
			"longitude":           lng,
			"latitude":            lat,
			"location_updated_at": &now,
		}).Error
	if err != nil {
		t.Fatalf("set location for user %d: %v", userID, err)
	}
}
