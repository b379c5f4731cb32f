package main

import (
	"fmt"
	"log"
	"os"

	"github.com/betweentabin/settee/realtime"
	"github.com/betweentabin/settee/routes"
	"github.com/betweentabin/settee/storage"
	"github.com/betweentabin/settee/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func main() {
	// Only load .env in development
	if os.Getenv("RENDER") == "" {
		godotenv.Load()
	}

	storage.InitializeDB()
	storage.InitializeRedis()

	app := iris.New()
	app.Validator = validator.New()

	// CORS configuration
	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})

	// Minimal middleware - compression only
	app.Use(iris.Compression)

	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	// Websocket clients cannot set Authorization headers from the browser,
	// so the socket verifier also accepts ?token=.
	socketTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	socketTokenVerifier.WithDefaultBlocklist()
	socketTokenVerifier.Extractors = append(socketTokenVerifier.Extractors, func(ctx iris.Context) string {
		return ctx.URLParam("token")
	})
	socketTokenVerifierMiddleware := socketTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	// Health check endpoint - CRITICAL for Render
	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})

	pins := app.Party("/api/pins", accessTokenVerifierMiddleware)
	{
		pins.Post("/", utils.RequireVerification, routes.CreatePin)
		pins.Get("/", routes.GetPins)
		pins.Get("/{id:uint}", routes.GetPinByID)
		pins.Put("/{id:uint}", utils.RequireVerification, routes.UpdatePin)
		pins.Delete("/{id:uint}", routes.DeletePin)
		pins.Post("/{id:uint}/requests", utils.RequireVerification, routes.SendPinRequest)
		pins.Get("/{id:uint}/requests", routes.GetPinRequests)
		pins.Put("/{id:uint}/requests/{reqId:uint}", routes.RespondToPinRequest)
	}

	chat := app.Party("/api/chats", accessTokenVerifierMiddleware)
	{
		chat.Get("/", routes.GetChatRooms)
		chat.Get("/{id:uint}", routes.GetChatRoomByID)
		chat.Get("/{id:uint}/messages", routes.GetMessages)
		chat.Post("/{id:uint}/messages", utils.RequireVerification, routes.SendMessage)
		chat.Put("/{id:uint}/read", routes.MarkAsRead)
	}

	points := app.Party("/api/points", accessTokenVerifierMiddleware)
	{
		points.Get("/balance", routes.GetPointBalance)
		points.Get("/transactions", routes.GetPointTransactions)
		points.Get("/invite-code", routes.GetInviteCode)
		points.Post("/invite", routes.ApplyInviteCode)
	}

	location := app.Party("/api/location", accessTokenVerifierMiddleware)
	{
		location.Put("/update", utils.RequireVerification, routes.UpdateUserLocation)
		location.Get("/nearby", utils.RequireVerification, routes.GetNearbyUsers)
	}

	notifications := app.Party("/api/notifications", accessTokenVerifierMiddleware)
	{
		notifications.Get("/", routes.ListNotifications)
		notifications.Patch("/{id:uint}/read", routes.MarkNotificationRead)
		notifications.Get("/settings", routes.GetNotificationSettings)
		notifications.Put("/settings", routes.UpdateNotificationSettings)
	}

	app.Get("/ws", socketTokenVerifierMiddleware, realtime.ServeWS)

	// Get port from environment
	port := os.Getenv("PORT")
	if port == "" {
		port = "4000"
	}
	addr := "0.0.0.0:" + port

	fmt.Printf("🚀 Server starting on %s\n", addr)

	if err := app.Listen(addr); err != nil {
		log.Fatalf("❌ Server failed: %v", err)
	}
}
