package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/api/handlers"
	"github.com/luo-one/mailsync/internal/api/middleware"
	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps is everything the HTTP surface serves from
type Deps struct {
	DB           *gorm.DB
	Config       *config.Config
	Log          *logrus.Logger
	JWT          *middleware.JWTManager
	OperatorKeys *middleware.APIKeyManager

	Accounts *services.AccountService
	Messages *services.MessageService
	Outbound *services.OutboundService
	Linker   *services.EntityLinker
	Tracking *services.TrackingService
	OAuth    *services.OAuthService
	Logs     *services.LogService
	Jobs     *jobs.Store
}

func corsOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// SetupRouter initializes and returns the Gin router with all routes configured
func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logging.Component(d.Log, "http")))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.APIKeyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := corsOrigins(d.Config.Server.CORSOrigins)
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	accountHandler := handlers.NewAccountHandler(d.Accounts, d.Jobs, logging.Component(d.Log, "accounts"))
	messageHandler := handlers.NewMessageHandler(d.Messages, d.Outbound, d.Linker, d.Tracking)
	jobHandler := handlers.NewJobHandler(d.Jobs)
	logHandler := handlers.NewLogHandler(d.Logs)
	oauthHandler := handlers.NewOAuthHandler(d.OAuth, d.Jobs, d.Config.OAuth.SuccessURL, d.Config.OAuth.ErrorURL,
		logging.Component(d.Log, "oauth"))
	trackHandler := handlers.NewTrackHandler(d.Tracking, logging.Component(d.Log, "tracking"))

	// Health check endpoint (no auth required)
	router.GET("/health", handlers.Health(d.DB))

	// Public tracking endpoints embedded in sent mail
	track := router.Group("/track")
	{
		track.GET("/open/:id", trackHandler.Open)
		track.GET("/click/:token", trackHandler.Click)
	}

	api := router.Group("/api")

	// the provider redirects the browser here without our JWT
	api.GET("/oauth/:provider/callback", oauthHandler.Callback)

	// Operator routes (API key required)
	operator := api.Group("/jobs")
	operator.Use(middleware.APIKeyMiddleware(d.OperatorKeys))
	{
		operator.GET("", jobHandler.ListJobs)
		operator.GET("/stats", jobHandler.Stats)
		operator.GET("/:id", jobHandler.GetJob)
		operator.POST("/sync-all", jobHandler.EnqueueSyncAll)
	}

	// Protected routes (JWT required)
	protected := api.Group("")
	protected.Use(middleware.JWTMiddleware(d.JWT))
	{
		protected.GET("/oauth/:provider/auth", oauthHandler.GetAuthURL)

		accounts := protected.Group("/accounts")
		{
			accounts.GET("", accountHandler.ListAccounts)
			accounts.POST("", accountHandler.CreateAccount)
			accounts.DELETE("/:id", accountHandler.DeleteAccount)
			accounts.PUT("/:id/default", accountHandler.SetDefault)
			accounts.PUT("/:id/sync", accountHandler.SetSyncEnabled)
			accounts.POST("/:id/sync", accountHandler.TriggerSync)
		}

		messages := protected.Group("/messages")
		{
			messages.GET("", messageHandler.ListMessages)
			messages.POST("/send", messageHandler.SendMessage)
			messages.GET("/:id", messageHandler.GetMessage)
			messages.POST("/:id/link", messageHandler.LinkMessage)
			messages.GET("/:id/tracking", messageHandler.TrackingStats)
		}

		protected.GET("/logs", logHandler.QueryLogs)
	}

	return router
}
