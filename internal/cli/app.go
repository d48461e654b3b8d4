package cli

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/luo-one/mailsync/internal/api"
	"github.com/luo-one/mailsync/internal/api/middleware"
	"github.com/luo-one/mailsync/internal/config"
	"github.com/luo-one/mailsync/internal/database"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/luo-one/mailsync/internal/logging"
	"github.com/luo-one/mailsync/internal/provider"
	"github.com/luo-one/mailsync/internal/services"
	"github.com/luo-one/mailsync/internal/tracking"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds the wired process: one instance per command invocation
type App struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *gorm.DB

	Registry *provider.Registry
	Accounts *services.AccountService
	Logs     *services.LogService
	Sync     *services.SyncService
	Outbound *services.OutboundService
	Linker   *services.EntityLinker
	Messages *services.MessageService
	Tracking *services.TrackingService
	OAuth    *services.OAuthService

	Jobs      *jobs.Store
	Scheduler *jobs.Scheduler

	JWT          *middleware.JWTManager
	OperatorKeys *middleware.APIKeyManager
}

// NewApp opens the database and builds every component from cfg
func NewApp(cfg *config.Config) (*App, error) {
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if cfg.Security.JWTSecret == config.DefaultJWTSecret {
		log.Warn("Using the default JWT secret; set security.jwt_secret in production")
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{Config: cfg, Log: log, DB: db}

	enc := services.NewAESEncryptor(cfg.GetEncryptionKey())
	a.Logs = services.NewLogService(db, logging.Component(log, "activity"))
	a.Logs.SetLogLevel(cfg.Log.Level)
	a.Accounts = services.NewAccountService(db, enc, a.Logs)

	tokens := provider.NewTokenManager(a.Accounts, logging.Component(log, "tokens"))
	a.Registry = provider.NewRegistry(
		provider.NewGmailAdapter(provider.GmailConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		}, tokens, logging.Component(log, "gmail")),
		provider.NewOutlookAdapter(provider.OutlookConfig{
			ClientID:     cfg.OAuth.Microsoft.ClientID,
			ClientSecret: cfg.OAuth.Microsoft.ClientSecret,
			RedirectURL:  cfg.OAuth.Microsoft.RedirectURL,
			Tenant:       cfg.OAuth.Microsoft.Tenant,
		}, tokens, logging.Component(log, "outlook")),
		provider.NewIMAPAdapter(enc, provider.IMAPConfig{
			Timeout: cfg.Sync.IMAPTimeout,
		}, logging.Component(log, "imap")),
	)

	resolver := services.NewThreadResolver()
	a.Linker = services.NewEntityLinker(db, services.NewLogNotifier(logging.Component(log, "notify")))
	a.Sync = services.NewSyncService(db, a.Accounts, a.Registry, resolver, a.Linker, a.Logs, services.SyncOptions{
		BatchSize:   cfg.Sync.BatchSize,
		InitialDays: cfg.Sync.InitialDays,
	}, logging.Component(log, "sync"))

	signer := tracking.NewSigner(cfg.GetLinkKey())
	var injector *tracking.Injector
	if cfg.Tracking.Enabled {
		injector = tracking.NewInjector(cfg.Server.PublicURL, signer)
	}
	a.Outbound = services.NewOutboundService(db, a.Accounts, a.Registry, injector, resolver, a.Linker, a.Logs,
		logging.Component(log, "send"))
	a.Messages = services.NewMessageService(db)
	a.Tracking = services.NewTrackingService(db, signer, cfg.Tracking.FallbackURL, logging.Component(log, "tracking"))
	a.OAuth = services.NewOAuthService(a.Registry, a.Accounts,
		services.NewOAuthStateCodec(cfg.Security.JWTSecret, cfg.OAuth.StateTTL), a.Logs)

	a.Jobs = jobs.NewStore(db, cfg.Jobs.MaxAttempts)
	a.Jobs.SetLease(cfg.Jobs.Lease)
	a.Scheduler = jobs.NewScheduler(a.Jobs, a.Sync, a.Accounts, jobs.Options{
		Workers:         cfg.Jobs.Workers,
		PollInterval:    cfg.Jobs.PollInterval,
		BackoffBase:     cfg.Jobs.BackoffBase,
		BackoffMax:      cfg.Jobs.BackoffMax,
		SyncInterval:    cfg.Sync.Interval,
		RetainCompleted: cfg.Jobs.RetainCompleted,
		RetainFailed:    cfg.Jobs.RetainFailed,
	}, logging.Component(log, "jobs"))

	a.JWT = middleware.NewJWTManager(cfg.Security.JWTSecret, middleware.DefaultTokenExpiry)
	a.OperatorKeys, err = middleware.NewAPIKeyManager(cfg.DataDir)
	if err != nil {
		database.Close(db)
		return nil, fmt.Errorf("load operator key: %w", err)
	}
	return a, nil
}

// Router builds the HTTP surface
func (a *App) Router() *gin.Engine {
	if !a.Log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.SetupRouter(api.Deps{
		DB:           a.DB,
		Config:       a.Config,
		Log:          a.Log,
		JWT:          a.JWT,
		OperatorKeys: a.OperatorKeys,
		Accounts:     a.Accounts,
		Messages:     a.Messages,
		Outbound:     a.Outbound,
		Linker:       a.Linker,
		Tracking:     a.Tracking,
		OAuth:        a.OAuth,
		Logs:         a.Logs,
		Jobs:         a.Jobs,
	})
}

// Close releases the database
func (a *App) Close() error {
	return database.Close(a.DB)
}
