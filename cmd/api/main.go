package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/audit"
	"github.com/reflectionguide/reflect/internal/auth"
	"github.com/reflectionguide/reflect/internal/billing"
	"github.com/reflectionguide/reflect/internal/config"
	"github.com/reflectionguide/reflect/internal/database"
	"github.com/reflectionguide/reflect/internal/fhir"
	mw "github.com/reflectionguide/reflect/internal/middleware"
	inats "github.com/reflectionguide/reflect/internal/nats"
	iredis "github.com/reflectionguide/reflect/internal/redis"
	"github.com/reflectionguide/reflect/internal/server"
	"github.com/reflectionguide/reflect/internal/threads"
	"github.com/reflectionguide/reflect/internal/usage"
	"github.com/reflectionguide/reflect/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS is optional; without it audit events only reach the log.
	var (
		natsClient  *inats.Client
		publisher   *inats.Publisher
		consumerMgr *inats.ConsumerManager
	)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("NATS unavailable, continuing without events", "error", err)
		} else {
			defer natsClient.Close()
			publisher = inats.NewPublisher(natsClient.JetStream())
			consumerMgr = inats.NewConsumerManager(natsClient.JetStream())
		}
	}

	// Audit
	auditRepo := audit.NewRepository(pool)
	var recorder audit.Recorder
	if publisher != nil {
		recorder = audit.NewRecorder(publisher)
		auditConsumer := audit.NewConsumer(auditRepo, consumerMgr)
		go func() {
			if err := auditConsumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	} else {
		recorder = audit.NewRecorder(nil)
	}
	auditHandler := audit.NewHandler(auditRepo)

	// Medplum
	fhirClient := fhir.New(cfg.Medplum)

	// Auth
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	userSvc := users.NewService(users.NewRepository(pool), fhirClient, recorder)
	authSvc := auth.NewService(jwtManager, redisClient, userSvc)
	authHandler := auth.NewHandler(authSvc, userSvc)

	// Billing
	revenueCatHTTP := &http.Client{Timeout: 15 * time.Second}
	billingSvc := billing.NewService(cfg.RevenueCat, func(apiKey string) billing.API {
		return billing.NewRevenueCat(cfg.RevenueCat.BaseURL, apiKey, revenueCatHTTP)
	}, recorder)
	go func() {
		if err := billingSvc.Configure(ctx, cfg.RevenueCat.APIKey); err != nil {
			slog.Error("billing not configured", "error", err)
		}
	}()
	billingHandler := billing.NewHandler(billingSvc, cfg.RevenueCat.WebhookSecret)

	// Voice gate
	voiceLoc, err := time.LoadLocation(cfg.Voice.Timezone)
	if err != nil {
		slog.Error("loading voice timezone", "error", err)
		os.Exit(1)
	}
	var gate *usage.Gate
	store := usage.NewFHIRStore(fhirClient, voiceLoc)
	if publisher != nil {
		gate, err = usage.NewGate(store, billingSvc, cfg.Voice, cfg.App.IsDevelopment(), recorder, publisher)
	} else {
		gate, err = usage.NewGate(store, billingSvc, cfg.Voice, cfg.App.IsDevelopment(), recorder, nil)
	}
	if err != nil {
		slog.Error("creating voice gate", "error", err)
		os.Exit(1)
	}
	voiceRecorder := usage.NewRecorder(gate, usage.NewAttemptStore(redisClient, cfg.Voice.AttemptTTL), recorder)
	usageHandler := usage.NewHandler(gate, voiceRecorder)

	// Threads and live updates
	hub := threads.NewHub()
	threadSvc := threads.NewService(fhirClient, voiceRecorder, recorder)
	threadHandler := threads.NewHandler(threadSvc, hub, cfg.CORS.AllowedOrigins)
	live := threads.NewLive(hub, fhir.NewSubscriber(fhirClient))

	billingSvc.AddCustomerInfoListener(func(profileID string, info *billing.CustomerInfo) {
		_ = hub.SendToProfile(profileID, threads.Event{Type: threads.EventCustomer, Data: info})
	})
	go func() {
		if err := live.Run(ctx); err != nil {
			slog.Error("live thread updates stopped", "error", err)
		}
	}()
	if consumerMgr != nil {
		go func() {
			if err := live.RelayVoiceUsage(ctx, consumerMgr); err != nil {
				slog.Error("voice usage relay stopped", "error", err)
			}
		}()
	}

	authLimiter := mw.NewRateLimiter(redisClient, "auth", cfg.RateLimit.AuthMaxRequests, cfg.RateLimit.AuthWindowSec)
	messageLimiter := mw.NewRateLimiter(redisClient, "messages", cfg.RateLimit.MessageMaxRequests, cfg.RateLimit.MessageWindowSec).
		ByKey(func(r *http.Request) string {
			if claims := auth.GetUserClaims(r.Context()); claims != nil {
				return claims.UserID
			}
			return ""
		})

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    authLimiter.Middleware,
		MessageRateLimiter: messageLimiter.Middleware,
		HealthChecks: []api.HealthCheck{
			{Name: "database", Check: func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }},
			{Name: "redis", Check: func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) }},
			natsHealth(natsClient),
			{Name: "billing", Optional: true, Check: func(context.Context) error {
				if billingSvc.State() != billing.StateReady {
					return errors.New(billingSvc.State().String())
				}
				return nil
			}},
		},
	}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,
		Me:       authHandler.Me,

		VoicePermission: usageHandler.Permission,
		VoiceUsage:      usageHandler.Usage,
		BeginAttempt:    usageHandler.BeginAttempt,
		StartRecording:  usageHandler.StartRecording,
		CompleteAttempt: usageHandler.CompleteAttempt,
		CancelAttempt:   usageHandler.CancelAttempt,
		ChooseAttempt:   usageHandler.Choose,

		Offerings:      billingHandler.Offerings,
		Customer:       billingHandler.Customer,
		Purchase:       billingHandler.Purchase,
		Restore:        billingHandler.Restore,
		BillingWebhook: billingHandler.Webhook,

		ListThreads:  threadHandler.ListThreads,
		CreateThread: threadHandler.CreateThread,
		ListMessages: threadHandler.ListMessages,
		SendMessage:  threadHandler.SendMessage,
		MarkRead:     threadHandler.MarkRead,
		Live:         threadHandler.Live,

		ListAuditLogs: auditHandler.List,

		AuthMiddleware: auth.Middleware(authSvc),
	})

	srv := server.New(cfg.Server, router)
	srv.OnShutdown(hub.CloseAll)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func natsHealth(c *inats.Client) api.HealthCheck {
	h := api.HealthCheck{Name: "nats", Optional: true}
	if c != nil {
		h.Check = func(context.Context) error {
			if !c.Healthy() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	return h
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
