package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"roulette-chat/internal/config"
	"roulette-chat/internal/conversation"
	"roulette-chat/internal/db"
	"roulette-chat/internal/delivery"
	"roulette-chat/internal/handlers"
	"roulette-chat/internal/keystore"
	"roulette-chat/internal/middleware"
	"roulette-chat/internal/observability"
	"roulette-chat/internal/rabbitmq"
	"roulette-chat/internal/realtime"
	"roulette-chat/internal/repositories"
	"roulette-chat/internal/storage"
	"roulette-chat/internal/telemetry"
	"roulette-chat/internal/ws"
)

const serviceName = "roulette-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	localDB, err := db.OpenLocal(cfg.LocalDBPath)
	if err != nil {
		log.Fatalf("failed to open local key db: %v", err)
	}
	defer localDB.Close()

	localKeys, err := keystore.NewSQLiteStorage(localDB)
	if err != nil {
		log.Fatalf("failed to prepare local key storage: %v", err)
	}

	messageRepo := repositories.NewMessageRepo(database)
	publicKeyRepo := repositories.NewPublicKeyRepo(database)
	profileRepo := repositories.NewProfileRepo(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment)

	deps := conversation.Deps{
		Messages:  messageRepo,
		Profiles:  profileRepo,
		Keys:      keystore.New(localKeys, publicKeyRepo, audit, cfg.PeerKeyRetryDelay),
		Feed:      newFeed(cfg),
		Publisher: publisher,
	}
	if cfg.StorageURL != "" {
		deps.Uploader = storage.NewHTTPUploader(cfg.StorageURL, cfg.StorageBucket, cfg.StorageToken)
	} else {
		log.Printf("image uploads disabled: empty storage url")
	}

	manager := conversation.NewManager(cfg.SelfUserID, deps, conversation.Options{
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval,
		PushDelay:    cfg.PushDelay,
		SettleDelay:  cfg.SettleDelay,
	})

	hub := ws.NewHub(publisher)
	conversationHandler := handlers.NewConversationHandler(manager, hub, audit)
	streamHandler := ws.NewStreamHandler(hub, manager, cfg.SelfUserID)

	router := gin.Default()

	// middlewares
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.AuthMiddleware(cfg.APIToken, cfg.SelfUserID))
	handlers.RegisterConversationRoutes(api, conversationHandler)
	handlers.RegisterDebugRoutes(api, audit, publisher, cfg.Environment != "production")
	api.GET("/ws/conversations/:peer_id", streamHandler.Handle)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("chat service listening port=%s self=%s realtime=%s", cfg.Port, cfg.SelfUserID, cfg.RealtimeDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown failed: %v", err)
	}
	manager.CloseAll()
	if err := publisher.Close(); err != nil {
		log.Printf("publisher close failed: %v", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown failed: %v", err)
	}
}

func newFeed(cfg *config.Config) delivery.Feed {
	switch cfg.RealtimeDriver {
	case config.RealtimePostgres:
		return realtime.NewPostgresFeed(cfg.DBDSN)
	case config.RealtimeAMQP:
		return realtime.NewAMQPFeed(cfg.AMQPURL, cfg.AMQPExchange)
	case config.RealtimeWebSocket:
		return realtime.NewWebSocketFeed(cfg.RealtimeWSURL, cfg.APIToken)
	default:
		log.Printf("realtime push disabled, polling only")
		return nil
	}
}
