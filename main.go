package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"property-chat/internal/auth"
	"property-chat/internal/config"
	"property-chat/internal/db"
	"property-chat/internal/handlers"
	"property-chat/internal/middleware"
	"property-chat/internal/observability"
	"property-chat/internal/rabbitmq"
	"property-chat/internal/relay"
	"property-chat/internal/store"
	"property-chat/internal/telemetry"
	"property-chat/internal/ws"
)

const serviceName = "property-chat"

func main() {
	cfg := config.Load()

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), cfg.OTLPEndpoint, serviceName, cfg.Environment)
	if err != nil {
		log.Printf("tracer init failed: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		}()
	}

	audit := telemetry.NewAuditEmitter(publisher, "audit_log.property_chat", serviceName, cfg.Environment)

	events := store.NewEventRepo(database)
	properties := store.NewPropertyRepo(database)

	chatRelay := relay.New(events)
	verifier := auth.NewManager(cfg.JWTSecret, 24*time.Hour)

	relayWS := ws.NewRelayHandler(chatRelay, properties, verifier)
	historyHandler := handlers.NewHistoryHandler(events, properties, audit)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/properties/:property_id/messages", authMiddleware, historyHandler.RecentMessages)
	router.GET("/ws/properties/:property_id", relayWS.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
