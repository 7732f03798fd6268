package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"market_core/internal/broker"
	"market_core/internal/config"
	"market_core/internal/httpapi"
	"market_core/internal/messaging"
	"market_core/internal/outbox"
	"market_core/internal/presence"
	"market_core/internal/push"
	"market_core/internal/realtime"
	"market_core/internal/repository"
	"market_core/internal/storage"
	"market_core/internal/ws"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	// 1. Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Database
	db, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		slog.Error("Failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// 3. RabbitMQ
	mqClient, err := broker.NewRabbitMQClient(cfg.AMQPURL)
	if err != nil {
		slog.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()

	// 4. Repositories
	var outboxRepo repository.OutboxRepository = repository.NewPostgresOutboxRepository(db)
	if cfg.OutboxMode == config.OutboxStream {
		if err := mqClient.EnableStreams(cfg.StreamURI, cfg.StreamName); err != nil {
			slog.Error("Failed to enable streams", "error", err)
			os.Exit(1)
		}
		streamRepo, err := repository.NewRabbitMQStreamOutboxRepository(mqClient, cfg.StreamName)
		if err != nil {
			slog.Error("Failed to create stream outbox", "error", err)
			os.Exit(1)
		}
		defer streamRepo.Close()
		outboxRepo = streamRepo
	}

	orderRepo := repository.NewOrderRepository(db, outboxRepo)
	chatRepo := repository.NewChatRepository(db, outboxRepo)
	negotiationRepo := repository.NewNegotiationRepository(db, outboxRepo)
	profileRepo := repository.NewProfileRepository(db)
	listingRepo := repository.NewListingRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	presenceRepo := presence.NewPostgresRepository(db)

	// 5. Outbox relay
	relay := outbox.NewRelay(mqClient, orderRepo, presenceRepo)
	if cfg.OutboxMode == config.OutboxStream {
		consumer := outbox.NewStreamConsumer(mqClient, relay, cfg.StreamName)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("Stream consumer stopped", "error", err)
			}
		}()
	} else {
		worker := outbox.NewWorker(outboxRepo, relay)
		go worker.Start(ctx, cfg.OutboxInterval)
	}

	// 6. Push worker: changes that reached offline users become notifications
	pushWorker := push.NewWorker(mqClient, notificationRepo)
	go pushWorker.Start(ctx)

	// 7. Messaging service and cache invalidation from the change feed
	service := messaging.NewService(orderRepo, chatRepo, negotiationRepo, profileRepo, messaging.Options{
		ConversationsTTL: cfg.ConversationsTTL,
		TimelineTTL:      cfg.TimelineTTL,
	})
	feed := realtime.NewBrokerFeed(mqClient)
	refresher := realtime.NewRefresher(service)

	allChanges, err := feed.SubscribeAll(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to order changes", "error", err)
		os.Exit(1)
	}
	go refresher.Run(ctx, allChanges, nil)

	// 8. WebSocket hub
	nodeID := uuid.New().String()
	hub := ws.NewHub(presenceRepo, mqClient, nodeID, ws.Options{
		Service:       service,
		Feed:          feed,
		Refresher:     refresher,
		TypingTimeout: cfg.TypingTimeout,
	})
	go hub.Run(ctx)

	// 9. HTTP
	objects, err := storage.NewFileStore(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		slog.Error("Failed to prepare upload storage", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	httpapi.NewAPI(service, feed, listingRepo, objects).Routes(mux)
	mux.HandleFunc("GET /ws", hub.ServeWS)
	// Objects are served from here unless PUBLIC_BASE_URL points at another host.
	if strings.HasPrefix(cfg.PublicBaseURL, "/") {
		prefix := strings.TrimSuffix(cfg.PublicBaseURL, "/")
		mux.Handle("GET "+prefix+"/", http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.UploadDir))))
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.LoggingMiddleware(httpapi.CORSMiddleware(mux)),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Server starting", "port", cfg.Port, "node_id", nodeID, "outbox_mode", cfg.OutboxMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to listen and serve", "error", err)
			os.Exit(1)
		}
	}()

	<-stop

	slog.Info("Shutting down server gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited gracefully.")
}
