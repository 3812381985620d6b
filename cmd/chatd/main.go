package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	appoutbox "marketchat/internal/app/outbox"
	"marketchat/internal/app/messaging"
	"marketchat/internal/app/rooms"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/config"
	mongodb "marketchat/internal/infra/db/mongo"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/inbox"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/outbox"
	"marketchat/internal/infra/relay"
	"marketchat/internal/infra/rpc"
	"marketchat/internal/infra/storage/memory"
	"marketchat/internal/infra/storage/scylla"
	"marketchat/internal/infra/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotenv(); err != nil {
		obs.NewLogger("dev").Warn("dotenv ignored", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env).With("instance", cfg.InstanceID)

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err, "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer app.close(logger)

	if err := app.run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("marketchat stopped")
}

type application struct {
	store   chat.Store
	service *messaging.Service
	router  *rooms.Router

	queue    outbox.Queue
	box      appoutbox.Outbox
	inbox    relay.Inbox
	closers  []func(context.Context) error
	producer *kafka.Producer
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{router: rooms.NewRouter(logger)}
	if err := app.openStore(ctx, cfg, logger); err != nil {
		app.close(logger)
		return nil, err
	}

	app.service = &messaging.Service{
		Store:  app.store,
		Rooms:  app.router,
		Logger: logger,
	}
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "marketchat-"+cfg.InstanceID)
		if err != nil {
			app.close(logger)
			return nil, err
		}
		app.producer = producer
		app.closers = append(app.closers, func(context.Context) error { return producer.Close() })
		app.service.Outbox = app.box
		app.service.Encoder = appoutbox.JSONEventEncoder{Origin: cfg.InstanceID, IDGenerator: uuid.NewString}
	}
	return app, nil
}

// openStore picks the chat backend. Outbox and inbox follow it: mongo keeps
// them in collections, the other backends keep them in memory.
func (a *application) openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		store, err := mongodb.NewChatStore(ctx, client.DB)
		if err != nil {
			return err
		}
		a.store = store
		box := outbox.NewStore(client.DB)
		a.queue, a.box = box, box
		a.inbox = inbox.NewStore(client.DB, cfg.KafkaGroupID)
		logger.Info("mongo store ready", "db", cfg.MongoDB)
		return nil
	case config.BackendScylla:
		session, err := scylla.NewSession(cfg, logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { session.Close(); return nil })
		a.store = scylla.NewStore(session, logger)
		logger.Info("scylla store ready", "keyspace", cfg.ScyllaKeyspace)
	default:
		a.store = memory.NewStore()
		logger.Info("memory store ready")
	}
	box := memory.NewOutbox()
	a.queue, a.box = box, box
	a.inbox = memory.NewInbox()
	return nil
}

func (a *application) run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	gateway := &ws.Gateway{
		Service:      a.service,
		Router:       a.router,
		Logger:       logger,
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
		OpTimeout:    cfg.OpTimeout,
	}
	httpServer := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready:   a.store.Ping,
		Timeout: 2 * time.Second,
	}, ginserver.Handlers{
		Chat:      ginserver.ChatHandler{Service: a.service, Logger: logger},
		WebSocket: gateway,
	})

	grpcServer := grpc.NewServer()
	health := rpc.Register(grpcServer, &rpc.Server{Service: a.service, Logger: logger})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 4)
	if a.producer != nil {
		a.startKafka(ctx, cfg, logger, errCh)
	}

	go func() {
		logger.Info("grpc server starting", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("shutting down")
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()
	return runErr
}

// startKafka runs the outbox publisher and the relay that fans events from
// other instances into local rooms.
func (a *application) startKafka(ctx context.Context, cfg config.Config, logger *slog.Logger, errCh chan<- error) {
	topic := outbox.TopicFor(cfg.KafkaTopicPrefix, chat.EventMessageSent)
	worker := &outbox.Worker{
		Store:       a.queue,
		Producer:    a.producer,
		Logger:      logger,
		Interval:    cfg.OutboxPollInterval,
		TopicPrefix: cfg.KafkaTopicPrefix,
		ID:          cfg.InstanceID,
		Backoff:     cfg.RetryBackoff,
	}
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox worker stopped", "error", err)
		}
	}()

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, relay.Handler{
		Origin:  cfg.InstanceID,
		Inbox:   a.inbox,
		Deliver: a.service,
		Logger:  logger,
	}, logger)
	if err != nil {
		errCh <- err
		return
	}
	a.closers = append(a.closers, func(context.Context) error { return consumer.Close() })
	go func() {
		logger.Info("relay consumer starting", "topic", topic, "group", cfg.KafkaGroupID)
		if err := consumer.Run(ctx, []string{topic}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay consumer stopped", "error", err)
		}
	}()
}

func (a *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}
