package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"studysync/internal/activity"
	"studysync/internal/cache"
	"studysync/internal/config"
	"studysync/internal/repository"
	"studysync/internal/service"
	"studysync/internal/transport/ws"
)

const connectTimeout = 5 * time.Second

// storage holds the external clients. redis is nil with the memory backend.
type storage struct {
	mongo *mongo.Client
	db    *mongo.Database
	redis *redis.Client
}

func connectStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	logger.Info("connected to MongoDB", zap.String("database", cfg.MongoDatabase))

	s := &storage{mongo: mongoClient, db: mongoClient.Database(cfg.MongoDatabase)}
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn("using in-memory session store; sessions do not survive a restart")
		return s, nil
	}

	s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := s.redis.Ping(pingCtx).Result(); err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("ping Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	return s, nil
}

func (s *storage) close(ctx context.Context) {
	if s.redis != nil {
		s.redis.Close()
	}
	s.mongo.Disconnect(ctx)
}

// app is the wired server
type app struct {
	store     cache.SessionStore
	history   repository.SessionHistoryRepo
	auth      *service.AuthService
	relay     *service.DocumentRelay
	lifecycle *service.Lifecycle
	sessions  *service.SessionService
	rooms     *service.RoomService
	hub       *ws.Hub
	wsHandler *ws.Handler
}

func wireApp(cfg *config.Config, s *storage, logger *zap.Logger) *app {
	var (
		store     cache.SessionStore
		roomCache cache.RoomCache
	)
	if s.redis != nil {
		store = cache.NewRedisSessionStore(s.redis, cfg.SessionTTL, time.Now)
		roomCache = cache.NewRoomCache(s.redis)
	} else {
		store = cache.NewMemorySessionStore(cfg.SessionTTL, time.Now)
	}

	roomRepo := repository.NewRoomRepo(s.db)
	snapshotRepo := repository.NewSnapshotRepo(s.db)
	historyRepo := repository.NewSessionHistoryRepo(s.db)
	registry := activity.DefaultRegistry()

	hub := ws.NewHub(logger.Named("hub"))
	authSvc := service.NewAuthService(cfg.JWTSecret, 0)
	router := service.NewMoveRouter(store, roomRepo, registry, cfg.RulesTimeout, logger.Named("moves"))
	relay := service.NewDocumentRelay(snapshotRepo, cfg.PersistTimeout, logger.Named("documents"))
	lifecycle := service.NewLifecycle(store, roomCache, historyRepo, relay, service.LifecycleConfig{
		GracePeriod:     cfg.GracePeriod,
		SweepInterval:   cfg.SweepInterval,
		PersistInterval: cfg.PersistInterval,
		PersistTimeout:  cfg.PersistTimeout,
	}, logger.Named("lifecycle"))
	sessions := service.NewSessionService(store, router, lifecycle, logger.Named("sessions"))
	roomSvc := service.NewRoomService(roomRepo, roomCache, registry, logger.Named("rooms"))

	// Inject broadcaster (hub implements service.Broadcaster)
	router.SetBroadcaster(hub)
	relay.SetBroadcaster(hub)
	lifecycle.SetBroadcaster(hub)

	return &app{
		store:     store,
		history:   historyRepo,
		auth:      authSvc,
		relay:     relay,
		lifecycle: lifecycle,
		sessions:  sessions,
		rooms:     roomSvc,
		hub:       hub,
		wsHandler: ws.NewHandler(hub, authSvc, sessions, lifecycle, relay, cfg.RequestTimeout, logger.Named("ws")),
	}
}
