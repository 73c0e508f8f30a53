package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"sudooom.im.messenger/internal/api"
	"sudooom.im.messenger/internal/call"
	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/fanout"
	"sudooom.im.messenger/internal/handler"
	"sudooom.im.messenger/internal/health"
	"sudooom.im.messenger/internal/nats"
	"sudooom.im.messenger/internal/presence"
	imRedis "sudooom.im.messenger/internal/redis"
	"sudooom.im.messenger/internal/repository"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/internal/server"
	"sudooom.im.messenger/internal/service"
	"sudooom.im.messenger/internal/task"
	"sudooom.im.messenger/internal/workerpool"
	"sudooom.im.messenger/pkg/jwt"
	"sudooom.im.messenger/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	printConfig := flag.Bool("print-config", false, "print effective config and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			log.Fatalf("Failed to dump config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	nodeID := strconv.FormatInt(cfg.App.NodeID, 10)
	logger = logger.With("nodeId", nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储
	var store repository.Store
	var pinger health.Pinger
	switch cfg.Database.Driver {
	case "memory":
		mem := repository.NewMemoryStore()
		store, pinger = mem, mem
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := connectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := repository.NewPostgresStore(db)
		if cfg.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("Failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		store, pinger = pg, pg
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "db", cfg.Database.Name)
	}

	// Redis：集群位置与未读计数，未启用时退化为本节点内存实现。
	// 位置 TTL 等于心跳超时，过期未注销的由 presence 清扫补发下线
	locationTTL := cfg.Heartbeat.Timeout()
	var redisClient *redis.Client
	var locations presence.Locations = presence.NewLocalLocations(locationTTL)
	var unread service.UnreadCounter = service.NewMemoryUnread()
	if cfg.Redis.Enabled {
		redisClient, err = imRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		locations = presence.NewRedisLocations(redisClient, locationTTL)
		unread = service.NewRedisUnread(redisClient)
		logger.Info("Connected to Redis", "addr", cfg.Redis.GetAddr())
	}

	// NATS：多节点推送，URL 为空时单节点运行
	var natsClient *nats.Client
	var natsConn *natsgo.Conn
	subjects := nats.NewSubjects(cfg.NATS.SubjectPrefix)
	if cfg.NATS.URL != "" {
		natsClient, err = nats.NewClient(cfg.NATS, cfg.App.Name+"-"+nodeID, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		natsConn = natsClient.Conn()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	sfNode, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	jwtService := jwt.NewService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire)

	pool := workerpool.New(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, logger)
	defer pool.Shutdown()

	scheduler := task.NewScheduler(task.NewTimeWheel(task.DefaultSlotCount, task.DefaultInterval), pool, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	limits := service.Limits{
		PinnedLimit:     cfg.Conversation.PinnedLimit,
		MaxTextLength:   cfg.Conversation.MaxTextLength,
		MaxMedia:        cfg.Conversation.MaxMedia,
		DefaultPageSize: cfg.Conversation.DefaultPageSize,
		MaxPageSize:     cfg.Conversation.MaxPageSize,
		OpTimeout:       cfg.Database.QueryTimeout,
	}

	conns := connection.NewManager(cfg.Connection.MaxConnections)
	conversations := service.NewConversationService(store, sfNode, limits, logger)
	rooms := room.NewManager(conversations, conns)

	var publisher *nats.Publisher
	var hub *fanout.Hub
	if natsClient != nil {
		publisher = nats.NewPublisher(natsClient, subjects, logger)
		hub = fanout.NewHub(conns, rooms, publisher, nodeID, component(logger, "fanout"))
	} else {
		hub = fanout.NewHub(conns, rooms, nil, nodeID, component(logger, "fanout"))
	}

	presenceService := presence.NewService(conns, locations, store, hub, pool, presence.Options{
		NodeID:        nodeID,
		OpTimeout:     cfg.Database.QueryTimeout,
		SweepInterval: cfg.Heartbeat.Interval,
	}, component(logger, "presence"))
	messages := service.NewMessageService(store, conversations, hub, unread, pool, sfNode, limits, component(logger, "message"))

	callOpts := call.Options{NodeID: nodeID, RingTimeout: cfg.Call.RingTimeout}
	var calls *call.Manager
	if publisher != nil {
		calls = call.NewManager(conversations, presenceService, hub, publisher, scheduler, callOpts, component(logger, "call"))
	} else {
		calls = call.NewManager(conversations, presenceService, hub, nil, scheduler, callOpts, component(logger, "call"))
	}

	socketHandler := handler.NewHandler(rooms, presenceService, messages, calls, hub, component(logger, "handler"))
	srv := server.New(cfg, nodeID, jwtService, conns, rooms, presenceService, calls, socketHandler, component(logger, "server"))
	srv.SetContext(ctx)

	var subscriber *nats.Subscriber
	if natsConn != nil {
		subscriber = nats.NewSubscriber(natsConn, server.NewClusterHandler(hub, calls), subjects, nodeID,
			nats.SubscriberConfig{WorkerCount: cfg.NATS.Workers}, component(logger, "nats"))
		if err := subscriber.Start(ctx); err != nil {
			logger.Error("Failed to subscribe NATS subjects", "error", err)
			os.Exit(1)
		}
	}

	router := api.SetupRouter(cfg, jwtService, api.Handlers{
		Conversations: api.NewConversationHandler(conversations),
		Messages:      api.NewMessageHandler(messages),
		Presence:      api.NewPresenceHandler(presenceService),
		Health:        health.NewChecker(nodeID, pinger, natsConn, redisClient, conns, calls),
		WebSocket:     srv.ServeWebSocket,
	}, component(logger, "http"))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server started", "addr", cfg.HTTP.Addr, "mode", cfg.HTTP.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.WebTransport.Enabled {
		g.Go(func() error {
			if err := srv.StartWebTransport(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		srv.RunHeartbeat(gctx)
		return nil
	})

	g.Go(func() error {
		presenceService.RunSweeper(gctx)
		return nil
	})

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", "error", err)
		}
		srv.Shutdown()
		if subscriber != nil {
			subscriber.Stop()
		}
		return nil
	})

	logger.Info("Messenger started",
		"database", cfg.Database.Driver,
		"redis", cfg.Redis.Enabled,
		"cluster", natsConn != nil,
		"webtransport", cfg.WebTransport.Enabled)

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(connectCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
