package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"boardServer/backend/config"
	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/cache"
	"boardServer/backend/internal/events"
	"boardServer/backend/internal/httpapi/handlers"
	"boardServer/backend/internal/logging"
	"boardServer/backend/internal/metrics"
	"boardServer/backend/internal/store"
	"boardServer/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log.WithFields(log.Fields{"version": buildVersion, "commit": buildCommit}).Info("board server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("board server exited")
	}
	log.Info("board server stopped")
}

func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if dsn == "" {
		log.Warn("mysql dsn is empty, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	db, err := store.OpenMySQL(dsn)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	if err := st.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return st, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg.Mysql.DSN)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := ws.NewHub(m)
	opts := board.Options{
		Relayer: hub,
		Metrics: m,
		Sem:     board.NewSemaphoreControl(cfg.Ws.MaxConcurrentWrites),
	}
	wsOpts := ws.Options{
		SendBuffer:        cfg.Ws.SendBuffer,
		MessagesPerSecond: cfg.Ws.MessagesPerSecond,
		Burst:             cfg.Ws.Burst,
		AllowedOrigins:    cfg.Cors.AllowOrigins,
		Metrics:           m,
	}

	g, ctx := errgroup.WithContext(ctx)

	// === Redis：跨实例推送 + move 去重 + 权限缓存 ===
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()

		instanceID := cfg.Running.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		st = cache.NewCachedStore(st, rdb)
		fanout := cache.NewFanout(rdb, instanceID)
		hub.SetPublisher(fanout)
		wsOpts.Dedup = cache.NewIntentDeduper(rdb)
		g.Go(func() error { return fanout.Run(ctx, hub.RelayLocal) })
		log.WithField("instance", instanceID).Info("redis fan-out enabled")
	}

	// === Kafka 活动流 ===
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, events.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
			Metrics:     m,
		})
		// 先于 producer.Close 执行，把队列里剩下的发完
		defer dispatcher.Close()
		opts.Sink = dispatcher
	}

	svc := board.NewService(st, opts)
	signer := authservice.NewSigner(cfg.Auth.Secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	verifier := authservice.NewVerifier(signer, st)
	manager := ws.NewManager(hub, verifier, svc, wsOpts)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	corsCfg := cors.Config{
		AllowOrigins:  cfg.Cors.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.ConnectionHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		// 未配置来源时放开（本地调试）
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := st.Ping(pctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"message": "store unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":     "ok",
			"version":     buildVersion,
			"connections": hub.Connections(),
			"rooms":       hub.Rooms(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/board/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1")
	authHandler := authservice.NewHandler(st, signer)
	v1.POST("/auth/register", authHandler.Register)
	v1.POST("/auth/login", authHandler.Login)
	v1.POST("/auth/refresh", authHandler.Refresh)

	api := v1.Group("")
	api.Use(authservice.AuthMiddleware(verifier))
	handlers.NewBoards(svc).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
