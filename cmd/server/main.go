package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"flash_order/internal/breaker"
	"flash_order/internal/catalog"
	"flash_order/internal/config"
	"flash_order/internal/metrics"
	"flash_order/internal/middleware"
	"flash_order/internal/model"
	"flash_order/internal/payment"
	"flash_order/internal/pipeline"
	"flash_order/internal/queue"
	"flash_order/internal/router"
	"flash_order/internal/stock"
	"flash_order/internal/throttle"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// 1. SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	if err := db.AutoMigrate(&model.Product{}, &model.Order{}, &model.OrderRequest{}, &model.PaymentAttempt{}); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
	}
	defer rdb.Close()

	sink := metrics.NewLogSink()

	// 3. 核心组件
	brk := breaker.New("payment", cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown, sink)
	policy := payment.NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryCeiling)
	gateway := payment.NewStubGateway()
	gateway.FailureRate = cfg.GatewayFailureRate
	gateway.TimeoutRate = cfg.GatewayTimeoutRate
	gateway.DeclineRate = cfg.GatewayDeclineRate
	gateway.Latency = cfg.GatewayLatency
	payClient := payment.NewClient(gateway, brk, policy, cfg.AttemptTimeout, sink)

	ledger := stock.NewLedger(rdb, sink)
	buyLimiter := throttle.NewLimiter(rdb, cfg.BuyRateLimit, cfg.BuyRateWindow, cfg.ThrottleRetryCap)
	ipLimiter := throttle.NewLimiter(rdb, cfg.BuyRateLimit*10, cfg.BuyRateWindow, cfg.ThrottleRetryCap)
	loader := catalog.NewLoader(db, rdb, cfg.ProductCacheTTL)

	// 4. 终结链路：进程内队列 + worker，兜底 outbox → relay → kafka → consumer
	memQueue := queue.NewMemory(cfg.FinalizeQueueSize)
	outbox := queue.NewOutbox(rdb, cfg.OrderEventStream)
	finalizer := queue.NewFinalizer(db, rdb, sink, cfg.RequestStateTTL)
	for i := 0; i < cfg.FinalizeWorkers; i++ {
		go queue.NewWorker(memQueue, finalizer, outbox, policy).Run(ctx)
	}

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)
	go relay.Run(ctx)
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, finalizer)
	go consumer.Run(ctx)

	p := pipeline.New(db, rdb, loader, buyLimiter, ledger, payClient, memQueue, outbox, sink,
		cfg.UserLockTTL, cfg.RequestStateTTL)

	// 5. HTTP
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog())
	router.Setup(r, db, p, ledger, loader, ipLimiter, brk, cfg)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
