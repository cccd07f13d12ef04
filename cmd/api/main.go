package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/api"
	"github.com/sanosuguru/go-event-seat-lock/internal/api/handler"
	"github.com/sanosuguru/go-event-seat-lock/internal/api/middleware"
	"github.com/sanosuguru/go-event-seat-lock/internal/application"
	"github.com/sanosuguru/go-event-seat-lock/internal/config"
	"github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/postgres"
	"github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/rabbitmq"
	redisinfra "github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/redis"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
	"github.com/sanosuguru/go-event-seat-lock/internal/realtime"
	"github.com/sanosuguru/go-event-seat-lock/internal/seatlock"
	"github.com/sanosuguru/go-event-seat-lock/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.App.Env)
	defer logger.Sync()
	m := metrics.Init()

	// PostgreSQL
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("DB接続エラー", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.RunMigrations(db.DB, cfg.App.MigrationsPath); err != nil {
		logger.Fatal("マイグレーションエラー", zap.Error(err))
	}

	// Redis（確定ロックとキャッシュ用。落ちていても行ロックで正しさは保たれる）
	redisClient := redisinfra.NewClient(&cfg.Redis)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisinfra.Ping(pingCtx, redisClient); err != nil {
		logger.Warn("Redisに接続できません。確定ロックとキャッシュは縮退動作します", zap.Error(err))
	}
	cancelPing()

	// RabbitMQ
	var publisher application.BookingPublisher = rabbitmq.NopPublisher{}
	if cfg.Broker.Enabled {
		p := rabbitmq.NewPublisher(cfg.Broker.URL, cfg.Broker.Queue)
		defer p.Close()
		publisher = p
	}

	// 仮押さえストアとリアルタイムチャネル
	eventRepo := postgres.NewEventRepository(db)
	eventService := application.NewEventService(eventRepo)

	store := seatlock.NewStore(cfg.SeatLock.TTL, seatlock.WithMetrics(m))
	hub := realtime.NewHub(store, cfg.Realtime,
		realtime.WithEventLookup(eventService),
		realtime.WithHubMetrics(m),
	)
	store.SetNotifier(hub)

	// 予約台帳
	bookingService := application.NewBookingService(
		postgres.NewTxManager(db),
		postgres.NewBookingRepository(db),
		eventRepo,
		application.WithCommitLock(redisinfra.NewLockManager(redisClient, redisinfra.WithLockMetrics(m)), cfg.SeatLock.CommitLockTTL),
		application.WithBookedSeatCache(redisinfra.NewBookedSeatCache(redisClient), cfg.SeatLock.BookedCacheTTL),
		application.WithPublisher(publisher),
		application.WithSeatReleaser(store),
		application.WithBookingMetrics(m),
	)

	e := api.NewServer(m)
	handler.Routes{
		Events:   handler.NewEventHandler(eventService),
		Bookings: handler.NewBookingHandler(bookingService),
		Seats:    handler.NewSeatHandler(eventService, bookingService, store),
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": db.PingContext,
			"redis":    func(ctx context.Context) error { return redisinfra.Ping(ctx, redisClient) },
		}),
	}.Register(e)
	e.GET("/ws", hub.HandleWS)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.MetricsBasicAuth(cfg.Metrics))

	// 期限切れの仮押さえを掃除する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sweeper := worker.NewStaleLockSweeper(store, cfg.SeatLock.SweepInterval)
	go sweeper.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("サーバー起動", zap.String("addr", server.Addr), zap.String("env", cfg.App.Env))
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("サーバー起動エラー", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("サーバーをシャットダウンしています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 新しい接続を止めてから WebSocket を閉じる
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
	}
	hub.Close()
	sweeper.Stop()

	logger.Info("サーバーが正常にシャットダウンしました")
}
