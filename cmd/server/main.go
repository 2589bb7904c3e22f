package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/eduquiz/duel-lobby-backend/internal/config"
	"github.com/eduquiz/duel-lobby-backend/internal/httpapi"
	"github.com/eduquiz/duel-lobby-backend/internal/lobby"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
	"github.com/eduquiz/duel-lobby-backend/internal/registry"
	"github.com/eduquiz/duel-lobby-backend/internal/session"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions session.Store
	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logger.Fatal("connect database", zap.Error(err))
		}
		if err := db.AutoMigrate(&session.Session{}); err != nil {
			logger.Fatal("migrate duel_sessions", zap.Error(err))
		}
		sessions = session.NewGormStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, duel sessions are kept in memory")
		sessions = session.NewMemoryStore()
	}

	store := presence.NewStore()
	router := lobby.NewRouter(ctx, store, cfg.MinShard, cfg.MaxShard, cfg.PresenceTTL, logger)
	boot := session.NewBootstrapper(sessions, logger)
	reg := registry.New(store, boot, router, registry.Config{
		TTL:       cfg.OfferTTL,
		Retention: cfg.OfferRetention,
	}, logger)

	sched, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("create scheduler", zap.Error(err))
	}
	if _, err := sched.NewJob(gocron.DurationJob(cfg.OfferSweepInterval), gocron.NewTask(reg.ExpireSweep)); err != nil {
		logger.Fatal("schedule offer sweep", zap.Error(err))
	}
	if _, err := sched.NewJob(gocron.DurationJob(cfg.PresenceSweepInterval), gocron.NewTask(router.SweepPresence)); err != nil {
		logger.Fatal("schedule presence sweep", zap.Error(err))
	}
	sched.Start()

	handler := httpapi.SetupRoutes(&httpapi.API{
		Router:   router,
		Registry: reg,
		Sessions: sessions,
		Log:      logger,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Shutdown()
	router.Shutdown()
}
