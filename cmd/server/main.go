package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quizwars/teambattle-backend/internal/config"
	"github.com/quizwars/teambattle-backend/internal/httpapi"
	"github.com/quizwars/teambattle-backend/internal/hub"
	"github.com/quizwars/teambattle-backend/internal/notify"
	"github.com/quizwars/teambattle-backend/internal/roster"
	"github.com/quizwars/teambattle-backend/internal/session"
	"github.com/quizwars/teambattle-backend/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("opening store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	h := hub.New(ctx, store, &notify.LogNotifier{Log: log.Named("notify")}, clock, session.Config{
		InvitationTTL:    cfg.InvitationTTL,
		JoinRequestTTL:   cfg.JoinRequestTTL,
		CountdownSeconds: cfg.CountdownSeconds,
		SweepInterval:    cfg.SweepInterval,
	}, log)

	api := &httpapi.API{Hub: h, Store: store, Clock: clock, Log: log.Named("http")}
	handler := httpapi.SetupRoutes(api, ws.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		OriginPatterns:   cfg.AllowedOrigins,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		h.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func openStore(cfg config.Config, log *zap.Logger) (roster.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return roster.NewMemStore(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := roster.AutoMigrate(db); err != nil {
		return nil, err
	}
	return roster.NewGormStore(db), nil
}
