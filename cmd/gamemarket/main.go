package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/gamemarket/internal/auth"
	"github.com/iurnickita/gamemarket/internal/config"
	"github.com/iurnickita/gamemarket/internal/events"
	"github.com/iurnickita/gamemarket/internal/handler"
	"github.com/iurnickita/gamemarket/internal/lock"
	"github.com/iurnickita/gamemarket/internal/logger"
	"github.com/iurnickita/gamemarket/internal/service"
	"github.com/iurnickita/gamemarket/internal/store"
	"github.com/iurnickita/gamemarket/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Service.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := events.NewPublisher(cfg.Service.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	locker, err := lock.NewLocker(ctx, cfg.Service.Lock)
	if err != nil {
		return err
	}
	defer locker.Close()

	service, err := service.NewService(cfg.Service, store, publisher, locker, zaplog)
	if err != nil {
		return err
	}
	auth := auth.NewAuth(cfg.Handler.TokenSecret)

	zaplog.Info("gamemarket started",
		zap.Bool("postgres", cfg.Store.DBDsn != ""),
		zap.Bool("rabbitmq", cfg.Service.Events.AMQPURL != ""),
		zap.Bool("redis", cfg.Service.Lock.RedisAddr != ""),
		zap.Bool("tracing", cfg.Service.Tracing.Endpoint != ""))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
	})
	return g.Wait()
}
