package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/medibook/appointment-pipeline/internal/appointment"
	"github.com/medibook/appointment-pipeline/internal/bus"
	"github.com/medibook/appointment-pipeline/internal/config"
	redisclient "github.com/medibook/appointment-pipeline/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("confirm-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s", cfg.Env)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	stores := appointment.NewFactory(rdb, nil)
	pipeline := bus.NewRedisBus(rdb, cfg.FanoutChannelPrefix, cfg.ConfirmChannel)
	svc := appointment.NewService(stores, pipeline, pipeline)

	err = pipeline.SubscribeProcessed(rootCtx, func(ctx context.Context, ev appointment.ConfirmationEvent) error {
		log.Printf("confirming appointment %s status=%s", ev.AppointmentID, ev.Status)
		return svc.Confirm(ctx, ev)
	})
	if err != nil {
		log.Fatalf("subscription error: %v", err)
	}

	log.Println("confirm-worker stopped")
}
