package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/medibook/appointment-pipeline/internal/appointment"
	"github.com/medibook/appointment-pipeline/internal/bus"
	"github.com/medibook/appointment-pipeline/internal/config"
	redisclient "github.com/medibook/appointment-pipeline/internal/redis"
)

// The reconciler closes the pipeline's known gap: a create whose publish
// failed leaves a permanently pending record. The sweep republishes recent
// stragglers and fails records nobody has processed within FailAfter,
// which also frees their slot.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("reconciler starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s interval=%s republish_after=%s fail_after=%s",
		cfg.Env, cfg.ReconcileInterval, cfg.RepublishAfter, cfg.FailAfter)

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

	runOnce(rootCtx, svc, cfg)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping reconciler")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, cfg config.Config) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := svc.SweepStalePending(runCtx, start.UTC(), cfg.RepublishAfter, cfg.FailAfter); err != nil {
		log.Printf("sweep error: %v", err)
		return
	}
	log.Printf("sweep complete in %s", time.Since(start))
}
