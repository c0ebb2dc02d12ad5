package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/appointment-pipeline/internal/appointment"
	"github.com/medibook/appointment-pipeline/internal/bus"
	"github.com/medibook/appointment-pipeline/internal/config"
	"github.com/medibook/appointment-pipeline/internal/db"
	redisclient "github.com/medibook/appointment-pipeline/internal/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("process-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	country := appointment.CountryISO(cfg.WorkerCountry)
	if !country.Valid() {
		log.Fatalf("WORKER_COUNTRY must be one of PE, CL, got %q", cfg.WorkerCountry)
	}

	log.Printf("running in env=%s country=%s", cfg.Env, country)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := cfg.PostgresDSNFor(string(country))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, dsn)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Printf("connected to Postgres (%s)", country)

	if err := db.EnsureSchema(rootCtx, pgPool); err != nil {
		log.Fatalf("schema error: %v", err)
	}

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

	stores := appointment.NewFactory(rdb, map[appointment.CountryISO]*pgxpool.Pool{
		country: pgPool,
	})
	pipeline := bus.NewRedisBus(rdb, cfg.FanoutChannelPrefix, cfg.ConfirmChannel)
	svc := appointment.NewService(stores, pipeline, pipeline)

	err = pipeline.SubscribeCreated(rootCtx, country, func(ctx context.Context, msg appointment.FanoutMessage) error {
		log.Printf("processing appointment %s for %s", msg.AppointmentID, country)
		if err := svc.Process(ctx, msg, country); err != nil {
			return err
		}
		log.Printf("appointment %s processed", msg.AppointmentID)
		return nil
	})
	if err != nil {
		log.Fatalf("subscription error: %v", err)
	}

	log.Println("process-worker stopped")
}
