package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"squash/internal/blob"
	"squash/internal/compress"
	"squash/internal/config"
	server "squash/internal/http"
	"squash/internal/jobs"
	"squash/internal/logging"
	"squash/internal/migrate"
	"squash/internal/notify"
	"squash/internal/services"
	"squash/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	switch *role {
	case "api", "worker", "all":
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)
	if *role == "worker" && cfg.Worker.Backend != config.WorkerAsynq {
		log.Fatalf("role worker requires worker.backend=asynq")
	}

	logger := logging.New(cfg.Logging)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	// Basic pool settings; adjust as needed
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	st := store.New(db)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var blobs blob.Store
	switch cfg.Storage.Backend {
	case config.StorageMinio:
		blobs, err = blob.NewMinio(rootCtx, cfg.Storage)
	default:
		blobs, err = blob.NewLocal(cfg.Storage.UploadsDir, cfg.Storage.CompressedDir)
	}
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}

	var notifier services.Notifier = notify.Nop{}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			log.Fatalf("amqp init failed: %v", err)
		}
		defer pub.Close()
		notifier = pub
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// Pick how compression tasks leave the request path.
	var (
		pool    *jobs.Pool
		factory jobs.DispatcherFactory
	)
	switch cfg.Worker.Backend {
	case config.WorkerAsynq:
		d, err := jobs.NewAsynqDispatcher(cfg.Redis.URL, cfg.Worker.Queue)
		if err != nil {
			log.Fatalf("asynq dispatcher init failed: %v", err)
		}
		defer d.Close()
		factory = d.Factory()
	default:
		factory = jobs.PoolFactory(logger, &pool)
	}

	compression := services.NewCompressionService(services.CompressionDeps{
		Files:    st,
		Jobs:     st,
		Blobs:    blobs,
		Engine:   compress.NewEngine(),
		Notifier: notifier,
		Logger:   logger,
	}, factory)
	files := services.NewFileService(st, blobs, logger)

	var worker *jobs.AsynqWorker
	if cfg.Worker.Backend == config.WorkerAsynq && *role != "api" {
		worker, err = jobs.NewAsynqWorker(cfg.Redis.URL, cfg.Worker.Queue, cfg.Worker.Concurrency, compression.Process, logger)
		if err != nil {
			log.Fatalf("asynq worker init failed: %v", err)
		}
		if err := worker.Start(); err != nil {
			log.Fatalf("asynq worker start failed: %v", err)
		}
		logger.Info("compression worker started", "queue", cfg.Worker.Queue, "concurrency", cfg.Worker.Concurrency)
	}

	if *role == "worker" {
		// Worker-only: block until signalled.
		<-rootCtx.Done()
		worker.Shutdown()
		return
	}

	s := server.NewServer(cfg, server.Deps{
		Files:       files,
		Compression: compression,
		DB:          st,
		Redis:       rdb,
		Logger:      logger,
	})

	go func() {
		<-rootCtx.Done()
		logger.Info("shutting down")
		if err := s.Shutdown(); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("api listening", "host", cfg.Server.Host, "port", cfg.Server.Port, "storage", cfg.Storage.Backend, "worker", cfg.Worker.Backend)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}

	// Let in-flight compression finish before exiting.
	if pool != nil {
		pool.Wait()
	}
	if worker != nil {
		worker.Shutdown()
	}
}
