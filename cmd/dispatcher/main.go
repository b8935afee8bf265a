package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/lybfish/ironbull-sub001/internal/config"
	"github.com/lybfish/ironbull-sub001/internal/dispatch"
	"github.com/lybfish/ironbull-sub001/internal/metrics"
	"github.com/lybfish/ironbull-sub001/internal/pending"
	"github.com/lybfish/ironbull-sub001/internal/queue"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/risk"
	"github.com/lybfish/ironbull-sub001/internal/settlement"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	pkgredis "github.com/lybfish/ironbull-sub001/pkg/redis"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
	"github.com/lybfish/ironbull-sub001/pkg/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName, os.Stdout)
	metrics.Init()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSample,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient, err := pkgredis.NewClient(&pkgredis.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     pkgredis.DefaultConfig.PoolSize,
		MinIdleConns: pkgredis.DefaultConfig.MinIdleConns,
		DialTimeout:  pkgredis.DefaultConfig.DialTimeout,
		ReadTimeout:  pkgredis.DefaultConfig.ReadTimeout,
		WriteTimeout: pkgredis.DefaultConfig.WriteTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	// 组装调度链路
	q := queue.New(redisClient.Client, cfg.QueueName, cfg.MaxRetries)
	idem := queue.NewIdempotencyStore(redisClient.Client, cfg.IdempotencyTTL)
	settle := settlement.NewService(db, idGen, appLog)
	tracker := pending.NewTracker(repository.NewPendingRepository(db), appLog)
	dispatcher := dispatch.NewDispatcher(
		risk.NewGate(cfg.Risk, appLog),
		repository.NewStatsRepository(db),
		settle,
		repository.NewPositionRepository(db),
		dispatch.NewRegistry(cfg.NodeURLs, cfg.NodeTimeout),
		q,
		idem,
		tracker,
		idGen,
		appLog,
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tracker.Reload(startupCtx); err != nil {
		log.Fatalf("Failed to reload pending cache: %v", err)
	}
	cancelStartup()

	mux := dispatch.NewServer(dispatcher, settle, q, appLog).Router()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		deps := []dependencyStatus{
			checkPostgres(r.Context(), db),
			checkRedis(r.Context(), redisClient),
		}
		writeHealth(w, deps)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	shutdownTracing(ctx)
	log.Println("Shutdown complete")
}

type dependencyStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency int64  `json:"latency"`
}

type healthResponse struct {
	Status       string             `json:"status"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

func checkPostgres(ctx context.Context, db *sql.DB) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := "ok"
	if err := db.PingContext(timeoutCtx); err != nil {
		status = "down"
	}
	return dependencyStatus{
		Name:    "postgres",
		Status:  status,
		Latency: time.Since(start).Milliseconds(),
	}
}

func checkRedis(ctx context.Context, client *pkgredis.Client) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := "ok"
	if err := client.Ping(timeoutCtx).Err(); err != nil {
		status = "down"
	}
	return dependencyStatus{
		Name:    "redis",
		Status:  status,
		Latency: time.Since(start).Milliseconds(),
	}
}

func writeHealth(w http.ResponseWriter, deps []dependencyStatus) {
	status := "ok"
	for _, dep := range deps {
		if dep.Status != "ok" {
			status = "degraded"
			break
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:       status,
		Dependencies: deps,
	})
}
