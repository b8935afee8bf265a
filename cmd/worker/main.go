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
	"sync"
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
	"github.com/lybfish/ironbull-sub001/pkg/health"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	pkgredis "github.com/lybfish/ironbull-sub001/pkg/redis"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
	"github.com/lybfish/ironbull-sub001/pkg/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log.Printf("Starting %s worker...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName+"-worker", os.Stdout)
	metrics.Init()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName + "-worker",
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

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

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

	q := queue.New(redisClient.Client, cfg.QueueName, cfg.MaxRetries)
	idem := queue.NewIdempotencyStore(redisClient.Client, cfg.IdempotencyTTL)
	tracker := pending.NewTracker(repository.NewPendingRepository(db), appLog)
	dispatcher := dispatch.NewDispatcher(
		risk.NewGate(cfg.Risk, appLog),
		repository.NewStatsRepository(db),
		settlement.NewService(db, idGen, appLog),
		repository.NewPositionRepository(db),
		dispatch.NewRegistry(cfg.NodeURLs, cfg.NodeTimeout),
		q,
		idem,
		tracker,
		idGen,
		appLog,
	)

	monitor := &health.LoopMonitor{}
	worker := queue.NewWorker(q, dispatch.NewTaskHandler(dispatcher, cfg.MaxRetries, appLog), appLog, monitor, cfg.PollTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// 回收超期未 Ack 的任务
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.RequeueStale(ctx, cfg.StaleClaimAge)
				if err != nil {
					appLog.WithError(err).Error("回收滞留任务失败")
					continue
				}
				if n > 0 {
					appLog.Infof("回收滞留任务", map[string]interface{}{"count": n})
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// 空闲时 BRPOP 阻塞整个 PollTimeout，放宽心跳窗口
		ok, age, lastErr := monitor.Healthy(time.Now(), 3*cfg.PollTimeout)
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":   ok,
			"tickAge":   age.String(),
			"lastError": lastErr,
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Worker health endpoint listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	server.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	log.Println("Shutdown complete")
}
