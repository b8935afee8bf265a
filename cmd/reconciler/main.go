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
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/settlement"
	"github.com/lybfish/ironbull-sub001/pkg/health"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
	"github.com/lybfish/ironbull-sub001/pkg/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log.Printf("Starting %s reconciler...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName+"-reconciler", os.Stdout)
	metrics.Init()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName + "-reconciler",
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

	pendingRepo := repository.NewPendingRepository(db)
	tracker := pending.NewTracker(pendingRepo, appLog)
	monitor := &health.LoopMonitor{}
	reconciler := pending.NewReconciler(
		tracker,
		pendingRepo,
		settlement.NewService(db, idGen, appLog),
		repository.NewPositionRepository(db),
		pending.RegistryResolver{Registry: dispatch.NewRegistry(cfg.NodeURLs, cfg.NodeTimeout)},
		appLog,
		monitor,
		cfg.ReconcileInterval,
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tracker.Reload(startupCtx); err != nil {
		log.Fatalf("Failed to reload pending cache: %v", err)
	}
	cancelStartup()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ok, age, lastErr := monitor.Healthy(time.Now(), 3*cfg.ReconcileInterval)
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
		log.Printf("Reconciler health endpoint listening on :%d", cfg.HTTPPort)
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
