// Standalone execution worker. Runs the queue housekeeping and the executor
// pool against the shared database without a chain listener, so execution
// capacity can be scaled independently of detection.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/exchange"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/executor"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/handlers"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/notify"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfg, err := config.Load(os.Getenv("COPYTRADER_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New(cfg.Queue, store)
	q.Start(ctx)
	defer q.Stop()

	notifier := notify.New(cfg.Notify)
	notifier.Start(ctx)
	defer notifier.Stop()

	client := exchange.NewHTTPClient(cfg.Exchange)
	coord := executor.New(cfg.Executor, q, store, client, notifier)
	coord.Start(ctx)
	defer coord.Stop()

	r := gin.Default()
	h := handlers.NewHandler(nil, nil, q, coord, store)
	h.RegisterRoutes(r)

	port := os.Getenv("WORKER_PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port + 1)
	}

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		log.Printf("[worker] Status server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[worker] Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("[worker] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[worker] Server shutdown: %v", err)
	}
}
