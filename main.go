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

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/chain"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/exchange"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/executor"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/handlers"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/notify"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

const checkpointInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("COPYTRADER_CONFIG")
	cfg, err := config.Load(cfgPath)
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

	pool, err := chain.NewProviderPool(cfg.RPC)
	if err != nil {
		log.Fatalf("failed to init rpc pool: %v", err)
	}
	pool.Start(ctx)
	defer pool.Stop()

	// Resume scanning from the stored checkpoint when no explicit start
	// block was configured.
	if cfg.Listener.FromBlock == 0 {
		if block, _, err := store.LoadCheckpoint(ctx); err != nil {
			log.Printf("[main] Checkpoint load failed, starting at chain head: %v", err)
		} else if block > 0 {
			cfg.Listener.FromBlock = block
			log.Printf("[main] Resuming from checkpoint block %d", block)
		}
	}

	listener := chain.NewListener(cfg.Listener, pool, nil)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("failed to start listener: %v", err)
	}
	defer listener.Stop()

	var subscriber *chain.LogSubscriber
	if cfg.Listener.UseWebSocket {
		subscriber, err = chain.NewLogSubscriber(cfg.RPC, cfg.Listener, nil)
		if err != nil {
			log.Printf("[main] Log subscriber disabled: %v", err)
		} else if err := subscriber.Start(ctx); err != nil {
			log.Printf("[main] Log subscriber failed to start: %v", err)
			subscriber = nil
		} else {
			defer subscriber.Stop()
		}
	}

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

	// Bridge confirmed trades into the queue.
	go enqueueLoop(ctx, listener, subscriber, q, store, notifier)

	// Persist the scan cursor so restarts do not rescan or skip blocks.
	go checkpointLoop(ctx, listener, store)

	// Surface detection outages to operators.
	go watchListener(ctx, listener, notifier)

	r := gin.Default()
	h := handlers.NewHandler(pool, listener, q, coord, store)
	h.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		log.Printf("[main] Status server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("[main] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown: %v", err)
	}
}

// enqueueLoop audits and pushes every confirmed trade into the durable queue.
// The websocket subscriber, when present, supplies the first-seen timestamp so
// the confirmation lag is visible in the logs.
func enqueueLoop(ctx context.Context, listener *chain.Listener, subscriber *chain.LogSubscriber, q *queue.Queue, store storage.Store, notifier *notify.Notifier) {
	for trade := range listener.Trades() {
		if subscriber != nil {
			if seen, ok := subscriber.FirstSeen(trade.EventID()); ok {
				log.Printf("[main] Trade %s confirmed %.1fs after first sighting",
					trade.EventID(), time.Since(seen).Seconds())
			}
		}

		if err := store.SaveDetectedTrade(ctx, trade); err != nil {
			log.Printf("[main] Audit record %s failed: %v", trade.EventID(), err)
		}

		result, err := q.Push(ctx, trade, queue.PriorityFor(trade))
		if err != nil {
			log.Printf("[main] Enqueue %s failed: %v", trade.EventID(), err)
			continue
		}
		if result.Duplicate {
			continue
		}

		notifier.Publish(notify.Event{
			Kind:    notify.EventTradeDetected,
			EventID: trade.EventID(),
			Detail:  string(trade.Side) + " " + trade.MarketID,
		})
	}
}

// watchListener publishes a degradation event when the listener pauses on
// provider loss. One event per transition, not per check.
func watchListener(ctx context.Context, listener *chain.Listener, notifier *notify.Notifier) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	degraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paused := listener.Status().State == chain.ListenerPaused
			if paused && !degraded {
				notifier.Publish(notify.Event{
					Kind:   notify.EventListenerDegraded,
					Detail: "poll loop paused, no healthy rpc endpoint",
				})
			}
			degraded = paused
		}
	}
}

func checkpointLoop(ctx context.Context, listener *chain.Listener, store storage.Store) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	var lastSaved uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block := listener.LastProcessedBlock()
			if block == 0 || block == lastSaved {
				continue
			}
			if err := store.SaveCheckpoint(ctx, block, ""); err != nil {
				log.Printf("[main] Checkpoint save failed: %v", err)
				continue
			}
			lastSaved = block
		}
	}
}
