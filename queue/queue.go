// Package queue implements the durable priority trade queue between trade
// detection and execution. Persistence lives in the storage backend; this
// package owns dispatch ordering, retry backoff, dead-lettering, and
// housekeeping.
package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

// Notional bands for PriorityFor. Large original positions carry more signal
// and should be copied before the market moves.
var (
	largeNotional  = decimal.NewFromInt(1000)
	mediumNotional = decimal.NewFromInt(100)
)

// PriorityFor maps a trade's notional to a dispatch priority.
func PriorityFor(trade models.DetectedTrade) int {
	switch {
	case trade.Notional.GreaterThanOrEqual(largeNotional):
		return models.PriorityHighest
	case trade.Notional.GreaterThanOrEqual(mediumNotional):
		return 3
	default:
		return models.PriorityDefault
	}
}

// PushResult reports what happened to a pushed trade.
type PushResult struct {
	ID        int64
	Duplicate bool
}

// Status is a point-in-time queue snapshot for the status endpoint.
type Status struct {
	Depths          map[models.TradeStatus]int `json:"depths"`
	Pushed          int64                      `json:"pushed"`
	Duplicates      int64                      `json:"duplicates"`
	Leased          int64                      `json:"leased"`
	Completed       int64                      `json:"completed"`
	Retried         int64                      `json:"retried"`
	DeadLettered    int64                      `json:"dead_lettered"`
	LeasesReclaimed int64                      `json:"leases_reclaimed"`
	Expired         int64                      `json:"expired"`
	Purged          int64                      `json:"purged"`
}

// Queue is the durable trade queue. All methods are safe for concurrent use.
type Queue struct {
	cfg   config.QueueConfig
	store storage.Store

	mu              sync.Mutex
	pushed          int64
	duplicates      int64
	leased          int64
	completed       int64
	retried         int64
	deadLettered    int64
	leasesReclaimed int64
	expired         int64
	purged          int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a queue on top of the given store.
func New(cfg config.QueueConfig, store storage.Store) *Queue {
	return &Queue{
		cfg:    cfg,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start launches the housekeeping loop.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.housekeepingLoop(ctx)
}

// Stop halts housekeeping.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	log.Printf("[Queue] Stopped")
}

// Push enqueues a confirmed trade. Invalid trades are rejected; duplicate
// event ids are absorbed without error.
func (q *Queue) Push(ctx context.Context, trade models.DetectedTrade, priority int) (PushResult, error) {
	if !trade.IsValid {
		return PushResult{}, fmt.Errorf("queue: refusing invalid trade %s: %v", trade.EventID(), trade.ValidationErrors)
	}
	if priority < models.PriorityHighest || priority > models.PriorityLowest {
		priority = models.PriorityDefault
	}

	now := time.Now().UTC()
	qt := models.QueuedTrade{
		Trade:      trade,
		Priority:   priority,
		EnqueuedAt: now,
		MaxRetries: q.cfg.MaxRetries,
		Status:     models.StatusPending,
		ExpiresAt:  now.Add(q.cfg.TradeTTL()),
	}

	id, inserted, err := q.store.EnqueueTrade(ctx, qt)
	if err != nil {
		return PushResult{}, fmt.Errorf("queue: push %s: %w", trade.EventID(), err)
	}

	q.mu.Lock()
	if inserted {
		q.pushed++
	} else {
		q.duplicates++
	}
	q.mu.Unlock()

	if !inserted {
		return PushResult{Duplicate: true}, nil
	}
	return PushResult{ID: id}, nil
}

// Lease claims up to limit dispatchable trades for the given worker, in
// (priority, enqueue time) order.
func (q *Queue) Lease(ctx context.Context, workerID string, limit int) ([]models.QueuedTrade, error) {
	trades, err := q.store.LeaseTrades(ctx, workerID, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	q.mu.Lock()
	q.leased += int64(len(trades))
	q.mu.Unlock()
	return trades, nil
}

// Complete marks a leased trade done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	if err := q.store.MarkCompleted(ctx, id); err != nil {
		return fmt.Errorf("queue: complete %d: %w", id, err)
	}
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	return nil
}

// Cancel marks a leased trade cancelled with a reason. Used for business
// rejections that must not be retried.
func (q *Queue) Cancel(ctx context.Context, id int64, reason string) error {
	if err := q.store.MarkCancelled(ctx, id, reason); err != nil {
		return fmt.Errorf("queue: cancel %d: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The trade is requeued with exponential
// backoff until its retry budget is spent, then dead-lettered. retryAfter
// overrides the computed backoff when positive (rate-limit hints).
func (q *Queue) Fail(ctx context.Context, qt models.QueuedTrade, cause string, retryAfter time.Duration) error {
	retryCount := qt.RetryCount + 1
	if retryCount > qt.MaxRetries {
		if err := q.store.MarkDeadLetter(ctx, qt.ID, cause); err != nil {
			return fmt.Errorf("queue: dead letter %d: %w", qt.ID, err)
		}
		q.mu.Lock()
		q.deadLettered++
		q.mu.Unlock()
		log.Printf("[Queue] Trade %s dead-lettered after %d attempts: %s", qt.Trade.EventID(), retryCount, cause)
		return nil
	}

	backoff := retryAfter
	if backoff <= 0 {
		backoff = q.backoff(retryCount)
	}
	notBefore := time.Now().UTC().Add(backoff)

	if err := q.store.MarkFailed(ctx, qt.ID, cause, retryCount, notBefore); err != nil {
		return fmt.Errorf("queue: fail %d: %w", qt.ID, err)
	}
	q.mu.Lock()
	q.retried++
	q.mu.Unlock()
	log.Printf("[Queue] Trade %s retry %d/%d in %s: %s", qt.Trade.EventID(), retryCount, qt.MaxRetries, backoff, cause)
	return nil
}

// backoff returns base * 2^(retry-1), capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	base := time.Duration(q.cfg.RetryBaseSec) * time.Second
	ceiling := time.Duration(q.cfg.RetryCapSec) * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(retryCount-1)))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// RequeueDeadLetter returns a dead-lettered trade to the queue with a fresh
// retry budget. Operator action via the admin endpoint.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id int64) error {
	if err := q.store.RequeueDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("queue: requeue dead letter %d: %w", id, err)
	}
	log.Printf("[Queue] Dead-lettered trade %d requeued", id)
	return nil
}

// RequeueDeadLetters returns up to limit dead-lettered trades to the queue,
// oldest first. Operator action for recovering from a batch of failures.
func (q *Queue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	n, err := q.store.RequeueDeadLetters(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("queue: requeue dead letters: %w", err)
	}
	if n > 0 {
		log.Printf("[Queue] Requeued %d dead-lettered trades", n)
	}
	return n, nil
}

// DeadLetters lists dead-lettered trades for inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.QueuedTrade, error) {
	return q.store.ListDeadLetter(ctx, limit)
}

// Status returns queue depths and lifetime counters.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	depths, err := q.store.QueueDepths(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue: depths: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Depths:          depths,
		Pushed:          q.pushed,
		Duplicates:      q.duplicates,
		Leased:          q.leased,
		Completed:       q.completed,
		Retried:         q.retried,
		DeadLettered:    q.deadLettered,
		LeasesReclaimed: q.leasesReclaimed,
		Expired:         q.expired,
		Purged:          q.purged,
	}, nil
}

func (q *Queue) housekeepingLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Duration(q.cfg.HousekeepingSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.housekeep(ctx)
		}
	}
}

// housekeep reclaims timed-out leases, cancels expired trades, and purges
// terminal rows past retention.
func (q *Queue) housekeep(ctx context.Context) {
	now := time.Now().UTC()

	reclaimed, err := q.store.ReclaimExpiredLeases(ctx, q.cfg.LeaseTimeout(), now)
	if err != nil {
		log.Printf("[Queue] Housekeeping: reclaim leases failed: %v", err)
	} else if reclaimed > 0 {
		log.Printf("[Queue] Housekeeping: reclaimed %d expired leases", reclaimed)
	}

	expired, err := q.store.ExpireOverdue(ctx, now)
	if err != nil {
		log.Printf("[Queue] Housekeeping: expire overdue failed: %v", err)
	} else if expired > 0 {
		log.Printf("[Queue] Housekeeping: cancelled %d expired trades", expired)
	}

	retention := time.Duration(q.cfg.CompletedRetentionDays) * 24 * time.Hour
	purged, err := q.store.PurgeCompleted(ctx, now.Add(-retention))
	if err != nil {
		log.Printf("[Queue] Housekeeping: purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("[Queue] Housekeeping: purged %d completed trades", purged)
	}

	q.mu.Lock()
	q.leasesReclaimed += int64(reclaimed)
	q.expired += int64(expired)
	q.purged += int64(purged)
	q.mu.Unlock()
}
