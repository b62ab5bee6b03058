// Package executor turns queued trades into exchange orders. The coordinator
// leases trades from the queue, evaluates risk per follower configuration,
// submits the sized orders, and commits spend and execution records
// atomically. Every (event, credential) pair executes at most once.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/exchange"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/notify"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/risk"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

const leasePollInterval = 1 * time.Second

// IdempotencyKey derives the execution identity for one (event, credential)
// pair. A retried trade produces the same key, which is what makes retries
// safe.
func IdempotencyKey(txHash string, logIndex uint, credentialID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", txHash, logIndex, credentialID)))
	return hex.EncodeToString(sum[:])
}

// Status is a point-in-time coordinator snapshot.
type Status struct {
	Workers      int     `json:"workers"`
	Processed    int64   `json:"processed"`
	Executed     int64   `json:"executed"`
	Skipped      int64   `json:"skipped"`
	Failed       int64   `json:"failed"`
	Retried      int64   `json:"retried"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// retryableError marks a failure the queue should retry, optionally with a
// server-provided backoff.
type retryableError struct {
	cause      error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.cause.Error() }
func (e *retryableError) Unwrap() error { return e.cause }

// Coordinator runs the execution worker pool.
type Coordinator struct {
	cfg      config.ExecutorConfig
	q        *queue.Queue
	store    storage.Store
	client   exchange.Client
	notifier *notify.Notifier

	// Per-credential serialization so two workers never size against the
	// same spend window concurrently within this process. The database row
	// lock still guards against other processes.
	credMu   sync.Mutex
	credLock map[int64]*sync.Mutex

	mu           sync.Mutex
	processed    int64
	executed     int64
	skipped      int64
	failed       int64
	retried      int64
	avgLatencyMS float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a coordinator.
func New(cfg config.ExecutorConfig, q *queue.Queue, store storage.Store, client exchange.Client, notifier *notify.Notifier) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		q:        q,
		store:    store,
		client:   client,
		notifier: notifier,
		credLock: make(map[int64]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, fmt.Sprintf("executor-%d", i))
	}
	log.Printf("[Executor] Started %d workers", c.cfg.Workers)
}

// Stop waits for in-flight trades to finish.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	log.Printf("[Executor] Stopped")
}

// Status returns the coordinator snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Workers:      c.cfg.Workers,
		Processed:    c.processed,
		Executed:     c.executed,
		Skipped:      c.skipped,
		Failed:       c.failed,
		Retried:      c.retried,
		AvgLatencyMS: c.avgLatencyMS,
	}
}

func (c *Coordinator) workerLoop(ctx context.Context, workerID string) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		trades, err := c.q.Lease(ctx, workerID, 1)
		if err != nil {
			log.Printf("[Executor] %s lease failed: %v", workerID, err)
			trades = nil
		}

		if len(trades) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(leasePollInterval):
			}
			continue
		}

		for _, qt := range trades {
			c.processTrade(ctx, qt)
		}
	}
}

// processTrade fans one confirmed trade out to every active configuration
// following its trader. Retryable failures requeue the whole trade; the
// idempotency keys make the replay a no-op for pairs that already committed.
func (c *Coordinator) processTrade(ctx context.Context, qt models.QueuedTrade) {
	trade := qt.Trade

	configs, err := c.store.ActiveConfigurations(ctx, trade.TraderAddress)
	if err != nil {
		c.failTrade(ctx, qt, fmt.Sprintf("load configurations: %v", err), 0)
		return
	}

	if len(configs) == 0 {
		if err := c.q.Complete(ctx, qt.ID); err != nil {
			log.Printf("[Executor] Complete %d: %v", qt.ID, err)
		}
		return
	}

	var firstRetryable *retryableError
	for _, cfg := range configs {
		if err := c.executeForConfig(ctx, trade, cfg); err != nil {
			var rerr *retryableError
			if errors.As(err, &rerr) {
				if firstRetryable == nil {
					firstRetryable = rerr
				}
				continue
			}
			log.Printf("[Executor] Unrecoverable error for %s credential %d: %v", trade.EventID(), cfg.CredentialID, err)
		}
	}

	if firstRetryable != nil {
		c.failTrade(ctx, qt, firstRetryable.Error(), firstRetryable.retryAfter)
		return
	}

	if err := c.q.Complete(ctx, qt.ID); err != nil {
		log.Printf("[Executor] Complete %d: %v", qt.ID, err)
	}
	c.recordLatency(trade.DetectedAt)
}

func (c *Coordinator) failTrade(ctx context.Context, qt models.QueuedTrade, cause string, retryAfter time.Duration) {
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
	if err := c.q.Fail(ctx, qt, cause, retryAfter); err != nil {
		log.Printf("[Executor] Fail %d: %v", qt.ID, err)
	}
	if qt.RetryCount+1 > qt.MaxRetries {
		c.notifier.Publish(notify.Event{
			Kind:    notify.EventTradeDead,
			EventID: qt.Trade.EventID(),
			Detail:  cause,
		})
	}
}

// executeForConfig runs the full per-credential path: idempotency check, risk
// evaluation, order submission, atomic commit.
func (c *Coordinator) executeForConfig(ctx context.Context, trade models.DetectedTrade, cfg models.CopyConfiguration) error {
	key := IdempotencyKey(trade.TxHash, trade.LogIndex, cfg.CredentialID)

	existing, err := c.store.GetExecution(ctx, key)
	if err != nil {
		return &retryableError{cause: fmt.Errorf("idempotency lookup: %w", err)}
	}
	if existing != nil {
		return nil
	}

	unlock := c.lockCredential(cfg.CredentialID)
	defer unlock()

	spend, err := c.store.GetSpendState(ctx, cfg.CredentialID)
	if err != nil {
		return &retryableError{cause: fmt.Errorf("load spend state: %w", err)}
	}
	spend.DailyLimit = cfg.DailySpendLimit
	if spend.WindowExpired(time.Now().UTC()) {
		spend.WindowSpent = decimal.Zero
	}

	exposure, err := c.store.OpenExposure(ctx, cfg.CredentialID)
	if err != nil {
		return &retryableError{cause: fmt.Errorf("load exposure: %w", err)}
	}

	quote, err := c.client.GetQuote(ctx, trade.MarketID)
	if err != nil {
		return c.classifySubmitError(ctx, trade, cfg, key, err, "quote")
	}

	decision := risk.Evaluate(risk.Input{
		Trade:        trade,
		Config:       cfg,
		Spend:        spend,
		OpenExposure: exposure,
		CurrentPrice: quote.BestPriceFor(trade.Side),
	})

	if !decision.Approved {
		return c.recordSkip(ctx, trade, cfg, key, decision)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout())
	orderResult, err := c.client.SubmitOrder(submitCtx, exchange.OrderRequest{
		CredentialID:  cfg.CredentialID,
		MarketID:      trade.MarketID,
		Side:          trade.Side,
		Quantity:      decision.Quantity,
		LimitPrice:    decision.LimitPrice,
		ClientOrderID: key,
	})
	cancel()
	if err != nil {
		return c.classifySubmitError(ctx, trade, cfg, key, err, "submit")
	}

	outcome := models.OutcomePartial
	if orderResult.FullyFilled {
		outcome = models.OutcomeSuccess
	}
	if !orderResult.FilledQuantity.IsPositive() {
		outcome = models.OutcomeFailed
	}

	spendDelta := decimal.Zero
	if trade.Side == models.SideBuy {
		spendDelta = orderResult.FilledQuantity.Mul(orderResult.AvgFillPrice)
	}

	result := models.ExecutionResult{
		IdempotencyKey: key,
		EventID:        trade.EventID(),
		FollowerID:     cfg.FollowerID,
		CredentialID:   cfg.CredentialID,
		MarketID:       trade.MarketID,
		Side:           trade.Side,
		Outcome:        outcome,
		FilledQuantity: orderResult.FilledQuantity,
		AvgFillPrice:   orderResult.AvgFillPrice,
		Fees:           orderResult.Fees,
		OrderID:        orderResult.OrderID,
		ExecutedAt:     time.Now().UTC(),
	}

	if err := c.commitFill(ctx, result, spendDelta, cfg.DailySpendLimit); err != nil {
		return err
	}

	c.mu.Lock()
	c.executed++
	c.processedLocked()
	c.mu.Unlock()

	c.notifier.Publish(notify.Event{
		Kind:       notify.EventTradeExecuted,
		EventID:    trade.EventID(),
		FollowerID: cfg.FollowerID,
		Detail:     fmt.Sprintf("%s %s %s @ %s", trade.Side, result.FilledQuantity, trade.MarketID, result.AvgFillPrice),
		Result:     &result,
	})
	return nil
}

// commitFill records a filled order. The order already executed on the
// exchange, so a spend race cannot void it: when the commit trips the limit
// check, the fill is recorded anyway with the window forced wide enough, and
// the overage is logged for the operator.
func (c *Coordinator) commitFill(ctx context.Context, result models.ExecutionResult, spendDelta, dailyLimit decimal.Decimal) error {
	err := c.store.CommitExecution(ctx, result, spendDelta, dailyLimit)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrDuplicateExecution) {
		return nil
	}
	if errors.Is(err, storage.ErrSpendLimitExceeded) {
		log.Printf("[Executor] Warning: fill %s exceeded spend limit, recording overage", result.IdempotencyKey[:12])
		spend, serr := c.store.GetSpendState(ctx, result.CredentialID)
		if serr != nil {
			return &retryableError{cause: fmt.Errorf("commit overage: %w", serr)}
		}
		effective := spend.WindowSpent.Add(spendDelta)
		if cerr := c.store.CommitExecution(ctx, result, spendDelta, effective); cerr != nil && !errors.Is(cerr, storage.ErrDuplicateExecution) {
			return &retryableError{cause: fmt.Errorf("commit overage: %w", cerr)}
		}
		c.notifier.Publish(notify.Event{
			Kind:       notify.EventSpendExhausted,
			EventID:    result.EventID,
			FollowerID: result.FollowerID,
			Detail:     "spend window exceeded by concurrent fills",
		})
		return nil
	}
	return &retryableError{cause: fmt.Errorf("commit execution: %w", err)}
}

// recordSkip persists a skipped decision so the pair never re-evaluates.
func (c *Coordinator) recordSkip(ctx context.Context, trade models.DetectedTrade, cfg models.CopyConfiguration, key string, decision risk.Decision) error {
	result := models.ExecutionResult{
		IdempotencyKey: key,
		EventID:        trade.EventID(),
		FollowerID:     cfg.FollowerID,
		CredentialID:   cfg.CredentialID,
		MarketID:       trade.MarketID,
		Side:           trade.Side,
		Outcome:        models.OutcomeSkipped,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Fees:           decimal.Zero,
		RejectReason:   string(decision.RejectReason),
		ExecutedAt:     time.Now().UTC(),
	}

	if err := c.store.CommitExecution(ctx, result, decimal.Zero, cfg.DailySpendLimit); err != nil && !errors.Is(err, storage.ErrDuplicateExecution) {
		return &retryableError{cause: fmt.Errorf("record skip: %w", err)}
	}

	c.mu.Lock()
	c.skipped++
	c.processedLocked()
	c.mu.Unlock()

	c.notifier.Publish(notify.Event{
		Kind:       notify.EventTradeSkipped,
		EventID:    trade.EventID(),
		FollowerID: cfg.FollowerID,
		Detail:     fmt.Sprintf("%s: %s", decision.RejectReason, decision.Detail),
	})
	return nil
}

// classifySubmitError splits exchange failures into retryable transport
// problems and terminal business rejections. Business rejections are recorded
// so the pair is settled.
func (c *Coordinator) classifySubmitError(ctx context.Context, trade models.DetectedTrade, cfg models.CopyConfiguration, key string, err error, stage string) error {
	apiErr, ok := exchange.AsAPIError(err)
	if !ok || apiErr.Retryable() {
		var retryAfter time.Duration
		if ok {
			retryAfter = apiErr.RetryAfter
		}
		return &retryableError{
			cause:      fmt.Errorf("%s for credential %d: %w", stage, cfg.CredentialID, err),
			retryAfter: retryAfter,
		}
	}

	result := models.ExecutionResult{
		IdempotencyKey: key,
		EventID:        trade.EventID(),
		FollowerID:     cfg.FollowerID,
		CredentialID:   cfg.CredentialID,
		MarketID:       trade.MarketID,
		Side:           trade.Side,
		Outcome:        models.OutcomeFailed,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Fees:           decimal.Zero,
		ErrorCategory:  string(apiErr.Category),
		RejectReason:   apiErr.Message,
		ExecutedAt:     time.Now().UTC(),
	}
	if cerr := c.store.CommitExecution(ctx, result, decimal.Zero, cfg.DailySpendLimit); cerr != nil && !errors.Is(cerr, storage.ErrDuplicateExecution) {
		return &retryableError{cause: fmt.Errorf("record failure: %w", cerr)}
	}

	c.mu.Lock()
	c.failed++
	c.processedLocked()
	c.mu.Unlock()

	c.notifier.Publish(notify.Event{
		Kind:       notify.EventTradeFailed,
		EventID:    trade.EventID(),
		FollowerID: cfg.FollowerID,
		Detail:     fmt.Sprintf("%s: %s", apiErr.Category, apiErr.Message),
	})
	return nil
}

func (c *Coordinator) lockCredential(credentialID int64) func() {
	c.credMu.Lock()
	lock, ok := c.credLock[credentialID]
	if !ok {
		lock = &sync.Mutex{}
		c.credLock[credentialID] = lock
	}
	c.credMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// processedLocked bumps the processed counter and logs a metrics line at the
// configured cadence. Caller holds c.mu.
func (c *Coordinator) processedLocked() {
	c.processed++
	if c.cfg.MetricsLogEvery > 0 && c.processed%int64(c.cfg.MetricsLogEvery) == 0 {
		log.Printf("[Executor] Metrics: processed=%d executed=%d skipped=%d failed=%d retried=%d avg_latency=%.0fms",
			c.processed, c.executed, c.skipped, c.failed, c.retried, c.avgLatencyMS)
	}
}

// recordLatency tracks detection-to-completion latency as an EMA.
func (c *Coordinator) recordLatency(detectedAt time.Time) {
	if detectedAt.IsZero() {
		return
	}
	ms := float64(time.Since(detectedAt).Milliseconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	const alpha = 0.3
	if c.avgLatencyMS == 0 {
		c.avgLatencyMS = ms
	} else {
		c.avgLatencyMS = alpha*ms + (1-alpha)*c.avgLatencyMS
	}
}
