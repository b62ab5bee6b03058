package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

const configCacheTTL = 30 * time.Second

// PostgresStore wraps PostgreSQL persistence with Redis caching for the hot
// read paths (copy configurations, followed traders).
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a PostgreSQL store with connection pooling and Redis.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "copytrader")
	password := getEnv("POSTGRES_PASSWORD", "copytrader123")
	dbname := getEnv("POSTGRES_DB", "copytrader")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries and stuck locks from wedging workers.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, redis: rdb}
	if err := s.runMigrations(context.Background()); err != nil {
		pool.Close()
		rdb.Close()
		return nil, err
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS trade_queue (
        id BIGSERIAL PRIMARY KEY,
        event_id TEXT NOT NULL UNIQUE,
        trade JSONB NOT NULL,
        priority INT NOT NULL,
        status TEXT NOT NULL,
        retry_count INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL,
        leased_by TEXT,
        leased_at TIMESTAMPTZ,
        not_before TIMESTAMPTZ,
        enqueued_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        completed_at TIMESTAMPTZ,
        last_error TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_queue_dispatch
        ON trade_queue (status, priority, enqueued_at);

    CREATE TABLE IF NOT EXISTS detected_trades (
        event_id TEXT PRIMARY KEY,
        tx_hash TEXT NOT NULL,
        log_index BIGINT NOT NULL,
        block_number BIGINT NOT NULL,
        block_timestamp TIMESTAMPTZ NOT NULL,
        trader_address TEXT NOT NULL,
        market_id TEXT NOT NULL,
        side TEXT NOT NULL,
        outcome TEXT NOT NULL,
        quantity NUMERIC NOT NULL,
        price NUMERIC NOT NULL,
        notional NUMERIC NOT NULL,
        fee NUMERIC NOT NULL,
        is_valid BOOLEAN NOT NULL,
        validation_errors TEXT[],
        detected_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_detected_trader
        ON detected_trades (trader_address, block_number DESC);

    CREATE TABLE IF NOT EXISTS copy_configurations (
        credential_id BIGINT PRIMARY KEY,
        follower_id BIGINT NOT NULL,
        trader_address TEXT NOT NULL,
        proportionality NUMERIC NOT NULL,
        min_trade_size NUMERIC NOT NULL,
        max_trade_size NUMERIC NOT NULL,
        max_exposure NUMERIC NOT NULL,
        max_slippage_pct NUMERIC NOT NULL,
        daily_spend_limit NUMERIC NOT NULL,
        allowed_markets TEXT[],
        excluded_markets TEXT[],
        status TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_configs_trader
        ON copy_configurations (trader_address, status);

    CREATE TABLE IF NOT EXISTS spend_states (
        credential_id BIGINT PRIMARY KEY,
        daily_limit NUMERIC NOT NULL,
        window_spent NUMERIC NOT NULL DEFAULT 0,
        window_start TIMESTAMPTZ NOT NULL,
        trades_executed BIGINT NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS executions (
        idempotency_key TEXT PRIMARY KEY,
        event_id TEXT NOT NULL,
        follower_id BIGINT NOT NULL,
        credential_id BIGINT NOT NULL,
        market_id TEXT NOT NULL,
        side TEXT NOT NULL,
        outcome TEXT NOT NULL,
        filled_quantity NUMERIC NOT NULL,
        avg_fill_price NUMERIC NOT NULL,
        fees NUMERIC NOT NULL,
        order_id TEXT,
        error_category TEXT,
        reject_reason TEXT,
        executed_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_executions_follower
        ON executions (follower_id, executed_at DESC);
    CREATE INDEX IF NOT EXISTS idx_executions_exposure
        ON executions (credential_id, market_id);

    CREATE TABLE IF NOT EXISTS listener_checkpoint (
        id INT PRIMARY KEY CHECK (id = 1),
        block_number BIGINT NOT NULL,
        block_hash TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );
    `

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// EnqueueTrade inserts a queued trade, deduplicating on event id.
func (s *PostgresStore) EnqueueTrade(ctx context.Context, qt models.QueuedTrade) (int64, bool, error) {
	tradeJSON, err := json.Marshal(qt.Trade)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: marshal trade: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
        INSERT INTO trade_queue (event_id, trade, priority, status, retry_count, max_retries, not_before, enqueued_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (event_id) DO NOTHING
        RETURNING id`,
		qt.Trade.EventID(), tradeJSON, qt.Priority, string(qt.Status), qt.RetryCount,
		qt.MaxRetries, nullTime(qt.NotBefore), qt.EnqueuedAt, qt.ExpiresAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres: enqueue: %w", err)
	}
	return id, true, nil
}

// LeaseTrades atomically claims up to limit dispatchable trades for a worker.
// SKIP LOCKED keeps concurrent workers from contending on the same rows.
func (s *PostgresStore) LeaseTrades(ctx context.Context, workerID string, limit int, now time.Time) ([]models.QueuedTrade, error) {
	rows, err := s.pool.Query(ctx, `
        UPDATE trade_queue SET status = $1, leased_by = $2, leased_at = $3
        WHERE id IN (
            SELECT id FROM trade_queue
            WHERE status = $4
              AND (not_before IS NULL OR not_before <= $3)
              AND expires_at > $3
            ORDER BY priority ASC, enqueued_at ASC
            LIMIT $5
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, trade, priority, status, retry_count, max_retries,
                  leased_by, leased_at, not_before, enqueued_at, expires_at, last_error`,
		string(models.StatusProcessing), workerID, now, string(models.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: lease: %w", err)
	}
	defer rows.Close()

	return scanQueuedTrades(rows)
}

func scanQueuedTrades(rows pgx.Rows) ([]models.QueuedTrade, error) {
	var out []models.QueuedTrade
	for rows.Next() {
		var (
			qt        models.QueuedTrade
			tradeJSON []byte
			status    string
			leasedBy  *string
			leasedAt  *time.Time
			notBefore *time.Time
			lastError *string
		)
		if err := rows.Scan(&qt.ID, &tradeJSON, &qt.Priority, &status, &qt.RetryCount,
			&qt.MaxRetries, &leasedBy, &leasedAt, &notBefore, &qt.EnqueuedAt, &qt.ExpiresAt, &lastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tradeJSON, &qt.Trade); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal trade: %w", err)
		}
		qt.Status = models.TradeStatus(status)
		if leasedBy != nil {
			qt.LeasedBy = *leasedBy
		}
		if leasedAt != nil {
			qt.LeasedAt = *leasedAt
		}
		if notBefore != nil {
			qt.NotBefore = *notBefore
		}
		if lastError != nil {
			qt.LastError = *lastError
		}
		out = append(out, qt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.setTerminal(ctx, id, models.StatusCompleted, "")
}

// MarkFailed returns the trade to pending with its retry backoff gate set.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, lastError string, retryCount int, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, retry_count = $2, not_before = $3, last_error = $4, leased_by = NULL, leased_at = NULL
        WHERE id = $5`,
		string(models.StatusPending), retryCount, notBefore, lastError, id)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkDeadLetter(ctx context.Context, id int64, lastError string) error {
	return s.setTerminal(ctx, id, models.StatusDeadLetter, lastError)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id int64, reason string) error {
	return s.setTerminal(ctx, id, models.StatusCancelled, reason)
}

func (s *PostgresStore) setTerminal(ctx context.Context, id int64, status models.TradeStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, last_error = NULLIF($2, ''), completed_at = $3, leased_by = NULL, leased_at = NULL
        WHERE id = $4`,
		string(status), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: mark %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueDeadLetter returns a dead-lettered trade to pending with a fresh
// retry budget.
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, retry_count = 0, not_before = NULL, completed_at = NULL, last_error = NULL
        WHERE id = $2 AND status = $3`,
		string(models.StatusPending), id, string(models.StatusDeadLetter))
	if err != nil {
		return fmt.Errorf("postgres: requeue dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueDeadLetters returns up to limit dead-lettered trades to pending,
// oldest first, each with a fresh retry budget.
func (s *PostgresStore) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, retry_count = 0, not_before = NULL, completed_at = NULL, last_error = NULL
        WHERE id IN (
            SELECT id FROM trade_queue
            WHERE status = $2
            ORDER BY enqueued_at ASC
            LIMIT $3
        )`,
		string(models.StatusPending), string(models.StatusDeadLetter), limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: requeue dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimExpiredLeases returns trades whose worker lease timed out to pending.
func (s *PostgresStore) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, leased_by = NULL, leased_at = NULL
        WHERE status = $2 AND leased_at < $3`,
		string(models.StatusPending), string(models.StatusProcessing), now.Add(-leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpireOverdue cancels pending trades that are past their dispatch deadline.
func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE trade_queue
        SET status = $1, last_error = 'expired before dispatch', completed_at = $2
        WHERE status = $3 AND expires_at <= $2`,
		string(models.StatusCancelled), now, string(models.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("postgres: expire overdue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeCompleted deletes terminal rows past the retention window.
func (s *PostgresStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
        DELETE FROM trade_queue
        WHERE status IN ($1, $2) AND completed_at < $3`,
		string(models.StatusCompleted), string(models.StatusCancelled), olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) QueueDepths(ctx context.Context) (map[models.TradeStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM trade_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[models.TradeStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depths[models.TradeStatus(status)] = count
	}
	return depths, rows.Err()
}

func (s *PostgresStore) ListDeadLetter(ctx context.Context, limit int) ([]models.QueuedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
        SELECT id, trade, priority, status, retry_count, max_retries,
               leased_by, leased_at, not_before, enqueued_at, expires_at, last_error
        FROM trade_queue
        WHERE status = $1
        ORDER BY enqueued_at DESC
        LIMIT $2`,
		string(models.StatusDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letter: %w", err)
	}
	defer rows.Close()

	return scanQueuedTrades(rows)
}

// SaveDetectedTrade appends a confirmed trade to the audit table. Invalid
// trades are recorded too; a replay of the same event is absorbed.
func (s *PostgresStore) SaveDetectedTrade(ctx context.Context, trade models.DetectedTrade) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO detected_trades (
            event_id, tx_hash, log_index, block_number, block_timestamp,
            trader_address, market_id, side, outcome,
            quantity, price, notional, fee, is_valid, validation_errors, detected_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (event_id) DO NOTHING`,
		trade.EventID(), trade.TxHash, int64(trade.LogIndex), int64(trade.BlockNumber),
		trade.BlockTimestamp, trade.TraderAddress, trade.MarketID,
		string(trade.Side), string(trade.Outcome),
		trade.Quantity.String(), trade.Price.String(), trade.Notional.String(),
		trade.Fee.String(), trade.IsValid, trade.ValidationErrors, trade.DetectedAt)
	if err != nil {
		return fmt.Errorf("postgres: save detected trade: %w", err)
	}
	return nil
}

// ActiveConfigurations returns the active copy configurations following the
// given trader. Results are cached briefly in Redis since every detected
// trade triggers this lookup.
func (s *PostgresStore) ActiveConfigurations(ctx context.Context, traderAddress string) ([]models.CopyConfiguration, error) {
	cacheKey := fmt.Sprintf("configs:%s", traderAddress)
	if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		var configs []models.CopyConfiguration
		if json.Unmarshal([]byte(cached), &configs) == nil {
			return configs, nil
		}
	}

	rows, err := s.pool.Query(ctx, `
        SELECT credential_id, follower_id, trader_address,
               proportionality::text, min_trade_size::text, max_trade_size::text,
               max_exposure::text, max_slippage_pct::text, daily_spend_limit::text,
               allowed_markets, excluded_markets, status
        FROM copy_configurations
        WHERE trader_address = $1 AND status = $2`,
		traderAddress, string(models.CopyActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: active configurations: %w", err)
	}
	defer rows.Close()

	var configs []models.CopyConfiguration
	for rows.Next() {
		var (
			cfg                                         models.CopyConfiguration
			prop, minSize, maxSize, maxExp, slip, daily string
			status                                      string
		)
		if err := rows.Scan(&cfg.CredentialID, &cfg.FollowerID, &cfg.TraderAddress,
			&prop, &minSize, &maxSize, &maxExp, &slip, &daily,
			&cfg.AllowedMarkets, &cfg.ExcludedMarkets, &status); err != nil {
			return nil, err
		}
		if cfg.Proportionality, err = decimal.NewFromString(prop); err != nil {
			return nil, fmt.Errorf("postgres: parse proportionality: %w", err)
		}
		if cfg.MinTradeSize, err = decimal.NewFromString(minSize); err != nil {
			return nil, err
		}
		if cfg.MaxTradeSize, err = decimal.NewFromString(maxSize); err != nil {
			return nil, err
		}
		if cfg.MaxExposure, err = decimal.NewFromString(maxExp); err != nil {
			return nil, err
		}
		if cfg.MaxSlippagePct, err = decimal.NewFromString(slip); err != nil {
			return nil, err
		}
		if cfg.DailySpendLimit, err = decimal.NewFromString(daily); err != nil {
			return nil, err
		}
		cfg.Status = models.CopyStatus(status)
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(configs); err == nil {
		s.redis.Set(ctx, cacheKey, data, configCacheTTL)
	}
	return configs, nil
}

// SaveConfiguration upserts a copy configuration and invalidates its caches.
func (s *PostgresStore) SaveConfiguration(ctx context.Context, cfg models.CopyConfiguration) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO copy_configurations (
            credential_id, follower_id, trader_address, proportionality,
            min_trade_size, max_trade_size, max_exposure, max_slippage_pct,
            daily_spend_limit, allowed_markets, excluded_markets, status, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (credential_id) DO UPDATE SET
            follower_id = excluded.follower_id,
            trader_address = excluded.trader_address,
            proportionality = excluded.proportionality,
            min_trade_size = excluded.min_trade_size,
            max_trade_size = excluded.max_trade_size,
            max_exposure = excluded.max_exposure,
            max_slippage_pct = excluded.max_slippage_pct,
            daily_spend_limit = excluded.daily_spend_limit,
            allowed_markets = excluded.allowed_markets,
            excluded_markets = excluded.excluded_markets,
            status = excluded.status,
            updated_at = excluded.updated_at`,
		cfg.CredentialID, cfg.FollowerID, cfg.TraderAddress,
		cfg.Proportionality.String(), cfg.MinTradeSize.String(), cfg.MaxTradeSize.String(),
		cfg.MaxExposure.String(), cfg.MaxSlippagePct.String(), cfg.DailySpendLimit.String(),
		cfg.AllowedMarkets, cfg.ExcludedMarkets, string(cfg.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: save configuration: %w", err)
	}

	s.redis.Del(ctx, fmt.Sprintf("configs:%s", cfg.TraderAddress), "followed_traders")
	return nil
}

// FollowedTraders returns the distinct trader addresses with at least one
// active configuration, cached briefly in Redis.
func (s *PostgresStore) FollowedTraders(ctx context.Context) ([]string, error) {
	if cached, err := s.redis.Get(ctx, "followed_traders").Result(); err == nil {
		var traders []string
		if json.Unmarshal([]byte(cached), &traders) == nil {
			return traders, nil
		}
	}

	rows, err := s.pool.Query(ctx, `
        SELECT DISTINCT trader_address FROM copy_configurations WHERE status = $1`,
		string(models.CopyActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: followed traders: %w", err)
	}
	defer rows.Close()

	var traders []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		traders = append(traders, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(traders); err == nil {
		s.redis.Set(ctx, "followed_traders", data, configCacheTTL)
	}
	return traders, nil
}

// GetSpendState returns the spend window for a credential, or a zero-valued
// state when none exists yet.
func (s *PostgresStore) GetSpendState(ctx context.Context, credentialID int64) (models.SpendState, error) {
	var (
		state             models.SpendState
		dailyLimit, spent string
	)
	err := s.pool.QueryRow(ctx, `
        SELECT credential_id, daily_limit::text, window_spent::text, window_start, trades_executed
        FROM spend_states WHERE credential_id = $1`, credentialID).
		Scan(&state.CredentialID, &dailyLimit, &spent, &state.WindowStart, &state.TradesExecuted)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SpendState{CredentialID: credentialID, WindowStart: time.Now().UTC()}, nil
	}
	if err != nil {
		return models.SpendState{}, fmt.Errorf("postgres: get spend state: %w", err)
	}
	if state.DailyLimit, err = decimal.NewFromString(dailyLimit); err != nil {
		return models.SpendState{}, err
	}
	if state.WindowSpent, err = decimal.NewFromString(spent); err != nil {
		return models.SpendState{}, err
	}
	return state, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, idempotencyKey string) (*models.ExecutionResult, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT idempotency_key, event_id, follower_id, credential_id, market_id, side, outcome,
               filled_quantity::text, avg_fill_price::text, fees::text,
               COALESCE(order_id, ''), COALESCE(error_category, ''), COALESCE(reject_reason, ''), executed_at
        FROM executions WHERE idempotency_key = $1`, idempotencyKey)

	result, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return result, nil
}

func scanExecution(row pgx.Row) (*models.ExecutionResult, error) {
	var (
		r                models.ExecutionResult
		side, outcome    string
		qty, price, fees string
	)
	if err := row.Scan(&r.IdempotencyKey, &r.EventID, &r.FollowerID, &r.CredentialID,
		&r.MarketID, &side, &outcome, &qty, &price, &fees,
		&r.OrderID, &r.ErrorCategory, &r.RejectReason, &r.ExecutedAt); err != nil {
		return nil, err
	}
	r.Side = models.Side(side)
	r.Outcome = models.ExecutionOutcome(outcome)
	var err error
	if r.FilledQuantity, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if r.AvgFillPrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if r.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, err
	}
	return &r, nil
}

// CommitExecution records an execution result and applies its spend delta in
// one transaction. The spend row is locked for the duration, so the limit
// check cannot race with a concurrent commit for the same credential. The
// window resets when 24 hours have elapsed since its start.
func (s *PostgresStore) CommitExecution(ctx context.Context, result models.ExecutionResult, spendDelta, dailyLimit decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit execution: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	// Seed the spend row if missing, then take the row lock.
	if _, err := tx.Exec(ctx, `
        INSERT INTO spend_states (credential_id, daily_limit, window_spent, window_start, trades_executed)
        VALUES ($1, $2, 0, $3, 0)
        ON CONFLICT (credential_id) DO NOTHING`,
		result.CredentialID, dailyLimit.String(), now); err != nil {
		return fmt.Errorf("postgres: seed spend state: %w", err)
	}

	var (
		spentStr    string
		windowStart time.Time
	)
	if err := tx.QueryRow(ctx, `
        SELECT window_spent::text, window_start FROM spend_states
        WHERE credential_id = $1 FOR UPDATE`, result.CredentialID).
		Scan(&spentStr, &windowStart); err != nil {
		return fmt.Errorf("postgres: lock spend state: %w", err)
	}

	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return err
	}
	if now.Sub(windowStart) >= 24*time.Hour {
		spent = decimal.Zero
		windowStart = now
	}

	if spendDelta.IsPositive() && spent.Add(spendDelta).GreaterThan(dailyLimit) {
		return ErrSpendLimitExceeded
	}

	tag, err := tx.Exec(ctx, `
        INSERT INTO executions (
            idempotency_key, event_id, follower_id, credential_id, market_id, side, outcome,
            filled_quantity, avg_fill_price, fees, order_id, error_category, reject_reason, executed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		result.IdempotencyKey, result.EventID, result.FollowerID, result.CredentialID,
		result.MarketID, string(result.Side), string(result.Outcome),
		result.FilledQuantity.String(), result.AvgFillPrice.String(), result.Fees.String(),
		result.OrderID, result.ErrorCategory, result.RejectReason, result.ExecutedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateExecution
	}

	executed := int64(0)
	if result.Outcome == models.OutcomeSuccess || result.Outcome == models.OutcomePartial {
		executed = 1
	}
	if _, err := tx.Exec(ctx, `
        UPDATE spend_states
        SET daily_limit = $1, window_spent = $2, window_start = $3, trades_executed = trades_executed + $4
        WHERE credential_id = $5`,
		dailyLimit.String(), spent.Add(spendDelta).String(), windowStart, executed, result.CredentialID); err != nil {
		return fmt.Errorf("postgres: update spend state: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, followerID int64, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
        SELECT idempotency_key, event_id, follower_id, credential_id, market_id, side, outcome,
               filled_quantity::text, avg_fill_price::text, fees::text,
               COALESCE(order_id, ''), COALESCE(error_category, ''), COALESCE(reject_reason, ''), executed_at
        FROM executions
        WHERE follower_id = $1
        ORDER BY executed_at DESC
        LIMIT $2`, followerID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// OpenExposure returns the credential's net collateral committed across all
// markets: buys add exposure, sells reduce it.
func (s *PostgresStore) OpenExposure(ctx context.Context, credentialID int64) (decimal.Decimal, error) {
	var exposure string
	err := s.pool.QueryRow(ctx, `
        SELECT COALESCE(SUM(
            CASE WHEN side = $1 THEN filled_quantity * avg_fill_price
                 ELSE -(filled_quantity * avg_fill_price) END
        ), 0)::text
        FROM executions
        WHERE credential_id = $2 AND outcome IN ($3, $4)`,
		string(models.SideBuy), credentialID,
		string(models.OutcomeSuccess), string(models.OutcomePartial)).Scan(&exposure)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: open exposure: %w", err)
	}
	return decimal.NewFromString(exposure)
}

// SaveCheckpoint records the listener's scan cursor.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, blockNumber uint64, blockHash string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO listener_checkpoint (id, block_number, block_hash, updated_at)
        VALUES (1, $1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            block_number = excluded.block_number,
            block_hash = excluded.block_hash,
            updated_at = excluded.updated_at`,
		int64(blockNumber), blockHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored scan cursor, or (0, "") when none exists.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (uint64, string, error) {
	var (
		blockNumber int64
		blockHash   string
	)
	err := s.pool.QueryRow(ctx, `
        SELECT block_number, block_hash FROM listener_checkpoint WHERE id = 1`).
		Scan(&blockNumber, &blockHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	return uint64(blockNumber), blockHash, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
