package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Outcome is the prediction-market outcome token traded.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Validation error codes attached to a DetectedTrade. Invalid trades are
// recorded and reported, never silently dropped.
const (
	ErrCodeMissingTxHash   = "missing_tx_hash"
	ErrCodeMissingTrader   = "missing_trader_address"
	ErrCodeBadChecksum     = "invalid_trader_checksum"
	ErrCodeMissingMarket   = "missing_market_id"
	ErrCodeInvalidSide     = "invalid_side"
	ErrCodeInvalidOutcome  = "invalid_outcome"
	ErrCodeInvalidQuantity = "invalid_quantity"
	ErrCodeInvalidPrice    = "invalid_price"
	ErrCodeInvalidNotional = "invalid_notional"
)

// DetectedTrade is a normalized on-chain fill, parsed from an OrderFilled log.
// Identity is (TxHash, LogIndex); immutable once validated.
type DetectedTrade struct {
	TxHash         string          `json:"tx_hash"`
	LogIndex       uint            `json:"log_index"`
	BlockNumber    uint64          `json:"block_number"`
	BlockHash      string          `json:"block_hash"`
	BlockTimestamp time.Time       `json:"block_timestamp"`
	TraderAddress  string          `json:"trader_address"` // checksummed
	MarketID       string          `json:"market_id"`      // outcome token id
	Side           Side            `json:"side"`
	Outcome        Outcome         `json:"outcome"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"` // share price, 0..1
	Notional       decimal.Decimal `json:"notional"`
	Fee            decimal.Decimal `json:"fee"`
	OrderHash      string          `json:"order_hash"`

	IsValid          bool     `json:"is_valid"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// EventID is the globally unique identity of the underlying chain event.
func (t DetectedTrade) EventID() string {
	return fmt.Sprintf("%s:%d", t.TxHash, t.LogIndex)
}

// TradeStatus is the queue-visible lifecycle state of a QueuedTrade.
type TradeStatus string

const (
	StatusPending    TradeStatus = "pending"
	StatusProcessing TradeStatus = "processing"
	StatusCompleted  TradeStatus = "completed"
	StatusFailed     TradeStatus = "failed"
	StatusCancelled  TradeStatus = "cancelled"
	StatusDeadLetter TradeStatus = "dead_letter"
)

// Queue priorities: 1 is dispatched first, 10 last.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// QueuedTrade wraps a confirmed DetectedTrade with queue metadata. Status
// transitions happen only through queue operations.
type QueuedTrade struct {
	ID         int64         `json:"id"`
	Trade      DetectedTrade `json:"trade"`
	Priority   int           `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Status     TradeStatus   `json:"status"`
	LeasedBy   string        `json:"leased_by,omitempty"`
	LeasedAt   time.Time     `json:"leased_at,omitempty"`
	NotBefore  time.Time     `json:"not_before,omitempty"` // retry backoff gate
	ExpiresAt  time.Time     `json:"expires_at"`
	LastError  string        `json:"last_error,omitempty"`
}

// Expired reports whether the trade is past its dispatch deadline.
func (q QueuedTrade) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// CopyStatus is the follower-configured state of a copy relationship.
type CopyStatus string

const (
	CopyActive  CopyStatus = "active"
	CopyPaused  CopyStatus = "paused"
	CopyStopped CopyStatus = "stopped"
)

// CopyConfiguration is one follower's settings for copying one trader.
// Supplied by the user-management collaborator; read-only here.
type CopyConfiguration struct {
	FollowerID      int64           `json:"follower_id"`
	CredentialID    int64           `json:"credential_id"`
	TraderAddress   string          `json:"trader_address"`
	Proportionality decimal.Decimal `json:"proportionality"`
	MinTradeSize    decimal.Decimal `json:"min_trade_size"`
	MaxTradeSize    decimal.Decimal `json:"max_trade_size"`
	MaxExposure     decimal.Decimal `json:"max_exposure"`
	MaxSlippagePct  decimal.Decimal `json:"max_slippage_pct"`
	DailySpendLimit decimal.Decimal `json:"daily_spend_limit"`
	AllowedMarkets  []string        `json:"allowed_markets,omitempty"`
	ExcludedMarkets []string        `json:"excluded_markets,omitempty"`
	Status          CopyStatus      `json:"status"`
}

// SpendState tracks rolling spend for one follower credential. Mutated only by
// the execution coordinator, under a per-credential row lock.
type SpendState struct {
	CredentialID   int64           `json:"credential_id"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	WindowSpent    decimal.Decimal `json:"window_spent"`
	WindowStart    time.Time       `json:"window_start"`
	TradesExecuted int64           `json:"trades_executed"`
}

// Remaining returns the spend headroom left in the current window.
func (s SpendState) Remaining() decimal.Decimal {
	return s.DailyLimit.Sub(s.WindowSpent)
}

// WindowExpired reports whether the 24h window needs a reset.
func (s SpendState) WindowExpired(now time.Time) bool {
	return now.Sub(s.WindowStart) >= 24*time.Hour
}

// ExecutionOutcome classifies the result of one copy-order attempt.
type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomePartial ExecutionOutcome = "partial"
	OutcomeFailed  ExecutionOutcome = "failed"
	OutcomeSkipped ExecutionOutcome = "skipped"
)

// ExecutionResult is the immutable audit record of one execution attempt,
// persisted for reconciliation and leaderboard consumers.
type ExecutionResult struct {
	IdempotencyKey string           `json:"idempotency_key"`
	EventID        string           `json:"event_id"`
	FollowerID     int64            `json:"follower_id"`
	CredentialID   int64            `json:"credential_id"`
	MarketID       string           `json:"market_id"`
	Side           Side             `json:"side"`
	Outcome        ExecutionOutcome `json:"outcome"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	Fees           decimal.Decimal  `json:"fees"`
	OrderID        string           `json:"order_id,omitempty"`
	ErrorCategory  string           `json:"error_category,omitempty"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	ExecutedAt     time.Time        `json:"executed_at"`
}
