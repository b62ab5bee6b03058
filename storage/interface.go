// Package storage persists the durable state of the copy-trading pipeline:
// the trade queue, copy configurations, spend windows, execution records, and
// the listener checkpoint.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// ErrDuplicateExecution is returned by CommitExecution when an execution with
// the same idempotency key has already been recorded.
var ErrDuplicateExecution = errors.New("storage: execution already recorded")

// ErrSpendLimitExceeded is returned by CommitExecution when the spend delta
// would push the credential past its daily limit. The check runs under the
// spend row lock, so concurrent commits cannot both pass.
var ErrSpendLimitExceeded = errors.New("storage: spend limit exceeded")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store defines the persistence backend for the pipeline.
type Store interface {
	Close() error

	// Queue operations. Enqueue reports whether the trade was inserted;
	// false means the event id was already queued.
	EnqueueTrade(ctx context.Context, qt models.QueuedTrade) (int64, bool, error)
	LeaseTrades(ctx context.Context, workerID string, limit int, now time.Time) ([]models.QueuedTrade, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryCount int, notBefore time.Time) error
	MarkDeadLetter(ctx context.Context, id int64, lastError string) error
	MarkCancelled(ctx context.Context, id int64, reason string) error
	RequeueDeadLetter(ctx context.Context, id int64) error
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
	ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error)
	QueueDepths(ctx context.Context) (map[models.TradeStatus]int, error)
	ListDeadLetter(ctx context.Context, limit int) ([]models.QueuedTrade, error)

	// Append-only audit of every confirmed trade, valid or not, for
	// downstream analytics.
	SaveDetectedTrade(ctx context.Context, trade models.DetectedTrade) error

	// Copy configurations, keyed by the followed trader address.
	ActiveConfigurations(ctx context.Context, traderAddress string) ([]models.CopyConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg models.CopyConfiguration) error
	FollowedTraders(ctx context.Context) ([]string, error)

	// Spend and execution records. CommitExecution atomically records the
	// result and applies the spend delta under the credential's row lock.
	GetSpendState(ctx context.Context, credentialID int64) (models.SpendState, error)
	GetExecution(ctx context.Context, idempotencyKey string) (*models.ExecutionResult, error)
	CommitExecution(ctx context.Context, result models.ExecutionResult, spendDelta, dailyLimit decimal.Decimal) error
	ListExecutions(ctx context.Context, followerID int64, limit int) ([]models.ExecutionResult, error)
	OpenExposure(ctx context.Context, credentialID int64) (decimal.Decimal, error)

	// Listener checkpoint so a restart resumes where the last scan stopped.
	SaveCheckpoint(ctx context.Context, blockNumber uint64, blockHash string) error
	LoadCheckpoint(ctx context.Context) (uint64, string, error)
}

// Ensure both implementations satisfy the interface.
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MockStore)(nil)
