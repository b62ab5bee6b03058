package queue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxRetries:             3,
		RetryBaseSec:           2,
		RetryCapSec:            300,
		LeaseTimeoutSec:        300,
		TradeTTLSec:            3600,
		HousekeepingSec:        30,
		CompletedRetentionDays: 7,
	}
}

func validTrade(txHash string, logIndex uint) models.DetectedTrade {
	return models.DetectedTrade{
		TxHash:        txHash,
		LogIndex:      logIndex,
		BlockNumber:   100,
		TraderAddress: "0x0000000000000000000000000000000000000001",
		MarketID:      "mkt-1",
		Side:          models.SideBuy,
		Outcome:       models.OutcomeYes,
		Quantity:      decimal.NewFromInt(10),
		Price:         decimal.RequireFromString("0.5"),
		Notional:      decimal.NewFromInt(5),
		IsValid:       true,
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		notional string
		want     int
	}{
		{"5000", models.PriorityHighest},
		{"1000", models.PriorityHighest},
		{"500", 3},
		{"100", 3},
		{"50", models.PriorityDefault},
		{"0.5", models.PriorityDefault},
	}
	for _, tt := range tests {
		trade := validTrade("0x01", 0)
		trade.Notional = decimal.RequireFromString(tt.notional)
		if got := PriorityFor(trade); got != tt.want {
			t.Errorf("PriorityFor(notional=%s) = %d, want %d", tt.notional, got, tt.want)
		}
	}
}

func TestPushRejectsInvalidTrade(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)

	trade := validTrade("0x01", 0)
	trade.IsValid = false
	trade.ValidationErrors = []string{models.ErrCodeInvalidQuantity}

	if _, err := q.Push(context.Background(), trade, models.PriorityDefault); err == nil {
		t.Fatal("expected error for invalid trade")
	}
	if store.Calls["EnqueueTrade"] != 0 {
		t.Error("invalid trade reached the store")
	}
}

func TestPushDeduplicates(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	first, err := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if first.Duplicate || first.ID == 0 {
		t.Fatalf("first push = %+v", first)
	}

	second, err := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	if err != nil {
		t.Fatalf("duplicate push: %v", err)
	}
	if !second.Duplicate {
		t.Error("duplicate event id not absorbed")
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pushed != 1 || status.Duplicates != 1 {
		t.Errorf("pushed=%d duplicates=%d, want 1/1", status.Pushed, status.Duplicates)
	}
}

func TestPushClampsPriority(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)

	res, err := q.Push(context.Background(), validTrade("0x01", 0), 42)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if store.Queue[res.ID].Priority != models.PriorityDefault {
		t.Errorf("priority = %d, want %d", store.Queue[res.ID].Priority, models.PriorityDefault)
	}
}

func TestLeaseOrdersByPriorityThenAge(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	if _, err := q.Push(ctx, validTrade("0x01", 0), models.PriorityLowest); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.Push(ctx, validTrade("0x02", 0), models.PriorityHighest); err != nil {
		t.Fatalf("push: %v", err)
	}

	leased, err := q.Lease(ctx, "worker-1", 10)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("leased %d trades, want 2", len(leased))
	}
	if leased[0].Trade.TxHash != "0x02" {
		t.Errorf("first leased = %s, want the high-priority trade", leased[0].Trade.TxHash)
	}
	if leased[0].LeasedBy != "worker-1" {
		t.Errorf("leased by = %q", leased[0].LeasedBy)
	}
}

func TestFailRetriesWithBackoff(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	res, _ := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	leased, _ := q.Lease(ctx, "worker-1", 1)
	if len(leased) != 1 {
		t.Fatal("lease failed")
	}

	before := time.Now().UTC()
	if err := q.Fail(ctx, leased[0], "exchange timeout", 0); err != nil {
		t.Fatalf("fail: %v", err)
	}

	qt := store.Queue[res.ID]
	if qt.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", qt.Status)
	}
	if qt.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", qt.RetryCount)
	}
	// First retry backs off by the base interval.
	wantEarliest := before.Add(2 * time.Second)
	if qt.NotBefore.Before(wantEarliest.Add(-time.Second)) {
		t.Errorf("not before = %s, want >= %s", qt.NotBefore, wantEarliest)
	}

	// A backed-off trade is not leasable until the gate passes.
	leased, _ = q.Lease(ctx, "worker-1", 1)
	if len(leased) != 0 {
		t.Error("leased a trade inside its backoff window")
	}
}

func TestFailHonorsRetryAfterHint(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	res, _ := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	leased, _ := q.Lease(ctx, "worker-1", 1)

	before := time.Now().UTC()
	if err := q.Fail(ctx, leased[0], "rate limited", 90*time.Second); err != nil {
		t.Fatalf("fail: %v", err)
	}

	qt := store.Queue[res.ID]
	if qt.NotBefore.Before(before.Add(89 * time.Second)) {
		t.Errorf("not before = %s, want ~90s out", qt.NotBefore)
	}
}

func TestFailDeadLettersAfterMaxRetries(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	res, _ := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	qt := *store.Queue[res.ID]
	qt.RetryCount = qt.MaxRetries

	if err := q.Fail(ctx, qt, "still failing", 0); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if store.Queue[res.ID].Status != models.StatusDeadLetter {
		t.Errorf("status = %s, want dead_letter", store.Queue[res.ID].Status)
	}

	// Operator requeue restores the trade with a fresh budget.
	if err := q.RequeueDeadLetter(ctx, res.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	requeued := store.Queue[res.ID]
	if requeued.Status != models.StatusPending || requeued.RetryCount != 0 {
		t.Errorf("requeued = %s retries=%d, want pending/0", requeued.Status, requeued.RetryCount)
	}
}

func TestRequeueDeadLettersBulk(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]int64, 3)
	for i, hash := range []string{"0x01", "0x02", "0x03"} {
		res, err := q.Push(ctx, validTrade(hash, 0), models.PriorityDefault)
		if err != nil {
			t.Fatalf("push %s: %v", hash, err)
		}
		store.Queue[res.ID].Status = models.StatusDeadLetter
		store.Queue[res.ID].RetryCount = 3
		store.Queue[res.ID].EnqueuedAt = base.Add(time.Duration(i) * time.Minute)
		ids[i] = res.ID
	}

	// Oldest first, bounded by the limit.
	n, err := q.RequeueDeadLetters(ctx, 2)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("requeued = %d, want 2", n)
	}
	for _, id := range ids[:2] {
		qt := store.Queue[id]
		if qt.Status != models.StatusPending || qt.RetryCount != 0 {
			t.Errorf("trade %d = %s retries=%d, want pending/0", id, qt.Status, qt.RetryCount)
		}
	}
	if store.Queue[ids[2]].Status != models.StatusDeadLetter {
		t.Errorf("newest trade requeued ahead of the limit")
	}

	if n, _ = q.RequeueDeadLetters(ctx, 10); n != 1 {
		t.Errorf("second pass requeued = %d, want the remaining 1", n)
	}
}

func TestBackoffCapped(t *testing.T) {
	q := New(testQueueConfig(), storage.NewMockStore())

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 300 * time.Second},
		{40, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestHousekeepReclaimsAndExpires(t *testing.T) {
	store := storage.NewMockStore()
	cfg := testQueueConfig()
	q := New(cfg, store)
	ctx := context.Background()

	// Stuck lease: processing since well past the lease timeout.
	stuck, _ := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	store.Queue[stuck.ID].Status = models.StatusProcessing
	store.Queue[stuck.ID].LeasedAt = time.Now().UTC().Add(-time.Hour)

	// Overdue pending trade past its TTL.
	overdue, _ := q.Push(ctx, validTrade("0x02", 0), models.PriorityDefault)
	store.Queue[overdue.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)

	q.housekeep(ctx)

	if store.Queue[stuck.ID].Status != models.StatusPending {
		t.Errorf("stuck lease status = %s, want pending", store.Queue[stuck.ID].Status)
	}
	if store.Queue[overdue.ID].Status != models.StatusCancelled {
		t.Errorf("overdue status = %s, want cancelled", store.Queue[overdue.ID].Status)
	}

	status, _ := q.Status(ctx)
	if status.LeasesReclaimed != 1 || status.Expired != 1 {
		t.Errorf("reclaimed=%d expired=%d, want 1/1", status.LeasesReclaimed, status.Expired)
	}
}

func TestHousekeepPurgesOldCompleted(t *testing.T) {
	store := storage.NewMockStore()
	q := New(testQueueConfig(), store)
	ctx := context.Background()

	res, _ := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	store.Queue[res.ID].Status = models.StatusCompleted
	store.Queue[res.ID].EnqueuedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)

	q.housekeep(ctx)

	if _, exists := store.Queue[res.ID]; exists {
		t.Error("completed trade past retention not purged")
	}
	// The event id slot is freed, so a late replay of the same event is
	// enqueued again rather than treated as a duplicate.
	again, err := q.Push(ctx, validTrade("0x01", 0), models.PriorityDefault)
	if err != nil || again.Duplicate {
		t.Errorf("re-push after purge = %+v, %v", again, err)
	}
}
