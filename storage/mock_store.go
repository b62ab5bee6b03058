package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// MockStore is an in-memory Store for testing.
type MockStore struct {
	mu sync.RWMutex

	nextID         int64
	Queue          map[int64]*models.QueuedTrade
	QueuedEventIDs map[string]int64
	DetectedTrades map[string]models.DetectedTrade
	Configurations map[int64]models.CopyConfiguration
	SpendStates    map[int64]models.SpendState
	Executions     map[string]models.ExecutionResult

	CheckpointBlock uint64
	CheckpointHash  string

	// Call tracking for assertions. Guarded by its own mutex so methods
	// can be exercised concurrently.
	callsMu sync.Mutex
	Calls   map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		Queue:          make(map[int64]*models.QueuedTrade),
		QueuedEventIDs: make(map[string]int64),
		DetectedTrades: make(map[string]models.DetectedTrade),
		Configurations: make(map[int64]models.CopyConfiguration),
		SpendStates:    make(map[int64]models.SpendState),
		Executions:     make(map[string]models.ExecutionResult),
		Calls:          make(map[string]int),
		ErrorOnNext:    make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockStore) Close() error {
	return m.trackCall("Close")
}

func (m *MockStore) EnqueueTrade(ctx context.Context, qt models.QueuedTrade) (int64, bool, error) {
	if err := m.trackCall("EnqueueTrade"); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	eventID := qt.Trade.EventID()
	if _, exists := m.QueuedEventIDs[eventID]; exists {
		return 0, false, nil
	}

	m.nextID++
	qt.ID = m.nextID
	m.Queue[qt.ID] = &qt
	m.QueuedEventIDs[eventID] = qt.ID
	return qt.ID, true, nil
}

func (m *MockStore) LeaseTrades(ctx context.Context, workerID string, limit int, now time.Time) ([]models.QueuedTrade, error) {
	if err := m.trackCall("LeaseTrades"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.QueuedTrade
	for _, qt := range m.Queue {
		if qt.Status != models.StatusPending {
			continue
		}
		if !qt.NotBefore.IsZero() && now.Before(qt.NotBefore) {
			continue
		}
		if qt.Expired(now) {
			continue
		}
		candidates = append(candidates, qt)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.QueuedTrade, 0, len(candidates))
	for _, qt := range candidates {
		qt.Status = models.StatusProcessing
		qt.LeasedBy = workerID
		qt.LeasedAt = now
		out = append(out, *qt)
	}
	return out, nil
}

func (m *MockStore) MarkCompleted(ctx context.Context, id int64) error {
	if err := m.trackCall("MarkCompleted"); err != nil {
		return err
	}
	return m.setStatus(id, models.StatusCompleted, "")
}

func (m *MockStore) MarkFailed(ctx context.Context, id int64, lastError string, retryCount int, notBefore time.Time) error {
	if err := m.trackCall("MarkFailed"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	qt, ok := m.Queue[id]
	if !ok {
		return ErrNotFound
	}
	qt.Status = models.StatusPending
	qt.RetryCount = retryCount
	qt.NotBefore = notBefore
	qt.LastError = lastError
	qt.LeasedBy = ""
	qt.LeasedAt = time.Time{}
	return nil
}

func (m *MockStore) MarkDeadLetter(ctx context.Context, id int64, lastError string) error {
	if err := m.trackCall("MarkDeadLetter"); err != nil {
		return err
	}
	return m.setStatus(id, models.StatusDeadLetter, lastError)
}

func (m *MockStore) MarkCancelled(ctx context.Context, id int64, reason string) error {
	if err := m.trackCall("MarkCancelled"); err != nil {
		return err
	}
	return m.setStatus(id, models.StatusCancelled, reason)
}

func (m *MockStore) setStatus(id int64, status models.TradeStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qt, ok := m.Queue[id]
	if !ok {
		return ErrNotFound
	}
	qt.Status = status
	if lastError != "" {
		qt.LastError = lastError
	}
	qt.LeasedBy = ""
	qt.LeasedAt = time.Time{}
	return nil
}

func (m *MockStore) RequeueDeadLetter(ctx context.Context, id int64) error {
	if err := m.trackCall("RequeueDeadLetter"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	qt, ok := m.Queue[id]
	if !ok || qt.Status != models.StatusDeadLetter {
		return ErrNotFound
	}
	qt.Status = models.StatusPending
	qt.RetryCount = 0
	qt.NotBefore = time.Time{}
	qt.LastError = ""
	return nil
}

func (m *MockStore) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	if err := m.trackCall("RequeueDeadLetters"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*models.QueuedTrade
	for _, qt := range m.Queue {
		if qt.Status == models.StatusDeadLetter {
			dead = append(dead, qt)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].EnqueuedAt.Before(dead[j].EnqueuedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	for _, qt := range dead {
		qt.Status = models.StatusPending
		qt.RetryCount = 0
		qt.NotBefore = time.Time{}
		qt.LastError = ""
	}
	return len(dead), nil
}

func (m *MockStore) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, error) {
	if err := m.trackCall("ReclaimExpiredLeases"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for _, qt := range m.Queue {
		if qt.Status == models.StatusProcessing && now.Sub(qt.LeasedAt) > leaseTimeout {
			qt.Status = models.StatusPending
			qt.LeasedBy = ""
			qt.LeasedAt = time.Time{}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *MockStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	if err := m.trackCall("ExpireOverdue"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for _, qt := range m.Queue {
		if qt.Status == models.StatusPending && qt.Expired(now) {
			qt.Status = models.StatusCancelled
			qt.LastError = "expired before dispatch"
			expired++
		}
	}
	return expired, nil
}

func (m *MockStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	if err := m.trackCall("PurgeCompleted"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, qt := range m.Queue {
		if (qt.Status == models.StatusCompleted || qt.Status == models.StatusCancelled) && qt.EnqueuedAt.Before(olderThan) {
			delete(m.Queue, id)
			delete(m.QueuedEventIDs, qt.Trade.EventID())
			purged++
		}
	}
	return purged, nil
}

func (m *MockStore) QueueDepths(ctx context.Context) (map[models.TradeStatus]int, error) {
	if err := m.trackCall("QueueDepths"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	depths := make(map[models.TradeStatus]int)
	for _, qt := range m.Queue {
		depths[qt.Status]++
	}
	return depths, nil
}

func (m *MockStore) ListDeadLetter(ctx context.Context, limit int) ([]models.QueuedTrade, error) {
	if err := m.trackCall("ListDeadLetter"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QueuedTrade
	for _, qt := range m.Queue {
		if qt.Status == models.StatusDeadLetter {
			out = append(out, *qt)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) SaveDetectedTrade(ctx context.Context, trade models.DetectedTrade) error {
	if err := m.trackCall("SaveDetectedTrade"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.DetectedTrades[trade.EventID()]; !exists {
		m.DetectedTrades[trade.EventID()] = trade
	}
	return nil
}

func (m *MockStore) ActiveConfigurations(ctx context.Context, traderAddress string) ([]models.CopyConfiguration, error) {
	if err := m.trackCall("ActiveConfigurations"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CopyConfiguration
	for _, cfg := range m.Configurations {
		if cfg.TraderAddress == traderAddress && cfg.Status == models.CopyActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CredentialID < out[j].CredentialID })
	return out, nil
}

func (m *MockStore) SaveConfiguration(ctx context.Context, cfg models.CopyConfiguration) error {
	if err := m.trackCall("SaveConfiguration"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Configurations[cfg.CredentialID] = cfg
	return nil
}

func (m *MockStore) FollowedTraders(ctx context.Context) ([]string, error) {
	if err := m.trackCall("FollowedTraders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var traders []string
	for _, cfg := range m.Configurations {
		if cfg.Status == models.CopyActive && !seen[cfg.TraderAddress] {
			seen[cfg.TraderAddress] = true
			traders = append(traders, cfg.TraderAddress)
		}
	}
	sort.Strings(traders)
	return traders, nil
}

func (m *MockStore) GetSpendState(ctx context.Context, credentialID int64) (models.SpendState, error) {
	if err := m.trackCall("GetSpendState"); err != nil {
		return models.SpendState{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.SpendStates[credentialID]; ok {
		return state, nil
	}
	return models.SpendState{CredentialID: credentialID, WindowStart: time.Now().UTC()}, nil
}

func (m *MockStore) GetExecution(ctx context.Context, idempotencyKey string) (*models.ExecutionResult, error) {
	if err := m.trackCall("GetExecution"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.Executions[idempotencyKey]; ok {
		out := r
		return &out, nil
	}
	return nil, nil
}

func (m *MockStore) CommitExecution(ctx context.Context, result models.ExecutionResult, spendDelta, dailyLimit decimal.Decimal) error {
	if err := m.trackCall("CommitExecution"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Executions[result.IdempotencyKey]; exists {
		return ErrDuplicateExecution
	}

	now := time.Now().UTC()
	state, ok := m.SpendStates[result.CredentialID]
	if !ok {
		state = models.SpendState{CredentialID: result.CredentialID, WindowStart: now}
	}
	if state.WindowExpired(now) {
		state.WindowSpent = decimal.Zero
		state.WindowStart = now
	}
	state.DailyLimit = dailyLimit

	if spendDelta.IsPositive() && state.WindowSpent.Add(spendDelta).GreaterThan(dailyLimit) {
		return ErrSpendLimitExceeded
	}

	state.WindowSpent = state.WindowSpent.Add(spendDelta)
	if result.Outcome == models.OutcomeSuccess || result.Outcome == models.OutcomePartial {
		state.TradesExecuted++
	}
	m.SpendStates[result.CredentialID] = state
	m.Executions[result.IdempotencyKey] = result
	return nil
}

func (m *MockStore) ListExecutions(ctx context.Context, followerID int64, limit int) ([]models.ExecutionResult, error) {
	if err := m.trackCall("ListExecutions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ExecutionResult
	for _, r := range m.Executions {
		if r.FollowerID == followerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) OpenExposure(ctx context.Context, credentialID int64) (decimal.Decimal, error) {
	if err := m.trackCall("OpenExposure"); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	exposure := decimal.Zero
	for _, r := range m.Executions {
		if r.CredentialID != credentialID {
			continue
		}
		if r.Outcome != models.OutcomeSuccess && r.Outcome != models.OutcomePartial {
			continue
		}
		notional := r.FilledQuantity.Mul(r.AvgFillPrice)
		if r.Side == models.SideBuy {
			exposure = exposure.Add(notional)
		} else {
			exposure = exposure.Sub(notional)
		}
	}
	return exposure, nil
}

func (m *MockStore) SaveCheckpoint(ctx context.Context, blockNumber uint64, blockHash string) error {
	if err := m.trackCall("SaveCheckpoint"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckpointBlock = blockNumber
	m.CheckpointHash = blockHash
	return nil
}

func (m *MockStore) LoadCheckpoint(ctx context.Context) (uint64, string, error) {
	if err := m.trackCall("LoadCheckpoint"); err != nil {
		return 0, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CheckpointBlock, m.CheckpointHash, nil
}
