package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// ListenerState is the lifecycle state of the event listener.
type ListenerState string

const (
	ListenerStopped  ListenerState = "stopped"
	ListenerStarting ListenerState = "starting"
	ListenerRunning  ListenerState = "running"
	ListenerPaused   ListenerState = "paused" // no healthy endpoint; retrying with backoff
)

// ListenerStatus is a point-in-time snapshot for the status endpoint.
type ListenerStatus struct {
	State              ListenerState `json:"state"`
	LastProcessedBlock uint64        `json:"last_processed_block"`
	BufferedBlocks     int           `json:"buffered_blocks"`
	BlocksProcessed    int64         `json:"blocks_processed"`
	LogsSeen           int64         `json:"logs_seen"`
	TradesParsed       int64         `json:"trades_parsed"`
	TradesInvalid      int64         `json:"trades_invalid"`
	TradesConfirmed    int64         `json:"trades_confirmed"`
	DuplicatesSkipped  int64         `json:"duplicates_skipped"`
	ReorgsDetected     int64         `json:"reorgs_detected"`
}

// Listener polls the chain for OrderFilled logs on the configured exchange
// contracts, buffers them through the reorg window, and emits confirmed
// trades on Trades(). One instance per process; safe to start once.
type Listener struct {
	cfg  config.ListenerConfig
	pool *ProviderPool

	contracts  []common.Address
	buffer     *ReorgBuffer
	outcomeFor OutcomeResolver

	out chan models.DetectedTrade

	mu                sync.Mutex
	state             ListenerState
	lastProcessed     uint64
	lastProcessedHash string
	seenEvents        map[string]struct{}
	seenOrder         []string
	errorStreak       int
	nextPollNotBefore time.Time
	blocksProcessed   int64
	logsSeen          int64
	tradesParsed      int64
	tradesInvalid     int64
	tradesConfirmed   int64
	duplicatesSkipped int64
	reorgsDetected    int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewListener builds a stopped listener. outcomeFor may be nil.
func NewListener(cfg config.ListenerConfig, pool *ProviderPool, outcomeFor OutcomeResolver) *Listener {
	contracts := make([]common.Address, 0, len(cfg.Contracts))
	for _, addr := range cfg.Contracts {
		contracts = append(contracts, common.HexToAddress(addr))
	}
	return &Listener{
		cfg:        cfg,
		pool:       pool,
		contracts:  contracts,
		buffer:     NewReorgBuffer(cfg.ConfirmationBlocks),
		outcomeFor: outcomeFor,
		out:        make(chan models.DetectedTrade, cfg.EventBuffer),
		state:      ListenerStopped,
		seenEvents: make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Trades is the channel of confirmed, deduplicated trades. Closed on Stop.
func (l *Listener) Trades() <-chan models.DetectedTrade {
	return l.out
}

// Start resolves the starting block and launches the poll loop.
func (l *Listener) Start(ctx context.Context) error {
	l.setState(ListenerStarting)

	from := l.cfg.FromBlock
	if from == 0 {
		head, err := l.pool.BlockNumber(ctx, "head")
		if err != nil {
			l.setState(ListenerStopped)
			return fmt.Errorf("listener: resolve starting block: %w", err)
		}
		from = head
	}

	l.mu.Lock()
	l.lastProcessed = from
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pollLoop(ctx)

	l.setState(ListenerRunning)
	log.Printf("[Listener] Started at block %d, watching %d contracts, %d-block confirmation window",
		from, len(l.contracts), l.cfg.ConfirmationBlocks)
	return nil
}

// Stop halts polling and closes the trade channel.
func (l *Listener) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	close(l.out)
	l.setState(ListenerStopped)
	log.Printf("[Listener] Stopped at block %d", l.LastProcessedBlock())
}

// LastProcessedBlock returns the highest block scanned so far.
func (l *Listener) LastProcessedBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastProcessed
}

// Status returns the current listener snapshot.
func (l *Listener) Status() ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ListenerStatus{
		State:              l.state,
		LastProcessedBlock: l.lastProcessed,
		BufferedBlocks:     l.buffer.Depth(),
		BlocksProcessed:    l.blocksProcessed,
		LogsSeen:           l.logsSeen,
		TradesParsed:       l.tradesParsed,
		TradesInvalid:      l.tradesInvalid,
		TradesConfirmed:    l.tradesConfirmed,
		DuplicatesSkipped:  l.duplicatesSkipped,
		ReorgsDetected:     l.reorgsDetected,
	}
}

func (l *Listener) setState(s ListenerState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			notBefore := l.nextPollNotBefore
			l.mu.Unlock()
			if time.Now().Before(notBefore) {
				continue
			}

			if err := l.poll(ctx); err != nil {
				l.recordPollFailure(err)
			} else {
				l.recordPollSuccess()
			}
		}
	}
}

// recordPollFailure applies capped exponential backoff: 1, 2, 4, ... poll
// intervals, capped at 10. While backing off the listener reports Paused.
func (l *Listener) recordPollFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errorStreak++
	// Cap the shift: the streak is unbounded during a long outage and would
	// overflow past 63 doublings.
	skip := 10
	if l.errorStreak < 5 {
		skip = 1 << uint(l.errorStreak-1)
	}
	l.nextPollNotBefore = time.Now().Add(time.Duration(skip) * l.cfg.PollInterval())
	l.state = ListenerPaused
	log.Printf("[Listener] Poll failed (streak %d, next attempt in %d intervals): %v", l.errorStreak, skip, err)
}

func (l *Listener) recordPollSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errorStreak > 0 {
		log.Printf("[Listener] Recovered after %d failed polls", l.errorStreak)
	}
	l.errorStreak = 0
	l.nextPollNotBefore = time.Time{}
	l.state = ListenerRunning
}

// poll advances the scan window toward the chain head, buffers parsed trades,
// and releases everything that cleared the confirmation window.
func (l *Listener) poll(ctx context.Context) error {
	head, err := l.pool.BlockNumber(ctx, "head")
	if err != nil {
		return fmt.Errorf("listener: head: %w", err)
	}

	if err := l.checkFork(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	from := l.lastProcessed + 1
	l.mu.Unlock()

	if from <= head {
		to := head
		if to-from+1 > l.cfg.MaxBlocksPerBatch {
			to = from + l.cfg.MaxBlocksPerBatch - 1
		}
		if err := l.scanRange(ctx, from, to); err != nil {
			return err
		}
	}

	return l.releaseConfirmed(ctx, head)
}

// checkFork re-fetches the header of the last processed block and compares
// its hash to the one recorded when it was scanned. A mismatch means the
// chain reorganized past our cursor: rewind by the confirmation depth and
// drop the affected buffered blocks so the range is re-scanned.
func (l *Listener) checkFork(ctx context.Context) error {
	l.mu.Lock()
	cursor := l.lastProcessed
	recorded := l.lastProcessedHash
	l.mu.Unlock()

	if recorded == "" {
		return nil
	}

	header, err := l.pool.HeaderByNumber(ctx, cursor)
	if err != nil {
		return fmt.Errorf("listener: fork check: %w", err)
	}
	if header.Hash().Hex() == recorded {
		return nil
	}

	rewindTo := uint64(0)
	if cursor > l.cfg.ConfirmationBlocks {
		rewindTo = cursor - l.cfg.ConfirmationBlocks
	}
	dropped := l.buffer.DropFrom(rewindTo + 1)

	l.mu.Lock()
	l.reorgsDetected++
	l.lastProcessed = rewindTo
	l.lastProcessedHash = ""
	l.mu.Unlock()

	log.Printf("[Listener] Reorg detected at block %d, rewound to %d (%d buffered trades dropped)",
		cursor, rewindTo, dropped)
	return nil
}

func (l *Listener) scanRange(ctx context.Context, from, to uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: l.contracts,
		Topics:    [][]common.Hash{{OrderFilledTopic}},
	}

	logs, err := l.pool.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("listener: get logs %d-%d: %w", from, to, err)
	}

	byBlock := make(map[uint64][]types.Log)
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		byBlock[vLog.BlockNumber] = append(byBlock[vLog.BlockNumber], vLog)
	}

	l.mu.Lock()
	l.logsSeen += int64(len(logs))
	l.mu.Unlock()

	for num, blockLogs := range byBlock {
		header, err := l.pool.HeaderByNumber(ctx, num)
		if err != nil {
			return fmt.Errorf("listener: header %d: %w", num, err)
		}
		blockTime := time.Unix(int64(header.Time), 0).UTC()

		var trades []models.DetectedTrade
		for _, vLog := range blockLogs {
			trade, err := ParseOrderFilled(vLog, blockTime, l.outcomeFor)
			if err != nil {
				log.Printf("[Listener] Skipping malformed log %s:%d: %v", vLog.TxHash.Hex(), vLog.Index, err)
				continue
			}
			l.mu.Lock()
			l.tradesParsed++
			if !trade.IsValid {
				l.tradesInvalid++
				log.Printf("[Listener] Invalid trade %s: %v", trade.EventID(), trade.ValidationErrors)
			}
			l.mu.Unlock()
			trades = append(trades, trade)
		}

		l.buffer.Add(num, header.Hash().Hex(), trades)
	}

	// Record the scan cursor against the hash of the range's last block so
	// the next poll can detect a fork underneath it.
	header, err := l.pool.HeaderByNumber(ctx, to)
	if err != nil {
		return fmt.Errorf("listener: header %d: %w", to, err)
	}

	l.mu.Lock()
	l.lastProcessed = to
	l.lastProcessedHash = header.Hash().Hex()
	l.blocksProcessed += int64(to - from + 1)
	l.mu.Unlock()
	return nil
}

func (l *Listener) releaseConfirmed(ctx context.Context, head uint64) error {
	confirmed := l.buffer.Release(head, func(num uint64) (string, error) {
		header, err := l.pool.HeaderByNumber(ctx, num)
		if err != nil {
			return "", err
		}
		return header.Hash().Hex(), nil
	})

	for _, trade := range confirmed {
		if l.markSeen(trade.EventID()) {
			l.mu.Lock()
			l.duplicatesSkipped++
			l.mu.Unlock()
			continue
		}

		select {
		case l.out <- trade:
			l.mu.Lock()
			l.tradesConfirmed++
			l.mu.Unlock()
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// markSeen records an event id in the bounded dedupe set and reports whether
// it was already present. The set is capped at 1000 entries; when full the
// oldest half is evicted.
func (l *Listener) markSeen(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seenEvents[eventID]; ok {
		return true
	}

	l.seenEvents[eventID] = struct{}{}
	l.seenOrder = append(l.seenOrder, eventID)

	if len(l.seenOrder) > 1000 {
		evict := l.seenOrder[:500]
		for _, id := range evict {
			delete(l.seenEvents, id)
		}
		l.seenOrder = append([]string(nil), l.seenOrder[500:]...)
	}
	return false
}
