package chain

import (
	"sort"
	"sync"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// reorgEntry holds the trades parsed from one block, pinned to the block hash
// observed at parse time so a later hash mismatch identifies orphaned blocks.
type reorgEntry struct {
	blockHash string
	trades    []models.DetectedTrade
}

// ReorgBuffer holds parsed trades until their block is buried deep enough to
// be considered final. Trades are released in block order; trades from blocks
// whose hash no longer matches the canonical chain are discarded.
type ReorgBuffer struct {
	mu      sync.Mutex
	byBlock map[uint64]*reorgEntry

	confirmations uint64

	buffered  int64
	released  int64
	discarded int64
}

// NewReorgBuffer creates a buffer that releases trades once their block is
// at least confirmations blocks behind the chain head.
func NewReorgBuffer(confirmations uint64) *ReorgBuffer {
	return &ReorgBuffer{
		byBlock:       make(map[uint64]*reorgEntry),
		confirmations: confirmations,
	}
}

// Add buffers trades from one block. Re-adding the same block number after a
// fork replaces the previous entry wholesale, since the old block's trades
// never happened on the canonical chain.
func (b *ReorgBuffer) Add(blockNumber uint64, blockHash string, trades []models.DetectedTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byBlock[blockNumber]; ok && prev.blockHash != blockHash {
		b.discarded += int64(len(prev.trades))
	}
	b.byBlock[blockNumber] = &reorgEntry{blockHash: blockHash, trades: trades}
	b.buffered += int64(len(trades))
}

// Release returns, in ascending block order, all trades from blocks confirmed
// at the given head. canonicalHash resolves the current hash of a block
// number; entries whose recorded hash differs are dropped as orphaned. A
// resolution error keeps the entry buffered for the next release attempt.
func (b *ReorgBuffer) Release(head uint64, canonicalHash func(blockNumber uint64) (string, error)) []models.DetectedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []uint64
	for num := range b.byBlock {
		if head >= num && head-num >= b.confirmations {
			ready = append(ready, num)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var out []models.DetectedTrade
	for _, num := range ready {
		entry := b.byBlock[num]
		hash, err := canonicalHash(num)
		if err != nil {
			continue
		}
		delete(b.byBlock, num)
		if hash != entry.blockHash {
			b.discarded += int64(len(entry.trades))
			continue
		}
		out = append(out, entry.trades...)
		b.released += int64(len(entry.trades))
	}
	return out
}

// DropFrom removes every buffered block at or above blockNumber. Used when a
// fork is detected so the affected range can be re-scanned.
func (b *ReorgBuffer) DropFrom(blockNumber uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for num, entry := range b.byBlock {
		if num >= blockNumber {
			dropped += len(entry.trades)
			delete(b.byBlock, num)
		}
	}
	b.discarded += int64(dropped)
	return dropped
}

// Depth returns the number of blocks currently buffered.
func (b *ReorgBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byBlock)
}

// Stats returns lifetime buffered/released/discarded trade counts.
func (b *ReorgBuffer) Stats() (buffered, released, discarded int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered, b.released, b.discarded
}
