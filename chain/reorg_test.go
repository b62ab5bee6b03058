package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

func tradeAt(block uint64, idx uint) models.DetectedTrade {
	return models.DetectedTrade{
		TxHash:      fmt.Sprintf("0x%02d", block),
		LogIndex:    idx,
		BlockNumber: block,
	}
}

func sameHash(blockNumber uint64) (string, error) {
	return fmt.Sprintf("hash-%d", blockNumber), nil
}

func TestReorgBufferReleaseOrder(t *testing.T) {
	buf := NewReorgBuffer(12)

	buf.Add(102, "hash-102", []models.DetectedTrade{tradeAt(102, 0)})
	buf.Add(100, "hash-100", []models.DetectedTrade{tradeAt(100, 0), tradeAt(100, 1)})
	buf.Add(101, "hash-101", []models.DetectedTrade{tradeAt(101, 0)})

	// Head at 111: block 100 is only 11 behind, nothing is final yet.
	if got := buf.Release(111, sameHash); len(got) != 0 {
		t.Fatalf("released %d trades before confirmation depth", len(got))
	}

	// Head at 113: blocks 100 and 101 are final, 102 is not.
	got := buf.Release(113, sameHash)
	if len(got) != 3 {
		t.Fatalf("released %d trades, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].BlockNumber < got[i-1].BlockNumber {
			t.Fatalf("trades out of block order: %d before %d", got[i-1].BlockNumber, got[i].BlockNumber)
		}
	}
	if buf.Depth() != 1 {
		t.Errorf("depth = %d, want 1", buf.Depth())
	}

	got = buf.Release(114, sameHash)
	if len(got) != 1 || got[0].BlockNumber != 102 {
		t.Fatalf("second release = %v", got)
	}
}

func TestReorgBufferDiscardsOrphans(t *testing.T) {
	buf := NewReorgBuffer(2)
	buf.Add(50, "stale-hash", []models.DetectedTrade{tradeAt(50, 0)})
	buf.Add(51, "hash-51", []models.DetectedTrade{tradeAt(51, 0)})

	got := buf.Release(60, sameHash)
	if len(got) != 1 || got[0].BlockNumber != 51 {
		t.Fatalf("release = %v, want only block 51", got)
	}

	_, released, discarded := buf.Stats()
	if released != 1 || discarded != 1 {
		t.Errorf("released=%d discarded=%d, want 1/1", released, discarded)
	}
}

func TestReorgBufferKeepsEntryOnResolveError(t *testing.T) {
	buf := NewReorgBuffer(2)
	buf.Add(50, "hash-50", []models.DetectedTrade{tradeAt(50, 0)})

	failing := func(uint64) (string, error) { return "", errors.New("rpc down") }
	if got := buf.Release(60, failing); len(got) != 0 {
		t.Fatalf("released %d trades despite resolve failure", len(got))
	}
	if buf.Depth() != 1 {
		t.Fatalf("entry dropped on resolve failure")
	}

	if got := buf.Release(60, sameHash); len(got) != 1 {
		t.Fatalf("release after recovery = %d trades, want 1", len(got))
	}
}

func TestReorgBufferReplacesBlockOnNewHash(t *testing.T) {
	buf := NewReorgBuffer(2)
	buf.Add(70, "old-hash", []models.DetectedTrade{tradeAt(70, 0), tradeAt(70, 1)})
	buf.Add(70, "hash-70", []models.DetectedTrade{tradeAt(70, 5)})

	got := buf.Release(80, sameHash)
	if len(got) != 1 || got[0].LogIndex != 5 {
		t.Fatalf("release = %v, want only the replacement trade", got)
	}
}

func TestReorgBufferDropFrom(t *testing.T) {
	buf := NewReorgBuffer(2)
	buf.Add(10, "hash-10", []models.DetectedTrade{tradeAt(10, 0)})
	buf.Add(11, "hash-11", []models.DetectedTrade{tradeAt(11, 0)})
	buf.Add(12, "hash-12", []models.DetectedTrade{tradeAt(12, 0), tradeAt(12, 1)})

	if dropped := buf.DropFrom(11); dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}
	if buf.Depth() != 1 {
		t.Errorf("depth = %d, want 1", buf.Depth())
	}

	got := buf.Release(20, sameHash)
	if len(got) != 1 || got[0].BlockNumber != 10 {
		t.Fatalf("release = %v, want only block 10", got)
	}
}
