package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
)

func TestPollBackoffCappedDuringLongOutage(t *testing.T) {
	l := NewListener(config.ListenerConfig{
		PollIntervalSec:    1,
		ConfirmationBlocks: 12,
		EventBuffer:        1,
	}, nil, nil)

	// A multi-hour outage produces a failure streak far past 64 doublings;
	// the backoff must stay at the 10-interval cap, never go negative.
	rpcDown := errors.New("connection refused")
	for i := 0; i < 70; i++ {
		l.recordPollFailure(rpcDown)
	}

	if got := l.Status().State; got != ListenerPaused {
		t.Fatalf("state = %s, want paused", got)
	}
	wait := time.Until(l.nextPollNotBefore)
	if wait <= 9*time.Second || wait > 10*time.Second {
		t.Errorf("backoff = %s, want the 10-interval cap", wait)
	}

	l.recordPollSuccess()
	if got := l.Status().State; got != ListenerRunning {
		t.Errorf("state after recovery = %s, want running", got)
	}
	if !l.nextPollNotBefore.IsZero() {
		t.Error("backoff deadline not cleared on recovery")
	}
}
