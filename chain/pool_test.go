package chain

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
)

func TestEndpointHealthThreshold(t *testing.T) {
	ep := &Endpoint{Name: "a", healthy: true}

	ep.recordFailure(3)
	ep.recordFailure(3)
	if !ep.isHealthy() {
		t.Fatal("endpoint unhealthy before the threshold")
	}
	ep.recordFailure(3)
	if ep.isHealthy() {
		t.Fatal("endpoint still healthy after 3 consecutive failures")
	}

	// One successful probe re-promotes and resets the streak.
	ep.recordSuccess(50 * time.Millisecond)
	if !ep.isHealthy() {
		t.Fatal("endpoint not re-promoted after success")
	}
	ep.recordFailure(3)
	ep.recordFailure(3)
	if !ep.isHealthy() {
		t.Error("failure streak not reset by the intervening success")
	}
}

func TestEndpointLatencyEMA(t *testing.T) {
	ep := &Endpoint{Name: "a", healthy: true}

	ep.recordSuccess(100 * time.Millisecond)
	if ep.snapshot().LatencyMS != 100 {
		t.Fatalf("first sample = %f, want 100", ep.snapshot().LatencyMS)
	}

	ep.recordSuccess(200 * time.Millisecond)
	// alpha 0.3: 0.3*200 + 0.7*100
	if got := ep.snapshot().LatencyMS; got != 130 {
		t.Errorf("ema = %f, want 130", got)
	}
}

func TestAcquireRanksAndSkipsUnhealthy(t *testing.T) {
	// Dialing over HTTP is lazy, so no server needs to be listening.
	client, err := ethclient.Dial("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	fast := &Endpoint{Name: "fast", Priority: 0, healthy: true, client: client}
	slow := &Endpoint{Name: "slow", Priority: 0, healthy: true, client: client}
	backup := &Endpoint{Name: "backup", Priority: 1, healthy: true, client: client}
	fast.recordSuccess(10 * time.Millisecond)
	slow.recordSuccess(500 * time.Millisecond)

	pool := &ProviderPool{endpoints: []*Endpoint{backup, slow, fast}}

	ep, err := pool.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ep.Name != "fast" {
		t.Errorf("acquired %s, want the lowest-latency priority-0 endpoint", ep.Name)
	}

	fast.mu.Lock()
	fast.healthy = false
	fast.mu.Unlock()
	if ep, _ = pool.Acquire(); ep.Name != "slow" {
		t.Errorf("acquired %s, want the remaining priority-0 endpoint", ep.Name)
	}

	slow.mu.Lock()
	slow.healthy = false
	slow.mu.Unlock()
	if ep, _ = pool.Acquire(); ep.Name != "backup" {
		t.Errorf("acquired %s, want the priority-1 backup", ep.Name)
	}

	backup.mu.Lock()
	backup.healthy = false
	backup.mu.Unlock()
	if _, err = pool.Acquire(); err != ErrNoHealthyEndpoint {
		t.Errorf("err = %v, want ErrNoHealthyEndpoint", err)
	}
	if pool.Healthy() {
		t.Error("pool reports healthy with every endpoint down")
	}
}

func TestAcquireConcurrentWithRedial(t *testing.T) {
	// The probe loop replaces the client on endpoints that failed their
	// initial dial while Acquire reads it. Run under -race.
	client, err := ethclient.Dial("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ep := &Endpoint{Name: "flaky", healthy: true}
	pool := &ProviderPool{endpoints: []*Endpoint{ep}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			pool.Acquire()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			ep.setClient(client)
		}
	}()
	wg.Wait()

	if !pool.Healthy() {
		t.Error("endpoint with a client should be acquirable")
	}
}

func TestReadCacheTTL(t *testing.T) {
	pool := &ProviderPool{
		cfg:   config.RPCConfig{CacheTTLSec: 10},
		cache: make(map[string]cacheEntry),
	}

	pool.cachePut("head", uint64(123))
	v, ok := pool.cacheGet("head")
	if !ok || v.(uint64) != 123 {
		t.Fatalf("cache miss for fresh entry: %v %v", v, ok)
	}

	// Age the entry past the TTL.
	pool.cacheMu.Lock()
	pool.cache["head"] = cacheEntry{value: uint64(123), storedAt: time.Now().Add(-time.Minute)}
	pool.cacheMu.Unlock()

	if _, ok := pool.cacheGet("head"); ok {
		t.Error("stale entry served")
	}
	pool.cacheMu.Lock()
	_, present := pool.cache["head"]
	pool.cacheMu.Unlock()
	if present {
		t.Error("stale entry not evicted")
	}
}
