// Package chain provides the blockchain-facing half of the copy-trading
// pipeline: the RPC provider pool, the block/event listener with reorg
// tolerance, and the OrderFilled log parser.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
)

// ErrNoHealthyEndpoint is returned when every configured endpoint is marked
// unhealthy. Callers should back off and retry, not terminate.
var ErrNoHealthyEndpoint = errors.New("rpc pool: no healthy endpoint available")

// Endpoint is one configured RPC endpoint with rolling health state.
// Endpoints are created at config load and never removed, only marked
// healthy/unhealthy.
type Endpoint struct {
	Name        string
	URL         string
	IsWebSocket bool
	Priority    int // lower = preferred

	client *ethclient.Client

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	avgLatencyMS        float64
	totalRequests       int64
	totalFailures       int64
	lastChecked         time.Time
}

// EndpointStatus is a point-in-time snapshot for observability.
type EndpointStatus struct {
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Healthy       bool      `json:"healthy"`
	LatencyMS     float64   `json:"latency_ms"`
	TotalRequests int64     `json:"total_requests"`
	TotalFailures int64     `json:"total_failures"`
	LastChecked   time.Time `json:"last_checked"`
}

func (e *Endpoint) snapshot() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointStatus{
		Name:          e.Name,
		URL:           e.URL,
		Healthy:       e.healthy,
		LatencyMS:     e.avgLatencyMS,
		TotalRequests: e.totalRequests,
		TotalFailures: e.totalFailures,
		LastChecked:   e.lastChecked,
	}
}

func (e *Endpoint) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// getClient and setClient guard the client pointer: the probe loop redials
// endpoints that failed their initial dial while callers read concurrently.
func (e *Endpoint) getClient() *ethclient.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *Endpoint) setClient(c *ethclient.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

// recordSuccess updates latency tracking with an exponential moving average.
func (e *Endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	e.consecutiveFailures = 0
	e.healthy = true
	ms := float64(latency.Milliseconds())
	const alpha = 0.3
	if e.avgLatencyMS == 0 {
		e.avgLatencyMS = ms
	} else {
		e.avgLatencyMS = alpha*ms + (1-alpha)*e.avgLatencyMS
	}
}

// recordFailure bumps failure counters and marks the endpoint unhealthy once
// the consecutive-failure threshold is reached.
func (e *Endpoint) recordFailure(maxConsecutive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	e.totalFailures++
	e.consecutiveFailures++
	if e.consecutiveFailures >= maxConsecutive {
		e.healthy = false
	}
}

func (e *Endpoint) rank() (int, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Priority, e.avgLatencyMS
}

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// ProviderPool maintains a ranked set of chain endpoints with health probing,
// automatic failover, and a short-TTL read cache. Construct one instance at
// process start and inject it; there is no package-level singleton.
type ProviderPool struct {
	cfg config.RPCConfig

	endpoints []*Endpoint

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProviderPool dials every configured endpoint. Endpoints that fail to
// dial are kept but start unhealthy; the probe loop re-checks them.
func NewProviderPool(cfg config.RPCConfig) (*ProviderPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("rpc pool: no endpoints configured")
	}

	pool := &ProviderPool{
		cfg:    cfg,
		cache:  make(map[string]cacheEntry),
		stopCh: make(chan struct{}),
	}

	for _, epCfg := range cfg.Endpoints {
		ep := &Endpoint{
			Name:        epCfg.Name,
			URL:         epCfg.URL,
			IsWebSocket: epCfg.IsWebSocket,
			Priority:    epCfg.Priority,
			healthy:     true,
		}
		client, err := ethclient.Dial(epCfg.URL)
		if err != nil {
			log.Printf("[ProviderPool] Warning: dial %s failed: %v (will retry via probes)", epCfg.Name, err)
			ep.healthy = false
		} else {
			ep.client = client
		}
		pool.endpoints = append(pool.endpoints, ep)
	}

	log.Printf("[ProviderPool] Initialized with %d endpoints", len(pool.endpoints))
	return pool, nil
}

// Start launches the background health probe loop.
func (p *ProviderPool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.probeLoop(ctx)
}

// Stop halts probing and closes all endpoint connections.
func (p *ProviderPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	for _, ep := range p.endpoints {
		if client := ep.getClient(); client != nil {
			client.Close()
		}
	}
	log.Printf("[ProviderPool] Stopped")
}

// Acquire returns the best-ranked healthy endpoint, ordered by (priority,
// average latency), or ErrNoHealthyEndpoint.
func (p *ProviderPool) Acquire() (*Endpoint, error) {
	candidates := p.ranked()
	for _, ep := range candidates {
		if ep.isHealthy() && ep.getClient() != nil {
			return ep, nil
		}
	}
	return nil, ErrNoHealthyEndpoint
}

// ranked returns all endpoints sorted by (priority, avg latency).
func (p *ProviderPool) ranked() []*Endpoint {
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		pi, li := out[i].rank()
		pj, lj := out[j].rank()
		if pi != pj {
			return pi < pj
		}
		return li < lj
	})
	return out
}

// withFailover runs fn against the best healthy endpoint, failing over to the
// next-ranked endpoint on error, up to MaxRetries endpoints per call.
func (p *ProviderPool) withFailover(ctx context.Context, op string, fn func(context.Context, *ethclient.Client) error) error {
	candidates := p.ranked()

	tried := 0
	var lastErr error
	for _, ep := range candidates {
		if tried >= p.cfg.MaxRetries {
			break
		}
		client := ep.getClient()
		if !ep.isHealthy() || client == nil {
			continue
		}
		tried++

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
		start := time.Now()
		err := fn(callCtx, client)
		cancel()

		if err == nil {
			ep.recordSuccess(time.Since(start))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		ep.recordFailure(p.cfg.MaxConsecutiveFailures)
		log.Printf("[ProviderPool] %s failed on %s (attempt %d/%d): %v", op, ep.Name, tried, p.cfg.MaxRetries, err)
	}

	if tried == 0 {
		return ErrNoHealthyEndpoint
	}
	return fmt.Errorf("rpc pool: %s failed after %d endpoints: %w", op, tried, lastErr)
}

// BlockNumber returns the current chain head, cached briefly under the given
// cache key when one is provided.
func (p *ProviderPool) BlockNumber(ctx context.Context, cacheKey string) (uint64, error) {
	if cacheKey != "" {
		if v, ok := p.cacheGet(cacheKey); ok {
			return v.(uint64), nil
		}
	}

	var head uint64
	err := p.withFailover(ctx, "eth_blockNumber", func(ctx context.Context, c *ethclient.Client) error {
		n, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	if cacheKey != "" {
		p.cachePut(cacheKey, head)
	}
	return head, nil
}

// HeaderByNumber fetches a block header, cached by block number since headers
// past the confirmation window never change.
func (p *ProviderPool) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	cacheKey := fmt.Sprintf("header:%d", number)
	if v, ok := p.cacheGet(cacheKey); ok {
		return v.(*types.Header), nil
	}

	var header *types.Header
	err := p.withFailover(ctx, "eth_getBlockByNumber", func(ctx context.Context, c *ethclient.Client) error {
		h, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.cachePut(cacheKey, header)
	return header, nil
}

// FilterLogs fetches logs for the given filter. Not cached: the result set
// for a recent range can change during a reorg.
func (p *ProviderPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := p.withFailover(ctx, "eth_getLogs", func(ctx context.Context, c *ethclient.Client) error {
		ls, err := c.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = ls
		return nil
	})
	return logs, err
}

// Healthy reports whether at least one endpoint can serve requests.
func (p *ProviderPool) Healthy() bool {
	_, err := p.Acquire()
	return err == nil
}

// Status returns per-endpoint health for the observability endpoint.
func (p *ProviderPool) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.ranked() {
		out = append(out, ep.snapshot())
	}
	return out
}

func (p *ProviderPool) probeLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll checks every endpoint, including unhealthy ones, so that demoted
// endpoints can recover without request traffic.
func (p *ProviderPool) probeAll(ctx context.Context) {
	for _, ep := range p.endpoints {
		client := ep.getClient()
		if client == nil {
			dialed, err := ethclient.Dial(ep.URL)
			if err != nil {
				log.Printf("[ProviderPool] Probe redial %s failed: %v", ep.Name, err)
				continue
			}
			ep.setClient(dialed)
			client = dialed
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
		start := time.Now()
		_, err := client.BlockNumber(probeCtx)
		cancel()

		ep.mu.Lock()
		ep.lastChecked = time.Now()
		ep.mu.Unlock()

		if err != nil {
			ep.recordFailure(p.cfg.MaxConsecutiveFailures)
			log.Printf("[ProviderPool] Probe failed: %s - %v", ep.Name, err)
			continue
		}

		wasUnhealthy := !ep.isHealthy()
		ep.recordSuccess(time.Since(start))
		if wasUnhealthy {
			log.Printf("[ProviderPool] Endpoint %s recovered (%.0fms)", ep.Name, float64(time.Since(start).Milliseconds()))
		}
	}
}

func (p *ProviderPool) cacheGet(key string) (interface{}, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	entry, ok := p.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > p.cfg.CacheTTL() {
		delete(p.cache, key)
		return nil, false
	}
	return entry.value, true
}

func (p *ProviderPool) cachePut(key string, value interface{}) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache[key] = cacheEntry{value: value, storedAt: time.Now()}
}
