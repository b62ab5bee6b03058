package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
)

// LogNotification is one OrderFilled log seen over the websocket stream,
// identified before the confirmation window has elapsed.
type LogNotification struct {
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	SeenAt      time.Time
}

// LogHandler is invoked for every matching log notification.
type LogHandler func(LogNotification)

// LogSubscriber streams OrderFilled logs over eth_subscribe for low-latency
// detection. It is advisory only: the polling listener remains the source of
// truth, the subscriber just records when an event was first observed so
// detection latency can be measured against confirmation latency.
type LogSubscriber struct {
	url       string
	contracts []string

	conn   *websocket.Conn
	connMu sync.Mutex
	subID  string

	onLog LogHandler

	firstSeenMu sync.RWMutex
	firstSeen   map[string]time.Time

	notificationsSeen int64
	statsMu           sync.RWMutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLogSubscriber builds a subscriber against the first websocket endpoint
// in the RPC config. Returns an error when none is configured.
func NewLogSubscriber(rpcCfg config.RPCConfig, listenerCfg config.ListenerConfig, onLog LogHandler) (*LogSubscriber, error) {
	var url string
	for _, ep := range rpcCfg.Endpoints {
		if ep.IsWebSocket {
			url = ep.URL
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("log subscriber: no websocket endpoint configured")
	}

	contracts := make([]string, 0, len(listenerCfg.Contracts))
	for _, addr := range listenerCfg.Contracts {
		contracts = append(contracts, strings.ToLower(addr))
	}

	return &LogSubscriber{
		url:       url,
		contracts: contracts,
		onLog:     onLog,
		firstSeen: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// FirstSeen returns when an event id was first observed over the stream.
func (s *LogSubscriber) FirstSeen(eventID string) (time.Time, bool) {
	s.firstSeenMu.RLock()
	defer s.firstSeenMu.RUnlock()
	t, ok := s.firstSeen[eventID]
	return t, ok
}

// NotificationsSeen returns the number of log notifications received.
func (s *LogSubscriber) NotificationsSeen() int64 {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.notificationsSeen
}

// Start connects and subscribes, then reads in the background.
func (s *LogSubscriber) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("log subscriber already running")
	}

	if err := s.connect(); err != nil {
		return fmt.Errorf("log subscriber: connect: %w", err)
	}
	if err := s.subscribe(); err != nil {
		s.conn.Close()
		return fmt.Errorf("log subscriber: subscribe: %w", err)
	}

	s.running = true
	go s.readLoop(ctx)

	log.Printf("[LogSubscriber] Started - streaming OrderFilled logs from %d contracts", len(s.contracts))
	return nil
}

// Stop unsubscribes and closes the connection.
func (s *LogSubscriber) Stop() {
	if !s.running {
		return
	}

	s.running = false
	close(s.stopCh)

	s.connMu.Lock()
	if s.conn != nil {
		if s.subID != "" {
			unsubMsg := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_unsubscribe",
				"params":  []string{s.subID},
				"id":      2,
			}
			s.conn.WriteJSON(unsubMsg)
		}
		s.conn.Close()
	}
	s.connMu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[LogSubscriber] Shutdown timeout")
	}

	log.Printf("[LogSubscriber] Stopped")
}

func (s *LogSubscriber) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.conn = conn
	log.Printf("[LogSubscriber] Connected to %s", s.url)
	return nil
}

func (s *LogSubscriber) subscribe() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}

	subMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params": []interface{}{
			"logs",
			map[string]interface{}{
				"address": s.contracts,
				"topics":  []string{OrderFilledTopic.Hex()},
			},
		},
		"id": 1,
	}

	if err := s.conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("subscribe read failed: %w", err)
	}
	s.conn.SetReadDeadline(time.Time{})

	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return fmt.Errorf("subscribe parse failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe error: %s", resp.Error.Message)
	}

	s.subID = resp.Result
	log.Printf("[LogSubscriber] Subscribed to logs (sub_id=%s)", s.subID)
	return nil
}

func (s *LogSubscriber) readLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			s.reconnect(ctx)
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Printf("[LogSubscriber] Read error: %v, reconnecting...", err)
			s.reconnect(ctx)
			continue
		}

		s.handleMessage(msg)
	}
}

func (s *LogSubscriber) reconnect(ctx context.Context) {
	log.Printf("[LogSubscriber] Reconnecting in 2s...")

	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(2 * time.Second):
	}

	if err := s.connect(); err != nil {
		log.Printf("[LogSubscriber] Reconnection failed: %v", err)
		return
	}
	if err := s.subscribe(); err != nil {
		log.Printf("[LogSubscriber] Resubscription failed: %v", err)
	}
}

func (s *LogSubscriber) handleMessage(data []byte) {
	var notif struct {
		Method string `json:"method"`
		Params struct {
			Subscription string `json:"subscription"`
			Result       struct {
				TransactionHash string `json:"transactionHash"`
				LogIndex        string `json:"logIndex"`
				BlockNumber     string `json:"blockNumber"`
			} `json:"result"`
		} `json:"params"`
	}

	if err := json.Unmarshal(data, &notif); err != nil {
		return
	}
	if notif.Method != "eth_subscription" || notif.Params.Subscription != s.subID {
		return
	}

	res := notif.Params.Result
	if res.TransactionHash == "" {
		return
	}

	now := time.Now()
	logIndex := parseHexUint(res.LogIndex)
	blockNumber := parseHexUint(res.BlockNumber)
	eventID := fmt.Sprintf("%s:%d", res.TransactionHash, logIndex)

	s.statsMu.Lock()
	s.notificationsSeen++
	count := s.notificationsSeen
	s.statsMu.Unlock()

	s.firstSeenMu.Lock()
	if _, exists := s.firstSeen[eventID]; !exists {
		s.firstSeen[eventID] = now
	}
	// Drop entries older than 30 minutes to bound memory.
	if count%1000 == 0 {
		cutoff := now.Add(-30 * time.Minute)
		for k, t := range s.firstSeen {
			if t.Before(cutoff) {
				delete(s.firstSeen, k)
			}
		}
	}
	s.firstSeenMu.Unlock()

	if s.onLog != nil {
		s.onLog(LogNotification{
			TxHash:      res.TransactionHash,
			LogIndex:    uint(logIndex),
			BlockNumber: blockNumber,
			SeenAt:      now,
		})
	}
}

func parseHexUint(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
