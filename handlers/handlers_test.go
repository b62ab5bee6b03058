package handlers

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

func setupRouter(t *testing.T) (*gin.Engine, *storage.MockStore) {
	t.Helper()
	t.Setenv("AUTH_USERNAME", "")
	t.Setenv("AUTH_PASSWORD", "")

	store := storage.NewMockStore()
	q := queue.New(config.QueueConfig{
		MaxRetries:             3,
		RetryBaseSec:           2,
		RetryCapSec:            300,
		LeaseTimeoutSec:        300,
		TradeTTLSec:            3600,
		HousekeepingSec:        30,
		CompletedRetentionDays: 7,
	}, store)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(nil, nil, q, nil, store).RegisterRoutes(r)
	return r, store
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, store := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	store.ErrorOnNext["QueueDepths"] = storage.ErrNotFound
	w = doRequest(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the queue is down", w.Code)
	}
}

func TestStatusIncludesQueue(t *testing.T) {
	r, _ := setupRouter(t)

	w := doRequest(r, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"queue"`) {
		t.Errorf("body missing queue section: %s", w.Body.String())
	}
}

func TestGetExecutions(t *testing.T) {
	r, store := setupRouter(t)
	store.Executions["key-1"] = models.ExecutionResult{
		IdempotencyKey: "key-1",
		FollowerID:     42,
		Outcome:        models.OutcomeSuccess,
		ExecutedAt:     time.Now().UTC(),
	}

	w := doRequest(r, http.MethodGet, "/followers/42/executions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("body = %s, want one execution", w.Body.String())
	}

	w = doRequest(r, http.MethodGet, "/followers/abc/executions", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-numeric id", w.Code)
	}
}

func TestSaveConfiguration(t *testing.T) {
	r, store := setupRouter(t)

	valid := `{
		"follower_id": 1,
		"credential_id": 7,
		"trader_address": "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
		"proportionality": "0.5",
		"status": "active"
	}`

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", valid, http.StatusOK},
		{"not json", "nope", http.StatusBadRequest},
		{"missing ids", `{"trader_address":"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E","proportionality":"0.5","status":"active"}`, http.StatusBadRequest},
		{"bad address", `{"follower_id":1,"credential_id":7,"trader_address":"bogus","proportionality":"0.5","status":"active"}`, http.StatusBadRequest},
		{"zero proportionality", `{"follower_id":1,"credential_id":7,"trader_address":"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E","proportionality":"0","status":"active"}`, http.StatusBadRequest},
		{"bad status", `{"follower_id":1,"credential_id":7,"trader_address":"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E","proportionality":"0.5","status":"sideways"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodPost, "/configurations", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	saved, ok := store.Configurations[7]
	if !ok {
		t.Fatal("valid configuration not persisted")
	}
	if !saved.Proportionality.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("proportionality = %s, want 0.5", saved.Proportionality)
	}
}

func TestDeadLetterAdmin(t *testing.T) {
	r, store := setupRouter(t)

	trade := models.DetectedTrade{
		TxHash: "0x01", TraderAddress: "0x0000000000000000000000000000000000000001",
		MarketID: "mkt-1", Side: models.SideBuy, Outcome: models.OutcomeYes,
		Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5"),
		Notional: decimal.RequireFromString("0.5"), IsValid: true,
	}
	store.Queue[1] = &models.QueuedTrade{
		ID: 1, Trade: trade, Status: models.StatusDeadLetter,
		EnqueuedAt: time.Now().UTC(),
	}
	store.QueuedEventIDs[trade.EventID()] = 1

	w := doRequest(r, http.MethodGet, "/queue/dead-letter", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("list: status=%d body=%s", w.Code, w.Body.String())
	}

	w = doRequest(r, http.MethodPost, "/queue/dead-letter/1/requeue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("requeue status = %d, want 200", w.Code)
	}
	if store.Queue[1].Status != models.StatusPending {
		t.Errorf("status = %s, want pending after requeue", store.Queue[1].Status)
	}

	w = doRequest(r, http.MethodPost, "/queue/dead-letter/99/requeue", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", w.Code)
	}
}

func TestDeadLetterBulkRequeue(t *testing.T) {
	r, store := setupRouter(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := int64(1); i <= 3; i++ {
		trade := models.DetectedTrade{
			TxHash: "0x0" + strconv.FormatInt(i, 10), TraderAddress: "0x0000000000000000000000000000000000000001",
			MarketID: "mkt-1", Side: models.SideBuy, Outcome: models.OutcomeYes,
			Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5"),
			Notional: decimal.RequireFromString("0.5"), IsValid: true,
		}
		store.Queue[i] = &models.QueuedTrade{
			ID: i, Trade: trade, Status: models.StatusDeadLetter, RetryCount: 3,
			EnqueuedAt: base.Add(time.Duration(i) * time.Minute),
		}
		store.QueuedEventIDs[trade.EventID()] = i
	}

	w := doRequest(r, http.MethodPost, "/queue/dead-letter/requeue?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s), want 200", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"requeued":2`) {
		t.Errorf("body = %s, want 2 requeued", w.Body.String())
	}
	if store.Queue[1].Status != models.StatusPending || store.Queue[2].Status != models.StatusPending {
		t.Error("oldest dead letters not requeued")
	}
	if store.Queue[3].Status != models.StatusDeadLetter {
		t.Error("limit not honored")
	}
}
