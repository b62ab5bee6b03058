// Package handlers exposes the pipeline's HTTP surface: health and status
// probes, execution history, configuration upserts, and dead-letter admin.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/chain"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/executor"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/middleware"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/queue"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/storage"
)

// Handler handles HTTP requests.
type Handler struct {
	pool     *chain.ProviderPool
	listener *chain.Listener
	queue    *queue.Queue
	coord    *executor.Coordinator
	store    storage.Store
}

// NewHandler creates a handler over the pipeline components. Any component
// may be nil when the process does not run it (the worker binary has no
// listener).
func NewHandler(pool *chain.ProviderPool, listener *chain.Listener, q *queue.Queue, coord *executor.Coordinator, store storage.Store) *Handler {
	return &Handler{
		pool:     pool,
		listener: listener,
		queue:    q,
		coord:    coord,
		store:    store,
	}
}

// RegisterRoutes wires all endpoints onto the router. Mutating endpoints sit
// behind basic auth.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/followers/:id/executions", h.GetExecutions)
	r.GET("/traders", h.GetFollowedTraders)

	admin := r.Group("/", middleware.BasicAuth())
	admin.POST("/configurations", h.SaveConfiguration)
	admin.GET("/queue/dead-letter", h.GetDeadLetters)
	admin.POST("/queue/dead-letter/requeue", h.RequeueDeadLetters)
	admin.POST("/queue/dead-letter/:id/requeue", h.RequeueDeadLetter)
}

// Health reports whether the process can do useful work.
func (h *Handler) Health(c *gin.Context) {
	healthy := true
	detail := gin.H{}

	if h.pool != nil {
		poolHealthy := h.pool.Healthy()
		healthy = healthy && poolHealthy
		detail["rpc"] = poolHealthy
	}
	if h.queue != nil {
		if _, err := h.queue.Status(c.Request.Context()); err != nil {
			healthy = false
			detail["queue"] = false
		} else {
			detail["queue"] = true
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "components": detail})
}

// Status returns the full pipeline snapshot.
func (h *Handler) Status(c *gin.Context) {
	out := gin.H{}

	if h.pool != nil {
		out["endpoints"] = h.pool.Status()
	}
	if h.listener != nil {
		out["listener"] = h.listener.Status()
	}
	if h.queue != nil {
		qs, err := h.queue.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load queue status"})
			return
		}
		out["queue"] = qs
	}
	if h.coord != nil {
		out["executor"] = h.coord.Status()
	}

	c.JSON(http.StatusOK, out)
}

// GetExecutions returns recent execution records for a follower.
func (h *Handler) GetExecutions(c *gin.Context) {
	followerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower ID must be an integer"})
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	executions, err := h.store.ListExecutions(c.Request.Context(), followerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"count":      len(executions),
	})
}

// GetFollowedTraders returns the distinct trader addresses being copied.
func (h *Handler) GetFollowedTraders(c *gin.Context) {
	traders, err := h.store.FollowedTraders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load traders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"traders": traders, "count": len(traders)})
}

// SaveConfiguration upserts a copy configuration.
func (h *Handler) SaveConfiguration(c *gin.Context) {
	var cfg models.CopyConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration: " + err.Error()})
		return
	}

	if cfg.CredentialID == 0 || cfg.FollowerID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credential_id and follower_id are required"})
		return
	}
	if !middleware.IsValidEthAddress(cfg.TraderAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trader_address must be a valid Ethereum address"})
		return
	}
	if !cfg.Proportionality.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proportionality must be positive"})
		return
	}
	switch cfg.Status {
	case models.CopyActive, models.CopyPaused, models.CopyStopped:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, paused, or stopped"})
		return
	}

	if err := h.store.SaveConfiguration(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// GetDeadLetters lists dead-lettered trades for inspection.
func (h *Handler) GetDeadLetters(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	trades, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dead letters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// RequeueDeadLetters returns a batch of dead-lettered trades to the queue,
// oldest first.
func (h *Handler) RequeueDeadLetters(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	n, err := h.queue.RequeueDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue dead letters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// RequeueDeadLetter returns a dead-lettered trade to the queue.
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade ID must be an integer"})
		return
	}

	if err := h.queue.RequeueDeadLetter(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found in dead letter queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": id})
}
