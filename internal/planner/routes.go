package planner

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/puzzlectl/internal/journal"
	"github.com/danmuck/puzzlectl/internal/lifecycle"
	"github.com/danmuck/puzzlectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	apiVersion        = "0.1.0"
	defaultGoalsLimit = 20
)

// RouterOptions configures the HTTP control surface.
type RouterOptions struct {
	CorsOrigins []string
	Journal     *journal.Store
	Started     time.Time
}

// NewRouter exposes node over HTTP.
func NewRouter(node *Node, opts RouterOptions) *gin.Engine {
	observability.RegisterMetrics()
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(node.Name(), log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	h := &routes{node: node, journal: opts.Journal, started: opts.Started}
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/goals", h.submitGoal)
	r.GET("/goals", h.listGoals)
	r.DELETE("/goals", h.resetGoals)
	r.GET("/goals/:id", h.goalStatus)
	r.POST("/goals/:id/cancel", h.cancelGoal)
	r.POST("/lifecycle/:transition", h.transition)
	r.GET("/journal", h.journalEntries)
	r.GET("/journal/:id", h.journalEntry)
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

type routes struct {
	node    *Node
	journal *journal.Store
	started time.Time
}

func (h *routes) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).String(),
		"node":    h.node.Name(),
		"state":   h.node.State(),
		"version": apiVersion,
	})
}

func (h *routes) ready(c *gin.Context) {
	state := h.node.State()
	status := http.StatusOK
	if state != lifecycle.Active {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":           state == lifecycle.Active,
		"state":           state,
		"node":            h.node.Name(),
		"steps":           h.node.Steps(),
		"last_transition": lastTransition(h.node.Machine().Last()),
	})
}

func lastTransition(c lifecycle.Change) gin.H {
	if c.Trigger == "" {
		return nil
	}
	out := gin.H{"trigger": c.Trigger, "from": c.From, "to": c.To}
	if c.Err != nil {
		out["error"] = c.Err.Error()
	}
	return out
}

func (h *routes) submitGoal(c *gin.Context) {
	var req GoalRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	handle, err := h.node.SubmitGoal(req)
	if err != nil {
		c.JSON(rejectStatus(err), gin.H{"accepted": false, "error": err.Error()})
		return
	}
	snap := handle.Status()
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
		"goal_id":  handle.ID(),
		"status":   snap.Status,
	})
}

func (h *routes) listGoals(c *gin.Context) {
	limit := queryLimit(c, defaultGoalsLimit)
	active, recent := h.node.Goals(limit)
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"recent": recent,
	})
}

func (h *routes) resetGoals(c *gin.Context) {
	if !h.node.ResetHistory() {
		c.JSON(http.StatusConflict, gin.H{"error": "node not configured", "state": h.node.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (h *routes) goalStatus(c *gin.Context) {
	snap, ok := h.node.QueryStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *routes) cancelGoal(c *gin.Context) {
	id := c.Param("id")
	if err := h.node.RequestCancel(id); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrGoalNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrGoalTerminal):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"accepted": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "goal_id": id})
}

func (h *routes) transition(c *gin.Context) {
	trigger, ok := lifecycle.ParseTrigger(c.Param("transition"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transition"})
		return
	}
	err := h.node.Machine().Transition(c.Request.Context(), trigger)
	state := h.node.State()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"state": state})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"state": state, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"state": state, "error": err.Error()})
	}
}

func (h *routes) journalEntries(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	ctx := c.Request.Context()
	entries, err := h.journal.Recent(ctx, queryLimit(c, journal.DefaultRecentLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := h.journal.CountByStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "counts": counts})
}

func (h *routes) journalEntry(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	entry, ok, err := h.journal.Get(c.Request.Context(), c.Param("id"))
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "goal not journaled"})
	default:
		c.JSON(http.StatusOK, entry)
	}
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidGoal):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAtCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
