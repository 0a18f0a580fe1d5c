package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"channel_relay/internal/model"
	"channel_relay/internal/scheduler"
	"channel_relay/internal/settings"
)

// StatusSource provides the control loop snapshot.
type StatusSource interface {
	Status() scheduler.Status
}

// StatsSource provides ledger totals.
type StatsSource interface {
	PostStats(ctx context.Context) (model.PostStats, error)
}

// Handler handles the HTTP endpoints.
type Handler struct {
	status   StatusSource
	stats    StatsSource
	settings *settings.Store
	now      func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(status StatusSource, stats StatsSource, cfg *settings.Store) *Handler {
	return &Handler{status: status, stats: stats, settings: cfg, now: time.Now}
}

type tierJSON struct {
	Type      string         `json:"type"`
	Policy    string         `json:"policy"`
	Channels  int            `json:"channels"`
	LastRun   time.Time      `json:"last_run"`
	Last      model.Counters `json:"last"`
	Total     model.Counters `json:"total"`
	Interval  string         `json:"interval"`
	NextRunIn string         `json:"next_run_in"`
}

// Health reports whether the control loop is alive. A loop that has not
// completed a cycle within three base ticks, or has lost the upstream
// connection, is unhealthy.
func (h *Handler) Health(c *gin.Context) {
	st := h.status.Status()
	cfg := h.settings.Current()
	now := h.now()

	state := "healthy"
	code := http.StatusOK
	switch {
	case st.LastCycle.IsZero():
		state, code = "starting", http.StatusServiceUnavailable
	case !st.Connected:
		state, code = "disconnected", http.StatusServiceUnavailable
	case now.Sub(st.LastCycle) > 3*cfg.BaseTick()+scheduler.FatalPause:
		state, code = "stalled", http.StatusServiceUnavailable
	}

	tiers := make([]tierJSON, 0, len(st.Tiers))
	for _, ts := range st.Tiers {
		iv := cfg.Interval(ts.Type)
		next := max(ts.LastRun.Add(iv).Sub(now), 0)
		tiers = append(tiers, tierJSON{
			Type:      ts.Type.String(),
			Policy:    ts.Type.Policy().String(),
			Channels:  ts.Channels,
			LastRun:   ts.LastRun,
			Last:      ts.Last,
			Total:     ts.Total,
			Interval:  iv.String(),
			NextRunIn: next.Round(time.Second).String(),
		})
	}

	c.JSON(code, gin.H{
		"status":     state,
		"timestamp":  now.UTC().Format(time.RFC3339),
		"connected":  st.Connected,
		"last_cycle": st.LastCycle,
		"pending":    st.Pending,
		"target":     cfg.TargetChannel,
		"tiers":      tiers,
	})
}

// Stats returns ledger totals.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.stats.PostStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       stats.Total,
		"forwarded":   stats.Forwarded,
		"ads":         stats.Ads,
		"blacklisted": stats.Blacklisted,
	})
}
