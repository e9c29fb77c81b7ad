package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/crowdsource-scripts/cityworks-sync/internal/service"
)

type Handler struct {
	Syncer *service.Syncer
	Logger zerolog.Logger
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SyncRun triggers one sync pass. Only one run may be active at a time;
// overlapping requests get a 409.
func (h *Handler) SyncRun(c *gin.Context) {
	summary, err := h.Syncer.TryRun(c.Request.Context())
	if errors.Is(err, service.ErrRunInProgress) {
		writeError(c, http.StatusConflict, "RUN_IN_PROGRESS", "A sync run is already in progress", nil)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("sync run failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"code":    "SYNC_FAILED",
				"message": err.Error(),
			},
			"summary": summary,
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RunsLatest(c *gin.Context) {
	last := h.Syncer.Last()
	if last == nil {
		writeError(c, http.StatusNotFound, "NO_RUNS", "No sync run has completed yet", nil)
		return
	}
	c.JSON(http.StatusOK, last)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	body := gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
	if details != nil {
		body["error"].(gin.H)["details"] = details
	}
	c.JSON(status, body)
}
