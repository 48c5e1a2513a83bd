package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/api/central"
	"github.com/langchou/parkiq/internal/models"
)

// GetAvailableSlots 查询可用车位
// GET /api/slots/available?level=&zone=
// 直接透传中心后端的实时数据，不在边缘侧缓存
func (h *Handler) GetAvailableSlots(c *gin.Context) {
	level := c.Query("level")
	zone := models.Zone(c.Query("zone"))

	avail, err := h.centralClient.AvailableSlots(c.Request.Context(), level, zone)
	if err != nil {
		if errors.Is(err, central.ErrConnectivity) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Central backend unreachable"})
			return
		}
		h.logger.Error("Failed to query available slots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query available slots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": avail})
}
