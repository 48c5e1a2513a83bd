package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkiq/internal/models"
)

// entryRequest 进场请求
type entryRequest struct {
	VehicleType  string `json:"vehicle_type" binding:"required"`
	VehiclePlate string `json:"vehicle_plate" binding:"required"`
	EntryTime    string `json:"entry_time,omitempty"`
}

// HandleEntry 车辆进场，启动分配流程
// POST /api/entry
// 立即返回尝试标识，分配进度通过 WebSocket 推送
func (h *Handler) HandleEntry(c *gin.Context) {
	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vehicle_type and vehicle_plate are required"})
		return
	}

	vehicleType, err := models.ParseVehicleType(req.VehicleType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entryTime := time.Now()
	if req.EntryTime != "" {
		t, err := time.Parse(time.RFC3339, req.EntryTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entry_time must be RFC3339"})
			return
		}
		entryTime = t
	}

	st, err := h.assignmentService.StartAssignment(c.Request.Context(), models.Vehicle{
		Type:  vehicleType,
		Plate: req.VehiclePlate,
	}, entryTime)
	if err != nil {
		h.logger.Error("Failed to start assignment", zap.Error(err), zap.String("plate", req.VehiclePlate))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start assignment"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": st})
}

// ListAssignments 获取分配记录列表
func (h *Handler) ListAssignments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage

	assignments, total, err := h.assignmentService.ListAssignments(c.Request.Context(), perPage, offset)
	if err != nil {
		h.logger.Error("Failed to list assignments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list assignments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": assignments,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetAssignment 获取一次分配尝试的当前状态
func (h *Handler) GetAssignment(c *gin.Context) {
	attemptID := c.Param("id")

	st, err := h.assignmentService.GetAttempt(c.Request.Context(), attemptID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Assignment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// CancelAssignment 取消一次分配尝试
// POST /api/assignments/:id/cancel
// 分配已成功时取消只结束展示，车位保持占用
func (h *Handler) CancelAssignment(c *gin.Context) {
	attemptID := c.Param("id")

	st, err := h.assignmentService.Cancel(c.Request.Context(), attemptID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Assignment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Assignment canceled",
		"data":    st,
	})
}
